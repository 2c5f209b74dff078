package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/reconcile"
	"escrowflow/runner"
)

type escrowService interface {
	Start(ctx context.Context, runnerID string, actorID *string) (escrow.Transaction, error)
	OnboardRunner(ctx context.Context, id string, profile escrow.RunnerProfile, actorID *string) (escrow.Transaction, error)
	HoldFunds(ctx context.Context, id string, req escrow.HoldRequest, actorID *string) (escrow.Transaction, error)
	HandleDeliveryConfirmedWebhook(ctx context.Context, req escrow.DeliveryConfirmation) (escrow.Transaction, error)
	ReleaseFunds(ctx context.Context, id string, actorID *string) (escrow.Transaction, error)
	Get(ctx context.Context, id string) (escrow.Transaction, error)
	Timeline(ctx context.Context, id string) ([]escrow.TimelineEvent, error)
	ListRequiringReconciliation(ctx context.Context, limit int) ([]escrow.Transaction, error)
}

type reconcileService interface {
	List(ctx context.Context, status reconcile.Status, limit int) ([]reconcile.Case, error)
	Resolve(ctx context.Context, res reconcile.Resolution) (reconcile.Case, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the escrow workflow over HTTP.
type Server struct {
	logger          *slog.Logger
	escrowService   escrowService
	authService     authService
	runnerService   *runner.Service
	caseService     reconcileService
	defaultCurrency string
	nowFn           func() time.Time
}

func NewServer(logger *slog.Logger, escrows escrowService, authn authService, runners *runner.Service, cases reconcileService, defaultCurrency string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:          logger,
		escrowService:   escrows,
		authService:     authn,
		runnerService:   runners,
		caseService:     cases,
		defaultCurrency: defaultCurrency,
		nowFn:           time.Now,
	}
}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRole      ctxKey = "role"
)

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/escrows", s.handleCreateEscrow)
			r.Get("/escrows/{id}", s.handleGetEscrow)
			r.Get("/escrows/{id}/timeline", s.handleTimeline)
			r.Post("/escrows/{id}/onboarding", s.handleOnboarding)
			r.Post("/escrows/{id}/hold", s.handleHold)
			r.Post("/escrows/{id}/delivery-confirmations", s.handleDeliveryConfirmation)
			r.Post("/escrows/{id}/release", s.handleRelease)

			r.Get("/reconciliation", s.handleReconciliation)
			r.Get("/reconciliation/cases", s.handleReconciliationCases)
			r.Post("/reconciliation/{id}/resolve", s.handleResolveReconciliation)

			r.Get("/runners", s.handleRunners)
			r.Get("/runners/{id}", s.handleRunner)
		})
	})
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorContext(r.Context(), "panic serving request",
					"module", "api",
					"operation", r.Method+" "+r.URL.Path,
					"outcome", "panic",
					"request_id", requestIDFromContext(r.Context()),
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		outcome := "success"
		if rec.status >= http.StatusBadRequest {
			outcome = "failure"
		}
		s.logger.InfoContext(r.Context(), "http request",
			"module", "api",
			"operation", r.Method+" "+r.URL.Path,
			"outcome", outcome,
			"status", rec.status,
			"request_id", requestIDFromContext(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize writes 401/403 and returns false unless the caller holds one of
// the allowed roles.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, allowed ...auth.Role) (string, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return "", false
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if err := auth.Authorize(role, allowed...); err != nil {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "role not permitted for this operation")
		return "", false
	}
	return userID, true
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
