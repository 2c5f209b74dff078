package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/reconcile"
	"escrowflow/runner"
)

type errorResponse struct {
	Code        string               `json:"code"`
	Message     string               `json:"message"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
}

type failureResponse struct {
	Stage         string `json:"stage"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	FundsCaptured bool   `json:"fundsCaptured"`
	OccurredAt    string `json:"occurredAt"`
}

type transactionResponse struct {
	ID                     string           `json:"id"`
	RunnerID               string           `json:"runnerId"`
	State                  string           `json:"state"`
	Currency               string           `json:"currency,omitempty"`
	BuyerChargeAmount      int64            `json:"buyerChargeAmount"`
	RunnerPayoutAmount     *int64           `json:"runnerPayoutAmount,omitempty"`
	PlatformFeeAmount      *int64           `json:"platformFeeAmount,omitempty"`
	RunnerAccountID        string           `json:"runnerAccountId,omitempty"`
	ChargeReference        string           `json:"chargeReference,omitempty"`
	TransferReference      string           `json:"transferReference,omitempty"`
	Failure                *failureResponse `json:"failure,omitempty"`
	RequiresReconciliation bool             `json:"requiresReconciliation"`
	Version                int              `json:"version"`
	CreatedAt              string           `json:"createdAt"`
	UpdatedAt              string           `json:"updatedAt"`
}

type timelineEventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

type runnerResponse struct {
	ID             string `json:"id"`
	PayeeAccountID string `json:"payeeAccountId"`
	Email          string `json:"email,omitempty"`
	Country        string `json:"country,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

type reconciliationCaseResponse struct {
	TransactionID   string  `json:"transactionId"`
	RunnerID        string  `json:"runnerId"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency,omitempty"`
	ChargeReference string  `json:"chargeReference,omitempty"`
	FailureStage    string  `json:"failureStage"`
	FailureReason   string  `json:"failureReason,omitempty"`
	FailedAt        *string `json:"failedAt,omitempty"`
	Status          string  `json:"status"`
	Outcome         string  `json:"outcome,omitempty"`
	Note            string  `json:"note,omitempty"`
	ResolvedBy      *string `json:"resolvedBy,omitempty"`
	ResolvedAt      *string `json:"resolvedAt,omitempty"`
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Operator  struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"fullName"`
		Role     string `json:"role"`
	} `json:"operator"`
}

type createEscrowRequest struct {
	RunnerID string `json:"runnerId"`
}

type addressPayload struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type onboardingRequest struct {
	FirstName            string         `json:"firstName"`
	LastName             string         `json:"lastName"`
	FullNameAliases      []string       `json:"fullNameAliases"`
	Email                string         `json:"email"`
	Phone                string         `json:"phone"`
	Country              string         `json:"country"`
	Nationality          string         `json:"nationality"`
	DateOfBirth          string         `json:"dateOfBirth"`
	GovernmentID         string         `json:"governmentId"`
	Address              addressPayload `json:"address"`
	BusinessType         string         `json:"businessType"`
	MerchantCategoryCode string         `json:"mcc"`
	BusinessURL          string         `json:"businessUrl"`
	ProductDescription   string         `json:"productDescription"`
	ExternalAccountToken string         `json:"externalAccountToken"`
	TermsAcceptedAt      *time.Time     `json:"tosAcceptedAt"`
	TermsAcceptanceIP    string         `json:"tosAcceptanceIp"`
}

type holdRequest struct {
	PaymentMethod string      `json:"paymentMethod"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
}

type deliveryConfirmationRequest struct {
	EventID string         `json:"eventId"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}
		s.internalError(w, r, "login", err)
		return
	}

	var resp loginResponse
	resp.Token = result.Token
	resp.ExpiresAt = result.ExpiresAt.UTC().Format(time.RFC3339)
	resp.Operator.ID = result.Operator.ID
	resp.Operator.Email = result.Operator.Email
	resp.Operator.FullName = result.Operator.FullName
	resp.Operator.Role = string(result.Operator.Role)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleCheckout, auth.RoleOperator)
	if !ok {
		return
	}
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	tx, err := s.escrowService.Start(r.Context(), req.RunnerID, &userID)
	if err != nil {
		s.writeEscrowError(w, r, "start", tx, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	tx, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEscrowError(w, r, "get", escrow.Transaction{}, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	events, err := s.escrowService.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEscrowError(w, r, "timeline", escrow.Transaction{}, err)
		return
	}
	items := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, timelineEventResponse{
			ID:        ev.ID,
			Type:      ev.Type,
			ActorID:   ev.ActorID,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleOperator)
	if !ok {
		return
	}
	var req onboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	profile, err := s.toRunnerProfile(r, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	tx, err := s.escrowService.OnboardRunner(r.Context(), chi.URLParam(r, "id"), profile, &userID)
	if err != nil {
		s.writeEscrowError(w, r, "onboard_runner", tx, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleCheckout, auth.RoleOperator)
	if !ok {
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req holdRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	amount, err := escrow.ParseMinorUnits(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	currency := req.Currency
	if strings.TrimSpace(currency) == "" {
		currency = s.defaultCurrency
	}
	currency, err = escrow.NormalizeCurrency(currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	tx, err := s.escrowService.HoldFunds(r.Context(), chi.URLParam(r, "id"), escrow.HoldRequest{
		PaymentMethod: req.PaymentMethod,
		Amount:        amount,
		Currency:      currency,
	}, &userID)
	if err != nil {
		s.writeEscrowError(w, r, "hold_funds", tx, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleDeliveryConfirmation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleDeliveryTracker, auth.RoleOperator)
	if !ok {
		return
	}
	var req deliveryConfirmationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
			return
		}
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.EventID)
	}

	tx, err := s.escrowService.HandleDeliveryConfirmedWebhook(r.Context(), escrow.DeliveryConfirmation{
		TransactionID:  chi.URLParam(r, "id"),
		IdempotencyKey: key,
		Source:         req.Source,
		ActorID:        &userID,
		Payload:        req.Payload,
	})
	if err != nil {
		s.writeEscrowError(w, r, "confirm_delivery", tx, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleOperator)
	if !ok {
		return
	}
	tx, err := s.escrowService.ReleaseFunds(r.Context(), chi.URLParam(r, "id"), &userID)
	if err != nil {
		s.writeEscrowError(w, r, "release_funds", tx, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleOperator); !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	list, err := s.escrowService.ListRequiringReconciliation(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "list_reconciliation", err)
		return
	}
	items := make([]transactionResponse, 0, len(list))
	for _, tx := range list {
		items = append(items, toTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleReconciliationCases(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleOperator); !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	cases, err := s.caseService.List(r.Context(), reconcile.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidStatus) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "status must be open or resolved")
			return
		}
		s.internalError(w, r, "list_reconciliation_cases", err)
		return
	}
	items := make([]reconciliationCaseResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, toCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r, auth.RoleOperator)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	c, err := s.caseService.Resolve(r.Context(), reconcile.Resolution{
		TransactionID: chi.URLParam(r, "id"),
		Outcome:       reconcile.Outcome(req.Outcome),
		Note:          req.Note,
		ResolvedBy:    userID,
	})
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrInvalidOutcome):
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "outcome must be refunded, paid_out or written_off")
		case errors.Is(err, reconcile.ErrNoteTooLong):
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "note is too long")
		case errors.Is(err, reconcile.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "escrow not found")
		case errors.Is(err, reconcile.ErrNotEligible):
			writeError(w, http.StatusConflict, "INVALID_STATE", "escrow does not require reconciliation")
		case errors.Is(err, reconcile.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, "ALREADY_RESOLVED", "reconciliation already resolved")
		default:
			s.internalError(w, r, "resolve_reconciliation", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	accounts, err := s.runnerService.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "list_runners", err)
		return
	}
	items := make([]runnerResponse, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, toRunnerResponse(acct))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleRunner(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	acct, err := s.runnerService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "runner not found")
			return
		}
		s.internalError(w, r, "get_runner", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunnerResponse(acct))
}

func (s *Server) toRunnerProfile(r *http.Request, req onboardingRequest) (escrow.RunnerProfile, error) {
	var dob escrow.Date
	if req.DateOfBirth != "" {
		parsed, err := time.Parse(time.DateOnly, req.DateOfBirth)
		if err != nil {
			return escrow.RunnerProfile{}, errors.New("dateOfBirth must be YYYY-MM-DD")
		}
		dob = escrow.Date{Year: parsed.Year(), Month: int(parsed.Month()), Day: parsed.Day()}
	}

	terms := escrow.TermsAcceptance{AcceptedAt: s.nowFn().UTC(), IP: req.TermsAcceptanceIP}
	if req.TermsAcceptedAt != nil {
		terms.AcceptedAt = req.TermsAcceptedAt.UTC()
	}
	if terms.IP == "" {
		terms.IP = clientIP(r)
	}

	return escrow.RunnerProfile{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		FullNameAliases: req.FullNameAliases,
		Email:           req.Email,
		Phone:           req.Phone,
		Country:         req.Country,
		Nationality:     req.Nationality,
		DateOfBirth:     dob,
		GovernmentID:    req.GovernmentID,
		Address: escrow.Address{
			Line1:      req.Address.Line1,
			Line2:      req.Address.Line2,
			City:       req.Address.City,
			State:      req.Address.State,
			PostalCode: req.Address.PostalCode,
			Country:    req.Address.Country,
		},
		BusinessType:         req.BusinessType,
		MerchantCategoryCode: req.MerchantCategoryCode,
		BusinessURL:          req.BusinessURL,
		ProductDescription:   req.ProductDescription,
		ExternalAccountToken: req.ExternalAccountToken,
		Terms:                terms,
	}, nil
}

// writeEscrowError maps the escrow error taxonomy onto HTTP. When the
// operation moved the transaction (e.g. to failed), its state is included.
func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, operation string, tx escrow.Transaction, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "escrow operation failed",
			"module", "api",
			"operation", operation,
			"outcome", "failure",
			"request_id", requestIDFromContext(r.Context()),
			"transaction_id", tx.ID,
			"error_kind", string(escrow.KindOf(err)),
			"error", err,
		)
	}

	resp := errorResponse{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError && code == "INTERNAL_ERROR" {
		resp.Message = "internal server error"
	}
	if tx.ID != "" && tx.State == escrow.StateFailed {
		body := toTransactionResponse(tx)
		resp.Transaction = &body
	}
	writeJSON(w, status, resp)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, escrow.ErrDeclined):
		return http.StatusUnprocessableEntity, "DECLINED"
	case errors.Is(err, escrow.ErrGatewayValidation):
		return http.StatusUnprocessableEntity, "GATEWAY_REJECTED"
	case errors.Is(err, escrow.ErrTransient):
		return http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE"
	case errors.Is(err, escrow.ErrAmbiguous):
		return http.StatusBadGateway, "GATEWAY_AMBIGUOUS"
	case errors.Is(err, escrow.ErrInvariantViolation):
		return http.StatusInternalServerError, "INVARIANT_VIOLATION"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	s.logger.ErrorContext(r.Context(), "request failed",
		"module", "api",
		"operation", operation,
		"outcome", "failure",
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func toTransactionResponse(tx escrow.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                     tx.ID,
		RunnerID:               tx.RunnerID,
		State:                  string(tx.State),
		Currency:               tx.Currency,
		BuyerChargeAmount:      tx.BuyerChargeAmount,
		RunnerPayoutAmount:     tx.RunnerPayoutAmount,
		PlatformFeeAmount:      tx.PlatformFeeAmount,
		RunnerAccountID:        tx.RunnerAccountID,
		ChargeReference:        tx.ChargeReference,
		TransferReference:      tx.TransferReference,
		RequiresReconciliation: tx.RequiresReconciliation(),
		Version:                tx.Version,
		CreatedAt:              tx.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if f := tx.Failure; f != nil {
		resp.Failure = &failureResponse{
			Stage:         string(f.Stage),
			Kind:          string(f.Kind),
			Reason:        f.Reason,
			FundsCaptured: f.FundsCaptured,
			OccurredAt:    f.OccurredAt.UTC().Format(time.RFC3339),
		}
	}
	return resp
}

func toRunnerResponse(acct runner.Account) runnerResponse {
	return runnerResponse{
		ID:             acct.ID,
		PayeeAccountID: acct.PayeeAccountID,
		Email:          acct.Email,
		Country:        acct.Country,
		CreatedAt:      acct.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      acct.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toCaseResponse(c reconcile.Case) reconciliationCaseResponse {
	return reconciliationCaseResponse{
		TransactionID:   c.TransactionID,
		RunnerID:        c.RunnerID,
		Amount:          c.Amount,
		Currency:        c.Currency,
		ChargeReference: c.ChargeReference,
		FailureStage:    c.FailureStage,
		FailureReason:   c.FailureReason,
		FailedAt:        formatTimePtr(c.FailedAt),
		Status:          string(c.Status()),
		Outcome:         string(c.Outcome),
		Note:            c.Note,
		ResolvedBy:      c.ResolvedBy,
		ResolvedAt:      formatTimePtr(c.ResolvedAt),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
