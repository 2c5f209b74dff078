package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/migrations"
	"escrowflow/outbox"
	"escrowflow/reconcile"
	"escrowflow/runner"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api stopped", "module", "api", "outcome", "failure", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.MaxDBConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "module", "api", "operation", "migrate", "outcome", "success", "files", applied)
	}

	fees, err := cfg.FeePolicy()
	if err != nil {
		return err
	}
	provider, err := cfg.NewGateway()
	if err != nil {
		return err
	}
	orch := escrow.NewOrchestrator(gateway.WithRetry(provider, cfg.Retry, logger), fees, escrow.WithLogger(logger))

	escrowService := escrow.NewService(pool, escrow.NewRepository(), orch, logger)
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.TokenTTL)
	runnerService := runner.NewService(runner.NewRepository(pool))
	caseService := reconcile.NewService(reconcile.NewRepository(pool), logger)

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	worker := outbox.NewWorker(logger, outbox.NewRepository(pool), publisher, outbox.WorkerConfig{
		Interval:    cfg.OutboxPollInterval,
		BatchSize:   cfg.OutboxBatchSize,
		ClaimTTL:    cfg.OutboxClaimTTL,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})

	server := NewServer(logger, escrowService, authService, runnerService, caseService, cfg.Currency)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "module", "api", "operation", "listen", "outcome", "success",
			"addr", cfg.HTTPAddr, "gateway", cfg.GatewayProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func newPublisher(cfg config.Config, logger *slog.Logger) (outbox.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return outbox.NewLogPublisher(logger), func() {}, nil
	}
	kp, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
	if err != nil {
		return nil, nil, err
	}
	return kp, func() {
		if err := kp.Close(); err != nil {
			logger.Warn("close kafka publisher", "module", "api", "outcome", "failure", "error", err)
		}
	}, nil
}
