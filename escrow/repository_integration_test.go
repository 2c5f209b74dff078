package escrow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/gateway/sandbox"
	"escrowflow/migrations"
	"escrowflow/reconcile"
)

// TestEscrowFlow_Integration drives a full escrow through the service against
// a real PostgreSQL via DATABASE_URL and checks the persisted audit trail.
func TestEscrowFlow_Integration(t *testing.T) {
	pool, ctx := integrationPool(t)

	gw := sandbox.New()
	svc := newIntegrationService(pool, gw)
	runnerID := "runner-" + uuid.NewString()

	tx, err := svc.Start(ctx, runnerID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { cleanup(t, pool, tx.ID, runnerID) })

	if _, err := svc.OnboardRunner(ctx, tx.ID, integrationProfile(), nil); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if _, err := svc.HoldFunds(ctx, tx.ID, escrow.HoldRequest{PaymentMethod: sandbox.PaymentMethodVisa, Amount: 1000, Currency: "sgd"}, nil); err != nil {
		t.Fatalf("hold: %v", err)
	}

	confirm := escrow.DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: "delivery-" + uuid.NewString(), Source: "integration"}
	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, confirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	replayed, err := svc.HandleDeliveryConfirmedWebhook(ctx, confirm)
	if err != nil {
		t.Fatalf("replayed confirmation: %v", err)
	}
	if replayed.State != escrow.StateDeliveryConfirmed {
		t.Fatalf("replay changed state to %s", replayed.State)
	}

	released, err := svc.ReleaseFunds(ctx, tx.ID, nil)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != escrow.StateFundsReleased || got.Version != 4 || got.TransferReference != released.TransferReference {
		t.Fatalf("unexpected persisted transaction: %+v", got)
	}
	if *got.RunnerPayoutAmount+*got.PlatformFeeAmount != got.BuyerChargeAmount {
		t.Fatalf("split does not sum: %+v", got)
	}
	if bal, _ := gw.AccountBalance(got.RunnerAccountID, "sgd"); bal != 900 {
		t.Fatalf("expected runner balance 900, got %d", bal)
	}

	events, err := svc.Timeline(ctx, tx.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 timeline events, got %d", len(events))
	}

	var outboxCount int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE partition_key = $1`, tx.ID).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 5 {
		t.Fatalf("expected 5 outbox rows, got %d", outboxCount)
	}

	var payeeAccount string
	if err := pool.QueryRow(ctx, `SELECT payee_account_id FROM runners WHERE id = $1`, runnerID).Scan(&payeeAccount); err != nil {
		t.Fatalf("load runner: %v", err)
	}
	if payeeAccount != got.RunnerAccountID {
		t.Fatalf("runner account %q does not match transaction %q", payeeAccount, got.RunnerAccountID)
	}

	if _, err := pool.Exec(ctx, `UPDATE escrow_timeline_events SET type = 'X' WHERE transaction_id = $1`, tx.ID); err == nil {
		t.Fatal("expected timeline events to be append-only")
	}
}

func TestFailedRelease_Integration(t *testing.T) {
	pool, ctx := integrationPool(t)

	gw := sandbox.New()
	svc := newIntegrationService(pool, gw)
	runnerID := "runner-" + uuid.NewString()

	tx, err := svc.Start(ctx, runnerID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { cleanup(t, pool, tx.ID, runnerID) })

	if _, err := svc.OnboardRunner(ctx, tx.ID, integrationProfile(), nil); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if _, err := svc.HoldFunds(ctx, tx.ID, escrow.HoldRequest{PaymentMethod: sandbox.PaymentMethodVisa, Amount: 1000, Currency: "sgd"}, nil); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, escrow.DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: uuid.NewString()}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	gw.FailNext(escrow.OpTransferFunds, &escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: escrow.KindAmbiguous, Message: "timeout"})
	if _, err := svc.ReleaseFunds(ctx, tx.ID, nil); !errors.Is(err, escrow.ErrAmbiguous) {
		t.Fatalf("expected ambiguous release, got %v", err)
	}

	list, err := svc.ListRequiringReconciliation(ctx, 100)
	if err != nil {
		t.Fatalf("list reconciliation: %v", err)
	}
	found := false
	for _, item := range list {
		if item.ID == tx.ID {
			found = true
			if item.Failure == nil || item.Failure.Stage != escrow.StageRelease || !item.Failure.FundsCaptured {
				t.Fatalf("unexpected failure record %+v", item.Failure)
			}
		}
	}
	if !found {
		t.Fatal("failed release missing from reconciliation list")
	}

	var topics int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE partition_key = $1 AND topic = $2`,
		tx.ID, escrow.TopicReconciliationRequired).Scan(&topics); err != nil {
		t.Fatalf("count reconciliation messages: %v", err)
	}
	if topics != 1 {
		t.Fatalf("expected one reconciliation message, got %d", topics)
	}

	cases := reconcile.NewService(reconcile.NewRepository(pool), nil)
	resolved, err := cases.Resolve(ctx, reconcile.Resolution{
		TransactionID: tx.ID,
		Outcome:       reconcile.OutcomeRefunded,
		Note:          "charge refunded manually",
		ResolvedBy:    "op-integration",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status() != reconcile.StatusResolved || resolved.ChargeReference == "" || resolved.Amount != 1000 {
		t.Fatalf("unexpected resolved case %+v", resolved)
	}
	if _, err := cases.Resolve(ctx, reconcile.Resolution{TransactionID: tx.ID, Outcome: reconcile.OutcomePaidOut}); !errors.Is(err, reconcile.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	open, err := cases.List(ctx, reconcile.StatusOpen, 100)
	if err != nil {
		t.Fatalf("list open cases: %v", err)
	}
	for _, c := range open {
		if c.TransactionID == tx.ID {
			t.Fatal("resolved case still listed as open")
		}
	}
	pending, err := svc.ListRequiringReconciliation(ctx, 100)
	if err != nil {
		t.Fatalf("list reconciliation after resolve: %v", err)
	}
	for _, item := range pending {
		if item.ID == tx.ID {
			t.Fatal("resolved escrow still listed as requiring reconciliation")
		}
	}
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE partition_key = $1 AND topic = $2`,
		tx.ID, reconcile.TopicResolved).Scan(&topics); err != nil {
		t.Fatalf("count resolution messages: %v", err)
	}
	if topics != 1 {
		t.Fatalf("expected one resolution message, got %d", topics)
	}
}

func integrationPool(t *testing.T) (*pgxpool.Pool, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool, ctx
}

func newIntegrationService(pool *pgxpool.Pool, gw escrow.Gateway) *escrow.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := escrow.NewOrchestrator(gw, escrow.FixedFee{Fee: 100}, escrow.WithLogger(logger))
	return escrow.NewService(pool, escrow.NewRepository(), orch, logger)
}

func integrationProfile() escrow.RunnerProfile {
	return escrow.RunnerProfile{
		FirstName:    "Jun Wei",
		LastName:     "Png",
		Email:        "junwei@example.com",
		Country:      "SG",
		GovernmentID: "S0000000Z",
		DateOfBirth:  escrow.Date{Year: 1990, Month: 1, Day: 1},
		Address:      escrow.Address{Line1: "10 Collyer Quay", City: "Singapore", PostalCode: "049315", Country: "SG"},
		Terms:        escrow.TermsAcceptance{AcceptedAt: time.Now().UTC(), IP: "127.0.0.1"},
	}
}

// cleanup removes seeded rows. Timeline rows are append-only and stay behind.
func cleanup(t *testing.T, pool *pgxpool.Pool, txID, runnerID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = pool.Exec(ctx, `DELETE FROM outbox WHERE partition_key = $1`, txID)
	_, _ = pool.Exec(ctx, `DELETE FROM runners WHERE id = $1`, runnerID)
}
