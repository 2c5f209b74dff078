package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestService_FullFlowPersistsEveryTransition(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(newFakeGateway())
	actor := "operator-1"

	tx, err := svc.Start(ctx, "R1", &actor)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.OnboardRunner(ctx, tx.ID, testProfile(), &actor); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if _, err := svc.HoldFunds(ctx, tx.ID, HoldRequest{PaymentMethod: "pm_card_visa", Amount: 1000, Currency: "sgd"}, nil); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{
		TransactionID: tx.ID, IdempotencyKey: "evt-1", Source: "courier",
		Payload: map[string]any{"proof": "signature.png"},
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, err := svc.ReleaseFunds(ctx, tx.ID, &actor)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if got.State != StateFundsReleased || *got.RunnerPayoutAmount != 900 || *got.PlatformFeeAmount != 100 {
		t.Fatalf("unexpected final transaction: %+v", got)
	}
	stored := store.rows[tx.ID]
	if stored.State != StateFundsReleased || stored.Version != 4 {
		t.Fatalf("stored row not updated: %+v", stored)
	}

	wantTopics := []string{TopicEscrowCreated, TopicRunnerOnboarded, TopicFundsHeld, TopicDeliveryConfirmed, TopicFundsReleased}
	if len(store.outbox) != len(wantTopics) {
		t.Fatalf("expected %d outbox messages, got %d", len(wantTopics), len(store.outbox))
	}
	for i, topic := range wantTopics {
		if store.outbox[i].Topic != topic || store.outbox[i].PartitionKey != tx.ID {
			t.Fatalf("outbox[%d]: expected %s keyed by tx, got %+v", i, topic, store.outbox[i])
		}
	}

	if len(store.timeline) != 5 || store.timeline[0].Type != TimelineEscrowCreated {
		t.Fatalf("unexpected timeline %+v", store.timeline)
	}
	var confirmed map[string]any
	if err := json.Unmarshal(store.timeline[3].Payload, &confirmed); err != nil {
		t.Fatalf("decode timeline payload: %v", err)
	}
	if confirmed["idempotency_key"] != "evt-1" || confirmed["previous_state"] != string(StateFundsHeld) {
		t.Fatalf("unexpected confirmation payload %v", confirmed)
	}
	if store.runners["R1"] != "acct_1" {
		t.Fatalf("runner account not recorded: %v", store.runners)
	}
}

func TestService_DuplicateWebhookIsNoOp(t *testing.T) {
	ctx := context.Background()
	svc, store, pool := newTestService(newFakeGateway())
	tx := heldViaService(t, svc)

	req := DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: "evt-dup"}
	first, err := svc.HandleDeliveryConfirmedWebhook(ctx, req)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outboxBefore := len(store.outbox)

	second, err := svc.HandleDeliveryConfirmedWebhook(ctx, req)
	if err != nil {
		t.Fatalf("expected nil error on replay, got %v", err)
	}
	if second.State != StateDeliveryConfirmed || second.Version != first.Version {
		t.Fatalf("replay changed transaction: %+v", second)
	}
	if len(store.outbox) != outboxBefore {
		t.Fatalf("replay enqueued outbox messages")
	}
	if pool.commits != 4 {
		t.Fatalf("expected replay to skip commit, got %d commits", pool.commits)
	}
}

func TestService_DistinctConfirmationAfterConfirmIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(newFakeGateway())
	tx := heldViaService(t, svc)

	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: "evt-a"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: "evt-b"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if _, ok := store.keys[tx.ID+":evt-b"]; ok {
		t.Fatalf("rejected event must not consume its idempotency key")
	}
}

func TestService_PreconditionFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	svc, store, pool := newTestService(gw)

	tx, err := svc.Start(ctx, "R1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	commits := pool.commits

	got, err := svc.ReleaseFunds(ctx, tx.ID, nil)
	var pre *PreconditionError
	if !errors.As(err, &pre) || pre.Current != StatePending {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if got.State != StatePending || pool.commits != commits || len(store.outbox) != 1 {
		t.Fatalf("precondition failure wrote state")
	}
	if !pool.last.rolled {
		t.Fatal("expected rollback")
	}
	if gw.calls() != 0 {
		t.Fatal("gateway called on precondition failure")
	}
}

func TestService_ReleaseFailurePersistsReconciliation(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	svc, store, _ := newTestService(gw)
	tx := heldViaService(t, svc)
	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: tx.ID, IdempotencyKey: "evt-1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	gw.transferErr = &GatewayError{Op: OpTransferFunds, Kind: KindValidation, Code: "balance_insufficient"}
	got, err := svc.ReleaseFunds(ctx, tx.ID, nil)
	if !errors.Is(err, ErrGatewayValidation) {
		t.Fatalf("expected gateway validation error, got %v", err)
	}
	if got.State != StateFailed || !got.RequiresReconciliation() {
		t.Fatalf("expected failed transaction requiring reconciliation, got %+v", got)
	}

	stored := store.rows[tx.ID]
	if stored.State != StateFailed || stored.Failure == nil || stored.Failure.Stage != StageRelease {
		t.Fatalf("failure not persisted: %+v", stored)
	}
	n := len(store.outbox)
	if store.outbox[n-2].Topic != TopicEscrowFailed || store.outbox[n-1].Topic != TopicReconciliationRequired {
		t.Fatalf("expected failed and reconciliation messages, got %s, %s", store.outbox[n-2].Topic, store.outbox[n-1].Topic)
	}

	list, err := svc.ListRequiringReconciliation(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != tx.ID {
		t.Fatalf("expected transaction in reconciliation list, got %+v", list)
	}
}

func TestService_DeclinedHoldPersistsFailureWithoutReconciliation(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.captureErr = &GatewayError{Op: OpCapturePayment, Kind: KindDeclined, Code: "card_declined"}
	svc, store, _ := newTestService(gw)

	tx, _ := svc.Start(ctx, "R1", nil)
	if _, err := svc.OnboardRunner(ctx, tx.ID, testProfile(), nil); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if _, err := svc.HoldFunds(ctx, tx.ID, HoldRequest{PaymentMethod: "pm_card_chargeDeclined", Amount: 1000, Currency: "sgd"}, nil); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	if store.rows[tx.ID].State != StateFailed {
		t.Fatal("failure not persisted")
	}
	if store.outbox[len(store.outbox)-1].Topic != TopicEscrowFailed {
		t.Fatalf("unexpected last topic %s", store.outbox[len(store.outbox)-1].Topic)
	}
	list, _ := svc.ListRequiringReconciliation(ctx, 10)
	if len(list) != 0 {
		t.Fatalf("declined hold must not require reconciliation")
	}
}

func TestService_ValidationErrorsLeaveRowUntouched(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	svc, store, _ := newTestService(gw)
	tx, _ := svc.Start(ctx, "R1", nil)
	_, _ = svc.OnboardRunner(ctx, tx.ID, testProfile(), nil)
	before := store.rows[tx.ID].Version

	_, err := svc.HoldFunds(ctx, tx.ID, HoldRequest{PaymentMethod: "pm_card_visa", Amount: -1, Currency: "sgd"}, nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.rows[tx.ID].Version != before || gw.captureCalls != 0 {
		t.Fatal("validation failure changed state or reached gateway")
	}

	if _, err := svc.HoldFunds(ctx, "", HoldRequest{}, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}
	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: tx.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing idempotency key, got %v", err)
	}
}

func TestService_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(newFakeGateway())
	const missing = "5b0c7a8e-2f4d-4e61-9c3a-0d1e2f3a4b5c"

	if _, err := svc.Get(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ReleaseFunds(ctx, missing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Timeline(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_MalformedIDNeverReachesDatabase(t *testing.T) {
	ctx := context.Background()
	svc, _, pool := newTestService(newFakeGateway())

	for _, id := range []string{"abc", "tx-1", "5b0c7a8e-2f4d"} {
		if _, err := svc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get %q: expected ErrNotFound, got %v", id, err)
		}
		if _, err := svc.Timeline(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("timeline %q: expected ErrNotFound, got %v", id, err)
		}
		if _, err := svc.HoldFunds(ctx, id, HoldRequest{PaymentMethod: "pm_card_visa", Amount: 1000, Currency: "sgd"}, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("hold %q: expected ErrNotFound, got %v", id, err)
		}
		if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: id, IdempotencyKey: "evt-1"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("confirm %q: expected ErrNotFound, got %v", id, err)
		}
	}
	if pool.last != nil {
		t.Fatal("malformed id opened a database transaction")
	}
}

func TestService_SameEventKeyConfirmsEachEscrow(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(newFakeGateway())
	a := heldViaService(t, svc)
	b := heldViaService(t, svc)

	if _, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: a.ID, IdempotencyKey: "evt-1"}); err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	got, err := svc.HandleDeliveryConfirmedWebhook(ctx, DeliveryConfirmation{TransactionID: b.ID, IdempotencyKey: "evt-1"})
	if err != nil {
		t.Fatalf("confirm b: %v", err)
	}
	if got.ID != b.ID || got.State != StateDeliveryConfirmed {
		t.Fatalf("event key used by another escrow skipped this one: %+v", got)
	}
}

func TestService_CommitFailureIsReported(t *testing.T) {
	ctx := context.Background()
	svc, store, pool := newTestService(newFakeGateway())
	tx, _ := svc.Start(ctx, "R1", nil)

	pool.commitErr = errors.New("connection lost")
	_, err := svc.OnboardRunner(ctx, tx.ID, testProfile(), nil)
	if err == nil {
		t.Fatal("expected commit error")
	}
	if store.rows[tx.ID].State != StatePending {
		t.Fatalf("uncommitted transition leaked into store: %s", store.rows[tx.ID].State)
	}
}

func heldViaService(t *testing.T, svc *Service) Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := svc.Start(ctx, "R1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.OnboardRunner(ctx, tx.ID, testProfile(), nil); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	held, err := svc.HoldFunds(ctx, tx.ID, HoldRequest{PaymentMethod: "pm_card_visa", Amount: 1000, Currency: "sgd"}, nil)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	return held
}

func newTestService(gw Gateway) (*Service, *fakeStore, *fakePool) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := newTestOrchestrator(gw, FixedFee{Fee: 100})
	store := newFakeStore()
	pool := &fakePool{}
	return NewService(pool, store, orch, logger), store, pool
}

// fakeStore stages writes on the fakeTx; they land only on Commit.
type fakeStore struct {
	rows     map[string]Transaction
	keys     map[string]struct{}
	timeline []TimelineEvent
	outbox   []OutboxMessage
	runners  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]Transaction),
		keys:    make(map[string]struct{}),
		runners: make(map[string]string),
	}
}

func (f *fakeStore) InsertIdempotencyKey(_ context.Context, tx pgx.Tx, key string) error {
	if _, ok := f.keys[key]; ok {
		return ErrDuplicateIdempotencyKey
	}
	tx.(*fakeTx).stage(func() { f.keys[key] = struct{}{} })
	return nil
}

func (f *fakeStore) Insert(_ context.Context, tx pgx.Tx, t *Transaction) error {
	row := t.Snapshot()
	tx.(*fakeTx).stage(func() { f.rows[row.ID] = row })
	return nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (*Transaction, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := row.Snapshot()
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, tx pgx.Tx, t *Transaction, expectedVersion int) error {
	if f.rows[t.ID].Version != expectedVersion {
		return ErrVersionConflict
	}
	row := t.Snapshot()
	tx.(*fakeTx).stage(func() { f.rows[row.ID] = row })
	return nil
}

func (f *fakeStore) AppendTimeline(_ context.Context, tx pgx.Tx, ev TimelineEvent) error {
	tx.(*fakeTx).stage(func() { f.timeline = append(f.timeline, ev) })
	return nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, tx pgx.Tx, msg OutboxMessage) error {
	tx.(*fakeTx).stage(func() { f.outbox = append(f.outbox, msg) })
	return nil
}

func (f *fakeStore) UpsertRunnerAccount(_ context.Context, tx pgx.Tx, runnerID, accountID string, _ RunnerProfile) error {
	tx.(*fakeTx).stage(func() { f.runners[runnerID] = accountID })
	return nil
}

func (f *fakeStore) Get(_ context.Context, _ Querier, id string) (*Transaction, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := row.Snapshot()
	return &cp, nil
}

func (f *fakeStore) ListTimeline(_ context.Context, _ Querier, id string) ([]TimelineEvent, error) {
	var out []TimelineEvent
	for _, ev := range f.timeline {
		if ev.TransactionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRequiringReconciliation(_ context.Context, _ Querier, _ int) ([]Transaction, error) {
	var out []Transaction
	for _, row := range f.rows {
		if row.RequiresReconciliation() {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakePool struct {
	last      *fakeTx
	commits   int
	commitErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.last = &fakeTx{pool: f}
	return f.last, nil
}

type fakeTx struct {
	pool      *fakePool
	pending   []func()
	rolled    bool
	committed bool
}

func (f *fakeTx) stage(op func()) { f.pending = append(f.pending, op) }

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.pool.commitErr != nil {
		return f.pool.commitErr
	}
	for _, op := range f.pending {
		op()
	}
	f.pending = nil
	f.committed = true
	f.pool.commits++
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.pending = nil
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
