package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service. Writes run inside
// the caller's transaction; reads accept any Querier.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	Insert(ctx context.Context, tx pgx.Tx, t *Transaction) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Transaction, error)
	Update(ctx context.Context, tx pgx.Tx, t *Transaction, expectedVersion int) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error
	UpsertRunnerAccount(ctx context.Context, tx pgx.Tx, runnerID, accountID string, profile RunnerProfile) error

	Get(ctx context.Context, q Querier, id string) (*Transaction, error)
	ListTimeline(ctx context.Context, q Querier, id string) ([]TimelineEvent, error)
	ListRequiringReconciliation(ctx context.Context, q Querier, limit int) ([]Transaction, error)
}

// Service persists every orchestrator transition together with its timeline
// event and outbox message in one database transaction. The row lock taken by
// GetForUpdate is held across the gateway call so only one process can drive
// a given escrow at a time.
type Service struct {
	pool   TxBeginner
	repo   Store
	orch   *Orchestrator
	logger *slog.Logger
}

func NewService(pool TxBeginner, repo Store, orch *Orchestrator, logger *slog.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		orch:   orch,
		logger: logger,
	}
}

// Start creates a pending escrow for the runner.
func (s *Service) Start(ctx context.Context, runnerID string, actorID *string) (Transaction, error) {
	t, err := s.orch.NewTransaction(runnerID)
	if err != nil {
		return Transaction{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	payload := eventPayload(t, "", StageCreate)
	if err := s.record(ctx, tx, t, TimelineEscrowCreated, actorID, payload); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit start: %w", err)
	}

	s.logger.InfoContext(ctx, "escrow created",
		"module", "escrow.service",
		"operation", "start",
		"outcome", "success",
		"transaction_id", t.ID,
		"runner_id", t.RunnerID,
	)
	return t.Snapshot(), nil
}

// OnboardRunner creates the runner's payee account and records it against the
// runner so later escrows can be audited per runner.
func (s *Service) OnboardRunner(ctx context.Context, id string, profile RunnerProfile, actorID *string) (Transaction, error) {
	return s.transition(ctx, id, actorID, StageOnboarding, nil,
		func(ctx context.Context, t *Transaction) error {
			return s.orch.OnboardRunner(ctx, t, profile)
		},
		func(ctx context.Context, tx pgx.Tx, t *Transaction) error {
			return s.repo.UpsertRunnerAccount(ctx, tx, t.RunnerID, t.RunnerAccountID, profile)
		},
	)
}

// HoldFunds captures the buyer payment.
func (s *Service) HoldFunds(ctx context.Context, id string, req HoldRequest, actorID *string) (Transaction, error) {
	return s.transition(ctx, id, actorID, StageHold, nil,
		func(ctx context.Context, t *Transaction) error {
			return s.orch.HoldFunds(ctx, t, req)
		}, nil)
}

// HandleDeliveryConfirmedWebhook applies a delivery confirmation. A replayed
// idempotency key is a no-op that returns the current transaction.
func (s *Service) HandleDeliveryConfirmedWebhook(ctx context.Context, req DeliveryConfirmation) (Transaction, error) {
	if err := checkID(req.TransactionID); err != nil {
		return Transaction{}, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return Transaction{}, invalid("idempotency_key", "required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, confirmationKey(req)); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			s.logger.InfoContext(ctx, "duplicate delivery confirmation ignored",
				"module", "escrow.service",
				"operation", "confirm_delivery",
				"outcome", "duplicate",
				"transaction_id", req.TransactionID,
				"idempotency_key", req.IdempotencyKey,
			)
			_ = tx.Rollback(ctx)
			return s.Get(ctx, req.TransactionID)
		}
		return Transaction{}, err
	}

	extra := map[string]any{"idempotency_key": req.IdempotencyKey}
	if req.Source != "" {
		extra["source"] = req.Source
	}
	if len(req.Payload) > 0 {
		extra["webhook"] = req.Payload
	}

	return s.applyLocked(ctx, tx, req.TransactionID, req.ActorID, StageConfirmation, extra,
		func(ctx context.Context, t *Transaction) error {
			return s.orch.ConfirmDelivery(ctx, t)
		}, nil)
}

// ReleaseFunds transfers the runner payout.
func (s *Service) ReleaseFunds(ctx context.Context, id string, actorID *string) (Transaction, error) {
	return s.transition(ctx, id, actorID, StageRelease, nil,
		func(ctx context.Context, t *Transaction) error {
			return s.orch.ReleaseFunds(ctx, t)
		}, nil)
}

// Get returns the current persisted transaction.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	if err := checkID(id); err != nil {
		return Transaction{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	return *t, nil
}

// Timeline returns the audit trail of a transaction in insertion order.
func (s *Service) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Get(ctx, tx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTimeline(ctx, tx, id)
}

// ListRequiringReconciliation returns failed escrows whose buyer funds may
// still sit in the platform balance.
func (s *Service) ListRequiringReconciliation(ctx context.Context, limit int) ([]Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.ListRequiringReconciliation(ctx, tx, limit)
}

// checkID rejects ids that cannot name a stored escrow before any query runs.
func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("transaction_id", "required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return nil
}

// confirmationKey scopes a webhook idempotency key to its escrow, so the same
// event id sent for two escrows confirms both.
func confirmationKey(req DeliveryConfirmation) string {
	return req.TransactionID + ":" + req.IdempotencyKey
}

type applyFunc func(ctx context.Context, t *Transaction) error

type afterFunc func(ctx context.Context, tx pgx.Tx, t *Transaction) error

func (s *Service) transition(ctx context.Context, id string, actorID *string, stage Stage, extra map[string]any, apply applyFunc, onSuccess afterFunc) (Transaction, error) {
	if err := checkID(id); err != nil {
		return Transaction{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.applyLocked(ctx, tx, id, actorID, stage, extra, apply, onSuccess)
}

// applyLocked runs apply against the locked row and persists whatever state
// it leaves behind, including StateFailed. When apply changes nothing the
// transaction is rolled back and apply's error returned unchanged.
func (s *Service) applyLocked(ctx context.Context, tx pgx.Tx, id string, actorID *string, stage Stage, extra map[string]any, apply applyFunc, onSuccess afterFunc) (Transaction, error) {
	t, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	prevState := t.State
	prevVersion := t.Version

	opErr := apply(ctx, t)
	if t.Version == prevVersion {
		return t.Snapshot(), opErr
	}

	if err := s.repo.Update(ctx, tx, t, prevVersion); err != nil {
		return t.Snapshot(), s.persistFailed(ctx, t, stage, err)
	}
	if opErr == nil && onSuccess != nil {
		if err := onSuccess(ctx, tx, t); err != nil {
			return t.Snapshot(), s.persistFailed(ctx, t, stage, err)
		}
	}

	payload := eventPayload(t, prevState, stage)
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.record(ctx, tx, t, TimelineEscrowStateChanged, actorID, payload); err != nil {
		return t.Snapshot(), s.persistFailed(ctx, t, stage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return t.Snapshot(), s.persistFailed(ctx, t, stage, fmt.Errorf("escrow: commit transition: %w", err))
	}
	return t.Snapshot(), opErr
}

// record appends the timeline event and the outbox messages for t's new state.
func (s *Service) record(ctx context.Context, tx pgx.Tx, t *Transaction, eventType string, actorID *string, payload map[string]any) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := s.repo.AppendTimeline(ctx, tx, TimelineEvent{
		TransactionID: t.ID,
		Type:          eventType,
		ActorID:       actorID,
		Payload:       body,
	}); err != nil {
		return err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxMessage{
		Topic:        topicForState(t.State),
		PartitionKey: t.ID,
		Payload:      body,
	}); err != nil {
		return err
	}
	if t.RequiresReconciliation() {
		if err := s.repo.EnqueueOutbox(ctx, tx, OutboxMessage{
			Topic:        TopicReconciliationRequired,
			PartitionKey: t.ID,
			Payload:      body,
		}); err != nil {
			return err
		}
	}
	return nil
}

// persistFailed reports a write failure after the orchestrator already acted.
// If a gateway side effect happened it is now unrecorded, so it is logged at
// error level with every reference needed to reconcile by hand.
func (s *Service) persistFailed(ctx context.Context, t *Transaction, stage Stage, err error) error {
	s.logger.ErrorContext(ctx, "escrow transition not persisted",
		"module", "escrow.service",
		"operation", string(stage),
		"outcome", "failure",
		"transaction_id", t.ID,
		"state", string(t.State),
		"runner_account_id", t.RunnerAccountID,
		"charge_reference", t.ChargeReference,
		"transfer_reference", t.TransferReference,
		"error", err,
	)
	return fmt.Errorf("escrow: persist %s: %w", stage, err)
}

func eventPayload(t *Transaction, prev State, stage Stage) map[string]any {
	payload := map[string]any{
		"transaction_id": t.ID,
		"runner_id":      t.RunnerID,
		"state":          string(t.State),
		"stage":          string(stage),
		"version":        t.Version,
	}
	if prev != "" {
		payload["previous_state"] = string(prev)
	}
	if t.RunnerAccountID != "" {
		payload["runner_account_id"] = t.RunnerAccountID
	}
	if t.ChargeReference != "" {
		payload["charge_reference"] = t.ChargeReference
		payload["buyer_charge_amount"] = t.BuyerChargeAmount
		payload["currency"] = t.Currency
	}
	if t.RunnerPayoutAmount != nil && t.PlatformFeeAmount != nil {
		payload["runner_payout_amount"] = *t.RunnerPayoutAmount
		payload["platform_fee_amount"] = *t.PlatformFeeAmount
	}
	if t.TransferReference != "" {
		payload["transfer_reference"] = t.TransferReference
	}
	if t.Failure != nil {
		payload["failure"] = map[string]any{
			"stage":          string(t.Failure.Stage),
			"kind":           string(t.Failure.Kind),
			"reason":         t.Failure.Reason,
			"funds_captured": t.Failure.FundsCaptured,
		}
		payload["requires_reconciliation"] = t.RequiresReconciliation()
	}
	return payload
}
