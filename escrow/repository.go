package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrVersionConflict means the row changed underneath a locked update.
var ErrVersionConflict = errors.New("escrow: version conflict")

// Querier is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}

	return nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	const insertSQL = `
INSERT INTO escrow_transactions (id, runner_id, state, version, created_at, updated_at)
VALUES ($1, $2, $3::escrow_state, $4, $5, $6);
`
	if _, err := tx.Exec(ctx, insertSQL, t.ID, t.RunnerID, string(t.State), t.Version, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT id::text, runner_id, currency, buyer_charge_amount, runner_payout_amount, platform_fee_amount,
       runner_account_id, charge_reference, transfer_reference, state::text,
       failure_stage, failure_kind, failure_reason, funds_captured, failed_at,
       version, created_at, updated_at
FROM escrow_transactions`

// GetForUpdate loads the transaction and locks its row until tx ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Transaction, error) {
	return scanTransaction(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) Get(ctx context.Context, q Querier, id string) (*Transaction, error) {
	return scanTransaction(q.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
}

// Update writes t, guarding on the version read under the row lock.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, t *Transaction, expectedVersion int) error {
	const updateSQL = `
UPDATE escrow_transactions
SET currency = $2,
    buyer_charge_amount = $3,
    runner_payout_amount = $4,
    platform_fee_amount = $5,
    runner_account_id = $6,
    charge_reference = $7,
    transfer_reference = $8,
    state = $9::escrow_state,
    failure_stage = $10,
    failure_kind = $11,
    failure_reason = $12,
    funds_captured = $13,
    failed_at = $14,
    version = $15,
    updated_at = $16
WHERE id = $1 AND version = $17;
`
	var (
		failStage, failKind, failReason *string
		fundsCaptured                   bool
		failedAt                        *time.Time
	)
	if f := t.Failure; f != nil {
		stage, kind, reason := string(f.Stage), string(f.Kind), f.Reason
		failStage, failKind, failReason = &stage, &kind, &reason
		fundsCaptured = f.FundsCaptured
		at := f.OccurredAt
		failedAt = &at
	}

	tag, err := tx.Exec(ctx, updateSQL,
		t.ID,
		nullString(t.Currency),
		t.BuyerChargeAmount,
		t.RunnerPayoutAmount,
		t.PlatformFeeAmount,
		nullString(t.RunnerAccountID),
		nullString(t.ChargeReference),
		nullString(t.TransferReference),
		string(t.State),
		failStage,
		failKind,
		failReason,
		fundsCaptured,
		failedAt,
		t.Version,
		t.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("escrow: update transaction: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	var actorID any
	if ev.ActorID != nil {
		actorID = *ev.ActorID
	}

	const insertSQL = `
INSERT INTO escrow_timeline_events (transaction_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4);
`
	if _, err := tx.Exec(ctx, insertSQL, ev.TransactionID, ev.Type, ev.Payload, actorID); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error {
	const insertSQL = `
INSERT INTO outbox (topic, partition_key, payload)
VALUES ($1, $2, $3::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, msg.Topic, nullString(msg.PartitionKey), msg.Payload); err != nil {
		return fmt.Errorf("escrow: insert outbox message: %w", err)
	}
	return nil
}

// UpsertRunnerAccount records the payee account created for a runner.
func (r *Repository) UpsertRunnerAccount(ctx context.Context, tx pgx.Tx, runnerID, accountID string, profile RunnerProfile) error {
	const upsertSQL = `
INSERT INTO runners (id, payee_account_id, email, country)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET payee_account_id = EXCLUDED.payee_account_id,
    email = EXCLUDED.email,
    country = EXCLUDED.country,
    updated_at = now();
`
	if _, err := tx.Exec(ctx, upsertSQL, runnerID, accountID, profile.Email, profile.Country); err != nil {
		return fmt.Errorf("escrow: upsert runner account: %w", err)
	}
	return nil
}

func (r *Repository) ListTimeline(ctx context.Context, q Querier, id string) ([]TimelineEvent, error) {
	const query = `
SELECT id, transaction_id::text, type, actor_id, payload, created_at
FROM escrow_timeline_events
WHERE transaction_id = $1
ORDER BY id ASC
`
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: list timeline: %w", err)
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate timeline: %w", err)
	}
	return events, nil
}

// ListRequiringReconciliation fetches up to limit failed transactions that
// may hold captured buyer funds and have no recorded resolution, oldest
// failure first.
func (r *Repository) ListRequiringReconciliation(ctx context.Context, q Querier, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := q.Query(ctx, selectColumns+`
WHERE requires_reconciliation
  AND NOT EXISTS (
    SELECT 1 FROM reconciliation_resolutions r
    WHERE r.transaction_id = escrow_transactions.id)
ORDER BY failed_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list reconciliation: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate reconciliation: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t             Transaction
		state         string
		currency      *string
		accountID     *string
		chargeRef     *string
		transferRef   *string
		failStage     *string
		failKind      *string
		failReason    *string
		fundsCaptured bool
		failedAt      *time.Time
	)
	err := row.Scan(
		&t.ID, &t.RunnerID, &currency, &t.BuyerChargeAmount, &t.RunnerPayoutAmount, &t.PlatformFeeAmount,
		&accountID, &chargeRef, &transferRef, &state,
		&failStage, &failKind, &failReason, &fundsCaptured, &failedAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("escrow: scan transaction: %w", err)
	}

	t.State = State(state)
	t.Currency = deref(currency)
	t.RunnerAccountID = deref(accountID)
	t.ChargeReference = deref(chargeRef)
	t.TransferReference = deref(transferRef)
	if failStage != nil {
		t.Failure = &Failure{
			Stage:         Stage(*failStage),
			Kind:          ErrorKind(deref(failKind)),
			Reason:        deref(failReason),
			FundsCaptured: fundsCaptured,
		}
		if failedAt != nil {
			t.Failure.OccurredAt = *failedAt
		}
	}
	return &t, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("escrow: marshal payload: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
