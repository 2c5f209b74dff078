package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("reconcile: not found")
	ErrNotEligible     = errors.New("reconcile: transaction does not require reconciliation")
	ErrAlreadyResolved = errors.New("reconcile: case already resolved")
)

// TopicResolved is the outbox topic written when a case is settled.
const TopicResolved = "escrow.reconciliation_resolved"

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectCases = `
SELECT t.id::text, t.runner_id, COALESCE(t.currency, ''), t.buyer_charge_amount,
       COALESCE(t.charge_reference, ''), COALESCE(t.failure_stage, ''), COALESCE(t.failure_reason, ''),
       t.failed_at, COALESCE(r.outcome, ''), COALESCE(r.note, ''), r.resolved_by, r.resolved_at
FROM escrow_transactions t
LEFT JOIN reconciliation_resolutions r ON r.transaction_id = t.id
WHERE t.requires_reconciliation`

func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Case, error) {
	query := selectCases
	switch status {
	case StatusOpen:
		query += " AND r.transaction_id IS NULL"
	case StatusResolved:
		query += " AND r.transaction_id IS NOT NULL"
	}
	query += " ORDER BY t.failed_at ASC LIMIT $1"

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 8)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate: %w", err)
	}
	return out, nil
}

// Resolve records the resolution and its outbox message in one transaction.
// A case can be resolved once.
func (r *Repository) Resolve(ctx context.Context, res Resolution) (Case, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("reconcile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO reconciliation_resolutions (transaction_id, outcome, note, resolved_by)
		SELECT t.id, $2, $3, $4
		FROM escrow_transactions t
		WHERE t.id = $1 AND t.requires_reconciliation
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING transaction_id`

	var id string
	err = tx.QueryRow(ctx, insert, res.TransactionID, string(res.Outcome), res.Note, res.ResolvedBy).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, r.explainRejected(ctx, tx, res.TransactionID)
	}
	if err != nil {
		return Case{}, fmt.Errorf("reconcile: resolve: %w", err)
	}

	c, err := scanCase(tx.QueryRow(ctx, selectCases+" AND t.id = $1", res.TransactionID))
	if err != nil {
		return Case{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"transaction_id":   c.TransactionID,
		"outcome":          c.Outcome,
		"note":             c.Note,
		"resolved_by":      res.ResolvedBy,
		"charge_reference": c.ChargeReference,
		"amount":           c.Amount,
		"currency":         c.Currency,
	})
	if err != nil {
		return Case{}, fmt.Errorf("reconcile: marshal payload: %w", err)
	}
	const outbox = `INSERT INTO outbox (topic, partition_key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, outbox, TopicResolved, c.TransactionID, payload); err != nil {
		return Case{}, fmt.Errorf("reconcile: insert outbox message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("reconcile: commit: %w", err)
	}
	return c, nil
}

func (r *Repository) explainRejected(ctx context.Context, tx pgx.Tx, id string) error {
	const check = `
		SELECT t.requires_reconciliation, r.transaction_id IS NOT NULL
		FROM escrow_transactions t
		LEFT JOIN reconciliation_resolutions r ON r.transaction_id = t.id
		WHERE t.id = $1`

	var eligible, resolved bool
	if err := tx.QueryRow(ctx, check, id).Scan(&eligible, &resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reconcile: resolve fetch: %w", err)
	}
	if resolved {
		return ErrAlreadyResolved
	}
	return ErrNotEligible
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c       Case
		outcome string
	)
	err := row.Scan(&c.TransactionID, &c.RunnerID, &c.Currency, &c.Amount,
		&c.ChargeReference, &c.FailureStage, &c.FailureReason,
		&c.FailedAt, &outcome, &c.Note, &c.ResolvedBy, &c.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("reconcile: scan: %w", err)
	}
	c.Outcome = Outcome(outcome)
	return c, nil
}
