package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store on the outbox table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Claim leases up to limit publishable rows to claimToken until claimUntil.
// Rows locked by a concurrent claimer are skipped.
func (r *Repository) Claim(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, fmt.Errorf("outbox: claim token is required")
	}

	const claimSQL = `
WITH candidates AS (
    SELECT id
    FROM outbox
    WHERE published_at IS NULL
      AND dead_lettered_at IS NULL
      AND available_at <= now()
      AND (claim_until IS NULL OR claim_until < now())
    ORDER BY created_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET claim_token = $2, claim_until = $3
FROM candidates c
WHERE o.id = c.id
RETURNING o.id::text, o.topic, COALESCE(o.partition_key, ''), o.payload, o.attempts, o.created_at;
`
	rows, err := r.pool.Query(ctx, claimSQL, limit, claimToken, claimUntil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.Topic, &rec.PartitionKey, &rec.Payload, &rec.Attempts, &rec.CreatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: scan claimed rows: %w", err)
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE outbox
SET published_at = $3, claim_token = NULL, claim_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, at)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, claimToken, errMsg string, retryAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $3,
    last_error_at = now(),
    available_at = $4,
    claim_token = NULL,
    claim_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, errMsg, retryAt)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (r *Repository) MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $3,
    last_error_at = $4,
    dead_lettered_at = $4,
    claim_token = NULL,
    claim_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, errMsg, at)
	if err != nil {
		return fmt.Errorf("outbox: mark dead lettered: %w", err)
	}
	return nil
}
