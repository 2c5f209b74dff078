package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested runner has never been onboarded.
var ErrNotFound = errors.New("runner: not found")

// Repository provides read access to runner payee accounts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a runner by its platform identifier.
func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	const query = `
		SELECT id, payee_account_id, COALESCE(email, ''), COALESCE(country, ''), created_at, updated_at
		FROM runners
		WHERE id = $1
	`

	var a Account
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.PayeeAccountID, &a.Email, &a.Country, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("runner: query by id: %w", err)
	}

	return a, nil
}

// List fetches up to limit runners, most recently onboarded first.
func (r *Repository) List(ctx context.Context, limit int) ([]Account, error) {
	const query = `
		SELECT id, payee_account_id, COALESCE(email, ''), COALESCE(country, ''), created_at, updated_at
		FROM runners
		ORDER BY updated_at DESC, id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("runner: list: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.PayeeAccountID, &a.Email, &a.Country, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("runner: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runner: iterate accounts: %w", err)
	}

	return accounts, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
