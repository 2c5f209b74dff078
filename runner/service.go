package runner

import (
	"context"
	"strings"
)

// AccountReader abstracts repository operations for the service.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (Account, error)
	List(ctx context.Context, limit int) ([]Account, error)
}

// Service exposes runner lookups to the API layer.
type Service struct {
	repo AccountReader
}

// NewService builds a Service using the provided repository.
func NewService(repo AccountReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the runner for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit runners; the limit is clamped to 1..100.
func (s *Service) List(ctx context.Context, limit int) ([]Account, error) {
	return s.repo.List(ctx, clampLimit(limit))
}
