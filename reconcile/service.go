package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidStatus  = errors.New("reconcile: invalid status filter")
	ErrInvalidOutcome = errors.New("reconcile: invalid outcome")
	ErrNoteTooLong    = errors.New("reconcile: note too long")
)

const (
	defaultLimit = 50
	maxLimit     = 100
	maxNoteLen   = 2000
)

// Store abstracts persistence for the service.
type Store interface {
	List(ctx context.Context, status Status, limit int) ([]Case, error)
	Resolve(ctx context.Context, res Resolution) (Case, error)
}

// Service lets operators work through escrows that failed after funds moved.
type Service struct {
	repo   Store
	logger *slog.Logger
}

func NewService(repo Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// List returns cases filtered by status; an empty status returns all.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Case, error) {
	switch status {
	case "", StatusOpen, StatusResolved:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return s.repo.List(ctx, status, limit)
}

func (s *Service) Resolve(ctx context.Context, res Resolution) (Case, error) {
	res.TransactionID = strings.TrimSpace(res.TransactionID)
	res.Note = strings.TrimSpace(res.Note)
	if _, err := uuid.Parse(res.TransactionID); err != nil {
		return Case{}, ErrNotFound
	}
	if !res.Outcome.Valid() {
		return Case{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, res.Outcome)
	}
	if len(res.Note) > maxNoteLen {
		return Case{}, ErrNoteTooLong
	}

	c, err := s.repo.Resolve(ctx, res)
	if err != nil {
		s.logger.WarnContext(ctx, "reconciliation not resolved",
			"module", "reconcile",
			"operation", "resolve",
			"outcome", "rejected",
			"escrow_id", res.TransactionID,
			"error", err,
		)
		return Case{}, err
	}
	s.logger.InfoContext(ctx, "reconciliation resolved",
		"module", "reconcile",
		"operation", "resolve",
		"outcome", "success",
		"escrow_id", c.TransactionID,
		"resolution", string(c.Outcome),
		"resolved_by", res.ResolvedBy,
	)
	return c, nil
}
