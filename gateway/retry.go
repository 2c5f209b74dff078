// Package gateway holds payment gateway adapters and decorators for
// escrow.Gateway.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"escrowflow/escrow"
)

// RetryPolicy bounds how transient gateway failures are retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries three times over a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

type retrying struct {
	next   escrow.Gateway
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps g so calls failing with a transient error are retried
// with exponential backoff. Declined, validation and ambiguous failures are
// returned on the first attempt.
func WithRetry(g escrow.Gateway, policy RetryPolicy, logger *slog.Logger) escrow.Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: g, policy: policy, logger: logger}
}

func (r *retrying) CreatePayeeAccount(ctx context.Context, req escrow.PayeeAccountRequest) (string, error) {
	return do(ctx, r, escrow.OpCreatePayeeAccount, func() (string, error) {
		return r.next.CreatePayeeAccount(ctx, req)
	})
}

func (r *retrying) CapturePayment(ctx context.Context, req escrow.CaptureRequest) (string, error) {
	return do(ctx, r, escrow.OpCapturePayment, func() (string, error) {
		return r.next.CapturePayment(ctx, req)
	})
}

func (r *retrying) TransferFunds(ctx context.Context, req escrow.TransferRequest) (string, error) {
	return do(ctx, r, escrow.OpTransferFunds, func() (string, error) {
		return r.next.TransferFunds(ctx, req)
	})
}

func (r *retrying) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		exp.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		exp.MaxInterval = r.policy.MaxInterval
	}
	exp.MaxElapsedTime = r.policy.MaxElapsedTime
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.policy.MaxRetries), ctx)
}

func do(ctx context.Context, r *retrying, op string, call func() (string, error)) (string, error) {
	var ref string
	attempt := 0
	operation := func() error {
		attempt++
		out, err := call()
		if err == nil {
			ref = out
			return nil
		}
		if !escrow.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "gateway call failed; retrying",
			"module", "gateway.retry",
			"operation", op,
			"outcome", "retry",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(operation, r.backOff(ctx), notify); err != nil {
		return "", err
	}
	return ref, nil
}
