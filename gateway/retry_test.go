package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"escrowflow/escrow"
)

func TestWithRetry_RetriesTransientUntilSuccess(t *testing.T) {
	inner := &scriptedGateway{captureErrs: []error{
		&escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindTransient, Code: "rate_limit"},
		&escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindTransient, Code: "rate_limit"},
	}}
	gw := WithRetry(inner, fastPolicy(5), quietLogger())

	ref, err := gw.CapturePayment(context.Background(), escrow.CaptureRequest{Amount: 1000, Currency: "sgd"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ref != "pi_ok" || inner.captures != 3 {
		t.Fatalf("expected success on third attempt, got ref=%q attempts=%d", ref, inner.captures)
	}
}

func TestWithRetry_NeverRetriesAmbiguousOrDeclined(t *testing.T) {
	for _, kind := range []escrow.ErrorKind{escrow.KindAmbiguous, escrow.KindDeclined, escrow.KindValidation} {
		inner := &scriptedGateway{transferErrs: []error{&escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: kind}}}
		gw := WithRetry(inner, fastPolicy(5), quietLogger())

		_, err := gw.TransferFunds(context.Background(), escrow.TransferRequest{Amount: 900})
		if escrow.KindOf(err) != kind {
			t.Fatalf("%s: expected error kind preserved, got %v", kind, err)
		}
		if inner.transfers != 1 {
			t.Fatalf("%s: expected a single attempt, got %d", kind, inner.transfers)
		}
	}
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	transient := &escrow.GatewayError{Op: escrow.OpCreatePayeeAccount, Kind: escrow.KindTransient}
	inner := &scriptedGateway{accountErrs: []error{transient, transient, transient, transient}}
	gw := WithRetry(inner, fastPolicy(2), quietLogger())

	_, err := gw.CreatePayeeAccount(context.Background(), escrow.PayeeAccountRequest{IdempotencyKey: "tx-1:onboarding"})
	if !errors.Is(err, escrow.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.accounts != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", inner.accounts)
	}
	for i, key := range inner.accountKeys {
		if key != "tx-1:onboarding" {
			t.Fatalf("attempt %d sent idempotency key %q", i+1, key)
		}
	}
}

func TestWithRetry_StopsOnContextCancel(t *testing.T) {
	transient := &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindTransient}
	inner := &scriptedGateway{captureErrs: []error{transient, transient, transient}}
	policy := RetryPolicy{MaxRetries: 10, InitialInterval: time.Hour, MaxInterval: time.Hour}
	gw := WithRetry(inner, policy, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gw.CapturePayment(ctx, escrow.CaptureRequest{}); err == nil {
		t.Fatal("expected error after cancellation")
	}
	if inner.captures != 1 {
		t.Fatalf("expected one attempt before observing cancellation, got %d", inner.captures)
	}
}

func fastPolicy(retries uint64) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedGateway struct {
	accountErrs, captureErrs, transferErrs []error
	accounts, captures, transfers          int
	accountKeys                            []string
}

func nthErr(errs []error, n int) error {
	if n-1 < len(errs) {
		return errs[n-1]
	}
	return nil
}

func (s *scriptedGateway) CreatePayeeAccount(_ context.Context, req escrow.PayeeAccountRequest) (string, error) {
	s.accounts++
	s.accountKeys = append(s.accountKeys, req.IdempotencyKey)
	if err := nthErr(s.accountErrs, s.accounts); err != nil {
		return "", err
	}
	return "acct_ok", nil
}

func (s *scriptedGateway) CapturePayment(context.Context, escrow.CaptureRequest) (string, error) {
	s.captures++
	if err := nthErr(s.captureErrs, s.captures); err != nil {
		return "", err
	}
	return "pi_ok", nil
}

func (s *scriptedGateway) TransferFunds(context.Context, escrow.TransferRequest) (string, error) {
	s.transfers++
	if err := nthErr(s.transferErrs, s.transfers); err != nil {
		return "", err
	}
	return "tr_ok", nil
}
