// Package sandbox is a deterministic in-memory escrow.Gateway. It mirrors the
// test-mode behavior of a real processor closely enough to drive the full
// escrow flow without network access.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/escrow"
)

// Test payment methods understood by CapturePayment.
const (
	PaymentMethodVisa       = "pm_card_visa"
	PaymentMethodDeclined   = "pm_card_chargeDeclined"
	PaymentMethodAmbiguous  = "pm_sandbox_ambiguous"
	PaymentMethodTransient  = "pm_sandbox_transient"
	PaymentMethodInstantPay = "pm_card_bypassPending"
)

// Account is a payee account created in the sandbox.
type Account struct {
	ID      string
	Profile escrow.RunnerProfile
	Balance map[string]int64
}

// Gateway keeps platform and payee balances in memory. The zero value is not
// usable; call New.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]*Account
	platform map[string]int64
	// results replays the reference for a previously seen idempotency key.
	results  map[string]string
	failNext map[string][]error
	calls    map[string]int
}

func New() *Gateway {
	return &Gateway{
		accounts: make(map[string]*Account),
		platform: make(map[string]int64),
		results:  make(map[string]string),
		failNext: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call of op, ahead of any
// normal processing. Queued errors are consumed in order.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[op] = append(g.failNext[op], err)
}

// Calls reports how many times op reached the gateway.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// PlatformBalance returns the available platform balance in currency.
func (g *Gateway) PlatformBalance(currency string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.platform[currency]
}

// AccountBalance returns the balance of a payee account.
func (g *Gateway) AccountBalance(accountID, currency string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[accountID]
	if !ok {
		return 0, false
	}
	return acct.Balance[currency], true
}

// TopUpBalance credits the platform balance directly.
func (g *Gateway) TopUpBalance(ctx context.Context, amount int64, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if amount <= 0 {
		return "", &escrow.GatewayError{Op: "top_up_balance", Kind: escrow.KindValidation, Code: "amount_invalid", Message: "amount must be positive"}
	}
	g.platform[currency] += amount
	return g.nextID("ch"), nil
}

func (g *Gateway) CreatePayeeAccount(ctx context.Context, req escrow.PayeeAccountRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &escrow.GatewayError{Op: escrow.OpCreatePayeeAccount, Kind: escrow.KindTransient, Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.replay(req.IdempotencyKey); ok {
		return id, nil
	}
	if err := g.begin(escrow.OpCreatePayeeAccount); err != nil {
		return "", err
	}

	profile := req.Profile
	if len(profile.Country) != 2 {
		return "", &escrow.GatewayError{Op: escrow.OpCreatePayeeAccount, Kind: escrow.KindValidation, Code: "country_unsupported", Message: "country must be a 2-letter code"}
	}
	if profile.DateOfBirth.Month < 1 || profile.DateOfBirth.Month > 12 || profile.DateOfBirth.Day < 1 || profile.DateOfBirth.Day > 31 {
		return "", &escrow.GatewayError{Op: escrow.OpCreatePayeeAccount, Kind: escrow.KindValidation, Code: "invalid_dob", Message: "date of birth is not a calendar date"}
	}

	id := g.nextID("acct")
	g.accounts[id] = &Account{ID: id, Profile: profile, Balance: make(map[string]int64)}
	g.remember(req.IdempotencyKey, id)
	return id, nil
}

func (g *Gateway) CapturePayment(ctx context.Context, req escrow.CaptureRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindTransient, Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.replay(req.IdempotencyKey); ok {
		return ref, nil
	}
	if err := g.begin(escrow.OpCapturePayment); err != nil {
		return "", err
	}
	if req.Amount <= 0 {
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindValidation, Code: "amount_too_small", Message: "amount must be positive"}
	}

	switch req.PaymentMethod {
	case PaymentMethodVisa, PaymentMethodInstantPay:
	case PaymentMethodDeclined:
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindDeclined, Code: "card_declined", Message: "Your card was declined."}
	case PaymentMethodAmbiguous:
		// The charge succeeds but the response is lost.
		g.platform[req.Currency] += req.Amount
		g.nextID("pi")
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindAmbiguous, Message: "connection closed before response"}
	case PaymentMethodTransient:
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindTransient, Code: "rate_limit", Message: "too many requests"}
	default:
		return "", &escrow.GatewayError{Op: escrow.OpCapturePayment, Kind: escrow.KindValidation, Code: "resource_missing", Message: fmt.Sprintf("no such payment method: %q", req.PaymentMethod)}
	}

	g.platform[req.Currency] += req.Amount
	ref := g.nextID("pi")
	g.remember(req.IdempotencyKey, ref)
	return ref, nil
}

func (g *Gateway) TransferFunds(ctx context.Context, req escrow.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: escrow.KindTransient, Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.replay(req.IdempotencyKey); ok {
		return ref, nil
	}
	if err := g.begin(escrow.OpTransferFunds); err != nil {
		return "", err
	}

	acct, ok := g.accounts[req.DestinationAccountID]
	if !ok {
		return "", &escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: escrow.KindValidation, Code: "resource_missing", Message: "no such destination: " + req.DestinationAccountID}
	}
	if req.Amount <= 0 {
		return "", &escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: escrow.KindValidation, Code: "amount_too_small", Message: "amount must be positive"}
	}
	if g.platform[req.Currency] < req.Amount {
		return "", &escrow.GatewayError{Op: escrow.OpTransferFunds, Kind: escrow.KindValidation, Code: "balance_insufficient", Message: "insufficient available funds in platform balance"}
	}

	g.platform[req.Currency] -= req.Amount
	acct.Balance[req.Currency] += req.Amount
	ref := g.nextID("tr")
	g.remember(req.IdempotencyKey, ref)
	return ref, nil
}

// begin records the call and pops any injected failure. Callers hold g.mu.
func (g *Gateway) begin(op string) error {
	g.calls[op]++
	queue := g.failNext[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.failNext[op] = queue[1:]
	return err
}

func (g *Gateway) replay(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	ref, ok := g.results[key]
	return ref, ok
}

func (g *Gateway) remember(key, ref string) {
	if key != "" {
		g.results[key] = ref
	}
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_sbx_%06d", prefix, g.seq)
}
