package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives escrow transactions through their state machine. It
// owns no transaction state itself; callers hand it a *Transaction and
// persist the result after every call.
type Orchestrator struct {
	gateway Gateway
	fees    FeePolicy
	logger  *slog.Logger
	nowFn   func() time.Time
	newID   func() string

	mapMu sync.Mutex
	locks map[string]*txLock
}

type txLock struct {
	mu   sync.Mutex
	refs int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.nowFn = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// NewOrchestrator wires the gateway and fee policy. A nil policy falls back to
// FixedFee{DefaultPlatformFee}.
func NewOrchestrator(gateway Gateway, fees FeePolicy, opts ...Option) *Orchestrator {
	if fees == nil {
		fees = FixedFee{Fee: DefaultPlatformFee}
	}
	o := &Orchestrator{
		gateway: gateway,
		fees:    fees,
		logger:  slog.Default(),
		nowFn:   func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		locks:   make(map[string]*txLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// acquire serializes transitions on one transaction id. Entries are dropped
// once no caller holds or waits on them.
func (o *Orchestrator) acquire(id string) func() {
	o.mapMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &txLock{}
		o.locks[id] = l
	}
	l.refs++
	o.mapMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mapMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.mapMu.Unlock()
	}
}

// NewTransaction creates a pending escrow for the given runner.
func (o *Orchestrator) NewTransaction(runnerID string) (*Transaction, error) {
	runnerID = strings.TrimSpace(runnerID)
	if runnerID == "" {
		return nil, invalid("runner_id", "required")
	}
	now := o.nowFn()
	return &Transaction{
		ID:        o.newID(),
		RunnerID:  runnerID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// OnboardRunner creates the runner's payee account.
func (o *Orchestrator) OnboardRunner(ctx context.Context, tx *Transaction, profile RunnerProfile) error {
	if tx == nil {
		return invalid("transaction", "required")
	}
	unlock := o.acquire(tx.ID)
	defer unlock()

	if err := require(tx, "OnboardRunner", StatePending); err != nil {
		return err
	}
	if err := validateProfile(profile); err != nil {
		return err
	}

	accountID, err := o.gateway.CreatePayeeAccount(ctx, PayeeAccountRequest{
		Profile:        profile,
		IdempotencyKey: idempotencyKey(tx.ID, StageOnboarding),
	})
	if err != nil {
		return o.fail(ctx, tx, StageOnboarding, classify(OpCreatePayeeAccount, false, err), false)
	}
	if strings.TrimSpace(accountID) == "" {
		return o.fail(ctx, tx, StageOnboarding, &InvariantViolation{TransactionID: tx.ID, Detail: "gateway returned empty payee account id"}, false)
	}

	tx.RunnerAccountID = accountID
	o.advance(ctx, tx, StateRunnerOnboarded, StageOnboarding)
	return nil
}

// HoldFunds captures the buyer's payment into the platform balance.
func (o *Orchestrator) HoldFunds(ctx context.Context, tx *Transaction, req HoldRequest) error {
	if tx == nil {
		return invalid("transaction", "required")
	}
	unlock := o.acquire(tx.ID)
	defer unlock()

	if err := require(tx, "HoldFunds", StateRunnerOnboarded); err != nil {
		return err
	}
	if req.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return invalid("payment_method", "required")
	}
	payout, _, err := o.fees.Split(req.Amount)
	if err != nil {
		return invalid("amount", fmt.Sprintf("cannot be split by fee policy: %v", err))
	}
	if payout <= 0 {
		return invalid("amount", "leaves no payout for the runner after fees")
	}
	if tx.RunnerAccountID == "" {
		return o.fail(ctx, tx, StageHold, &InvariantViolation{TransactionID: tx.ID, Detail: "onboarded transaction has no runner account"}, false)
	}

	chargeRef, err := o.gateway.CapturePayment(ctx, CaptureRequest{
		Amount:         req.Amount,
		Currency:       currency,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: idempotencyKey(tx.ID, StageHold),
		Description:    "escrow hold " + tx.ID,
	})
	if err != nil {
		gwErr := classify(OpCapturePayment, true, err)
		return o.fail(ctx, tx, StageHold, gwErr, gwErr.Kind == KindAmbiguous)
	}
	if strings.TrimSpace(chargeRef) == "" {
		return o.fail(ctx, tx, StageHold, &InvariantViolation{TransactionID: tx.ID, Detail: "gateway captured payment without a reference"}, true)
	}

	tx.ChargeReference = chargeRef
	tx.BuyerChargeAmount = req.Amount
	tx.Currency = currency
	o.advance(ctx, tx, StateFundsHeld, StageHold)
	return nil
}

// ConfirmDelivery accepts the external delivery signal. It has no side
// effect beyond the state change, so a second call fails with a
// PreconditionError and changes nothing.
func (o *Orchestrator) ConfirmDelivery(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return invalid("transaction", "required")
	}
	unlock := o.acquire(tx.ID)
	defer unlock()

	if err := require(tx, "ConfirmDelivery", StateFundsHeld); err != nil {
		return err
	}
	o.advance(ctx, tx, StateDeliveryConfirmed, StageConfirmation)
	return nil
}

// ReleaseFunds splits the captured amount and pays the runner. A failure here
// leaves the buyer charged and the transaction flagged for reconciliation.
func (o *Orchestrator) ReleaseFunds(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return invalid("transaction", "required")
	}
	unlock := o.acquire(tx.ID)
	defer unlock()

	if err := require(tx, "ReleaseFunds", StateDeliveryConfirmed); err != nil {
		return err
	}
	if tx.ChargeReference == "" || tx.RunnerAccountID == "" || tx.BuyerChargeAmount <= 0 {
		return o.fail(ctx, tx, StageRelease, &InvariantViolation{
			TransactionID: tx.ID,
			Detail:        "confirmed transaction is missing charge reference, runner account or amount",
		}, tx.ChargeReference != "")
	}

	payout, fee, err := o.fees.Split(tx.BuyerChargeAmount)
	if err != nil {
		return o.fail(ctx, tx, StageRelease, &InvariantViolation{TransactionID: tx.ID, Detail: "fee policy rejected captured amount: " + err.Error()}, true)
	}
	if err := checkSplit(tx.BuyerChargeAmount, payout, fee); err != nil {
		return o.fail(ctx, tx, StageRelease, &InvariantViolation{TransactionID: tx.ID, Detail: err.Error()}, true)
	}
	if payout == 0 {
		return o.fail(ctx, tx, StageRelease, &InvariantViolation{TransactionID: tx.ID, Detail: "zero payout"}, true)
	}
	tx.RunnerPayoutAmount = &payout
	tx.PlatformFeeAmount = &fee

	transferRef, err := o.gateway.TransferFunds(ctx, TransferRequest{
		Amount:               payout,
		Currency:             tx.Currency,
		DestinationAccountID: tx.RunnerAccountID,
		IdempotencyKey:       idempotencyKey(tx.ID, StageRelease),
		Description:          "Payout for delivered goods",
		TransferGroup:        tx.ID,
	})
	if err != nil {
		return o.fail(ctx, tx, StageRelease, classify(OpTransferFunds, true, err), true)
	}
	if strings.TrimSpace(transferRef) == "" {
		return o.fail(ctx, tx, StageRelease, &InvariantViolation{TransactionID: tx.ID, Detail: "gateway transferred funds without a reference"}, true)
	}

	tx.TransferReference = transferRef
	o.advance(ctx, tx, StateFundsReleased, StageRelease)
	return nil
}

func require(tx *Transaction, op string, want State) error {
	if tx.State != want {
		return &PreconditionError{TransactionID: tx.ID, Operation: op, Current: tx.State, Required: want}
	}
	return nil
}

func validateProfile(p RunnerProfile) error {
	required := []struct {
		field string
		value string
	}{
		{"first_name", p.FirstName},
		{"last_name", p.LastName},
		{"email", p.Email},
		{"country", p.Country},
		{"government_id", p.GovernmentID},
		{"address.line1", p.Address.Line1},
		{"address.postal_code", p.Address.PostalCode},
		{"address.country", p.Address.Country},
		{"terms.ip", p.Terms.IP},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return invalid(r.field, "required")
		}
	}
	if p.DateOfBirth.IsZero() {
		return invalid("date_of_birth", "required")
	}
	if p.Terms.AcceptedAt.IsZero() {
		return invalid("terms.accepted_at", "required")
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, tx *Transaction, next State, stage Stage) {
	prev := tx.State
	tx.State = next
	tx.UpdatedAt = o.nowFn()
	tx.Version++
	o.logger.InfoContext(ctx, "escrow transition applied",
		"module", "escrow.orchestrator",
		"operation", string(stage),
		"outcome", "success",
		"transaction_id", tx.ID,
		"previous_state", string(prev),
		"state", string(next),
	)
}

// fail moves tx to StateFailed and returns the StageError describing why.
func (o *Orchestrator) fail(ctx context.Context, tx *Transaction, stage Stage, cause error, fundsCaptured bool) error {
	now := o.nowFn()
	prev := tx.State
	tx.State = StateFailed
	tx.UpdatedAt = now
	tx.Version++
	tx.Failure = &Failure{
		Stage:         stage,
		Kind:          KindOf(cause),
		Reason:        fmt.Sprintf("%s failed: %v", stage, cause),
		FundsCaptured: fundsCaptured,
		OccurredAt:    now,
	}

	attrs := []any{
		"module", "escrow.orchestrator",
		"operation", string(stage),
		"outcome", "failure",
		"transaction_id", tx.ID,
		"previous_state", string(prev),
		"failure_kind", string(tx.Failure.Kind),
		"charge_reference", tx.ChargeReference,
		"requires_reconciliation", tx.RequiresReconciliation(),
		"error", cause,
	}
	if tx.RequiresReconciliation() {
		o.logger.ErrorContext(ctx, "escrow failed after funds capture", attrs...)
	} else {
		o.logger.WarnContext(ctx, "escrow failed", attrs...)
	}

	return &StageError{TransactionID: tx.ID, Stage: stage, FundsCaptured: fundsCaptured, Err: cause}
}
