package escrow

import "time"

// State is the lifecycle position of an escrow transaction.
type State string

const (
	StatePending           State = "pending"
	StateRunnerOnboarded   State = "runner_onboarded"
	StateFundsHeld         State = "funds_held"
	StateDeliveryConfirmed State = "delivery_confirmed"
	StateFundsReleased     State = "funds_released"
	StateFailed            State = "failed"
)

// rank orders the forward states; failed sits outside the ordering.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunnerOnboarded:
		return 1
	case StateFundsHeld:
		return 2
	case StateDeliveryConfirmed:
		return 3
	case StateFundsReleased:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFundsReleased || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s == StateFailed || s.rank() >= 0
}

// Stage names the orchestrator step a failure or event belongs to.
type Stage string

const (
	StageCreate       Stage = "create"
	StageOnboarding   Stage = "onboarding"
	StageHold         Stage = "hold"
	StageConfirmation Stage = "delivery_confirmation"
	StageRelease      Stage = "release"
)

// Failure records why a transaction ended in StateFailed.
type Failure struct {
	Stage  Stage
	Kind   ErrorKind
	Reason string
	// FundsCaptured is true when the buyer was charged before the failure,
	// or when the capture outcome itself is unknown.
	FundsCaptured bool
	OccurredAt    time.Time
}

// Transaction is one buyer -> platform -> runner escrow flow.
type Transaction struct {
	ID                 string
	RunnerID           string
	Currency           string
	BuyerChargeAmount  int64
	RunnerPayoutAmount *int64
	PlatformFeeAmount  *int64
	RunnerAccountID    string
	ChargeReference    string
	TransferReference  string
	State              State
	Failure            *Failure
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RequiresReconciliation reports whether a failed transaction may hold buyer
// funds that were never paid out.
func (t *Transaction) RequiresReconciliation() bool {
	if t.State != StateFailed || t.Failure == nil {
		return false
	}
	return t.ChargeReference != "" || t.Failure.FundsCaptured
}

// Snapshot returns a deep copy safe to hand to callers for persistence or logging.
func (t *Transaction) Snapshot() Transaction {
	out := *t
	if t.RunnerPayoutAmount != nil {
		v := *t.RunnerPayoutAmount
		out.RunnerPayoutAmount = &v
	}
	if t.PlatformFeeAmount != nil {
		v := *t.PlatformFeeAmount
		out.PlatformFeeAmount = &v
	}
	if t.Failure != nil {
		f := *t.Failure
		out.Failure = &f
	}
	return out
}

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month int
	Day   int
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// Address is a postal address as submitted by the runner.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// TermsAcceptance captures when and from where the runner accepted the
// processor's terms of service.
type TermsAcceptance struct {
	AcceptedAt time.Time
	IP         string
}

// RunnerProfile is passed through to the gateway unmodified. Format
// validation belongs to the gateway; the orchestrator only checks presence.
type RunnerProfile struct {
	FirstName            string
	LastName             string
	FullNameAliases      []string
	Email                string
	Phone                string
	Country              string
	Nationality          string
	DateOfBirth          Date
	GovernmentID         string
	Address              Address
	BusinessType         string
	MerchantCategoryCode string
	BusinessURL          string
	ProductDescription   string
	ExternalAccountToken string
	Terms                TermsAcceptance
}

// HoldRequest is the buyer payment to capture into the platform balance.
type HoldRequest struct {
	PaymentMethod string
	Amount        int64
	Currency      string
}

// DeliveryConfirmation is the normalized delivery-tracking webhook.
type DeliveryConfirmation struct {
	TransactionID  string
	IdempotencyKey string
	Source         string
	ActorID        *string
	Payload        map[string]any
}

// TimelineEvent is an immutable audit record appended on every transition.
type TimelineEvent struct {
	ID            int64
	TransactionID string
	Type          string
	ActorID       *string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxMessage is a transactional outbox entry.
type OutboxMessage struct {
	ID           string
	Topic        string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

const (
	TimelineEscrowCreated      = "ESCROW_CREATED"
	TimelineEscrowStateChanged = "ESCROW_STATE_CHANGED"
)

const (
	TopicEscrowCreated          = "escrow.created"
	TopicRunnerOnboarded        = "escrow.runner_onboarded"
	TopicFundsHeld              = "escrow.funds_held"
	TopicDeliveryConfirmed      = "escrow.delivery_confirmed"
	TopicFundsReleased          = "escrow.funds_released"
	TopicEscrowFailed           = "escrow.failed"
	TopicReconciliationRequired = "escrow.reconciliation_required"
)

// topicForState maps the state reached by a transition to its outbox topic.
func topicForState(s State) string {
	switch s {
	case StatePending:
		return TopicEscrowCreated
	case StateRunnerOnboarded:
		return TopicRunnerOnboarded
	case StateFundsHeld:
		return TopicFundsHeld
	case StateDeliveryConfirmed:
		return TopicDeliveryConfirmed
	case StateFundsReleased:
		return TopicFundsReleased
	default:
		return TopicEscrowFailed
	}
}
