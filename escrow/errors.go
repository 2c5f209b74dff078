package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches any ValidationError.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrInvalidState matches any PreconditionError.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrInvariantViolation matches any InvariantViolation.
	ErrInvariantViolation = errors.New("escrow: invariant violation")
	// ErrNotFound is returned when no transaction exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicateIdempotencyKey signals a webhook delivery that was already applied.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")

	ErrGatewayValidation = errors.New("escrow: gateway rejected request")
	ErrDeclined          = errors.New("escrow: declined by processor")
	ErrTransient         = errors.New("escrow: transient gateway failure")
	ErrAmbiguous         = errors.New("escrow: ambiguous gateway outcome")
)

// ValidationError reports malformed input detected before any external call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "escrow: invalid input: " + e.Message
	}
	return fmt.Sprintf("escrow: invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// PreconditionError reports an operation invoked on a transaction that is not
// in the state the operation requires. The transaction is left untouched.
type PreconditionError struct {
	TransactionID string
	Operation     string
	Current       State
	Required      State
}

// InvalidStateError is the name used by callers reasoning about duplicate
// event delivery.
type InvalidStateError = PreconditionError

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("escrow: %s on transaction %s requires state %s, got %s",
		e.Operation, e.TransactionID, e.Required, e.Current)
}

func (e *PreconditionError) Unwrap() error { return ErrInvalidState }

// InvariantViolation is an internal consistency failure. It is always fatal
// to the transaction and never corrected silently.
type InvariantViolation struct {
	TransactionID string
	Detail        string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("escrow: invariant violated on transaction %s: %s", e.TransactionID, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// ErrorKind classifies a failure for retry and reconciliation decisions.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindDeclined   ErrorKind = "declined"
	KindTransient  ErrorKind = "transient"
	// KindAmbiguous means the side effect of a capture or transfer may or may
	// not have happened. It must be reconciled before any retry.
	KindAmbiguous ErrorKind = "ambiguous"
	KindInvariant ErrorKind = "invariant"
)

// GatewayError is a classified failure returned by a Gateway implementation.
type GatewayError struct {
	Op      string
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// AmbiguousError is a GatewayError whose Kind is KindAmbiguous.
type AmbiguousError = GatewayError

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("gateway %s %s: %s", e.Op, e.Kind, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGatewayValidation:
		return e.Kind == KindValidation
	case ErrDeclined:
		return e.Kind == KindDeclined
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAmbiguous:
		return e.Kind == KindAmbiguous
	}
	return false
}

// KindOf returns the classification of err, or "" if it carries none.
func KindOf(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	var invErr *InvariantViolation
	if errors.As(err, &invErr) {
		return KindInvariant
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}
	return ""
}

// IsTransient reports whether err is safe to retry with the same input.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsAmbiguous reports whether err left a money movement in an unknown state.
func IsAmbiguous(err error) bool { return errors.Is(err, ErrAmbiguous) }

// StageError wraps a failure that moved a transaction to StateFailed.
type StageError struct {
	TransactionID string
	Stage         Stage
	FundsCaptured bool
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("escrow: transaction %s: %s failed: %v", e.TransactionID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// classify turns an arbitrary gateway error into a GatewayError. Unclassified
// failures of money-moving calls are treated as ambiguous.
func classify(op string, moneyMoving bool, err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	kind := KindTransient
	if moneyMoving {
		kind = KindAmbiguous
	}
	return &GatewayError{Op: op, Kind: kind, Err: err}
}
