package reconcile

import "time"

// Status filters cases by whether an operator has settled them.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome records how captured funds were settled outside the workflow.
type Outcome string

const (
	OutcomeRefunded   Outcome = "refunded"
	OutcomePaidOut    Outcome = "paid_out"
	OutcomeWrittenOff Outcome = "written_off"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRefunded, OutcomePaidOut, OutcomeWrittenOff:
		return true
	}
	return false
}

// Case is a failed escrow that may hold captured buyer funds, joined with
// its resolution when one exists.
type Case struct {
	TransactionID   string
	RunnerID        string
	Currency        string
	Amount          int64
	ChargeReference string
	FailureStage    string
	FailureReason   string
	FailedAt        *time.Time
	Outcome         Outcome
	Note            string
	ResolvedBy      *string
	ResolvedAt      *time.Time
}

func (c Case) Status() Status {
	if c.ResolvedAt != nil {
		return StatusResolved
	}
	return StatusOpen
}

// Resolution is an operator's decision on a case.
type Resolution struct {
	TransactionID string
	Outcome       Outcome
	Note          string
	ResolvedBy    string
}
