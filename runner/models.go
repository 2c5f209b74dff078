package runner

import "time"

// Account is an onboarded runner and the payee account escrow payouts go to.
type Account struct {
	ID             string
	PayeeAccountID string
	Email          string
	Country        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
