package auth

import "time"

type Role string

const (
	// RoleOperator runs onboarding, release and reconciliation.
	RoleOperator Role = "operator"
	// RoleCheckout is the storefront service that opens escrows and holds funds.
	RoleCheckout Role = "checkout"
	// RoleDeliveryTracker posts delivery confirmations.
	RoleDeliveryTracker Role = "delivery_tracker"
)

// Operator is an authenticated principal allowed to drive escrows. It mirrors
// the operators table and carries no JSON annotations.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
