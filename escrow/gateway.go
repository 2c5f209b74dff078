package escrow

import "context"

// Gateway is the payment processor capability the orchestrator consumes.
// Implementations return *GatewayError so failures can be classified; retry
// policy, if any, belongs to the adapter.
type Gateway interface {
	CreatePayeeAccount(ctx context.Context, req PayeeAccountRequest) (accountID string, err error)
	CapturePayment(ctx context.Context, req CaptureRequest) (chargeRef string, err error)
	TransferFunds(ctx context.Context, req TransferRequest) (transferRef string, err error)
}

// PayeeAccountRequest creates the runner's connected account.
type PayeeAccountRequest struct {
	Profile        RunnerProfile
	IdempotencyKey string
}

// CaptureRequest charges a buyer's payment method immediately.
type CaptureRequest struct {
	Amount         int64
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
	Description    string
}

// TransferRequest moves funds from the platform balance to a payee account.
type TransferRequest struct {
	Amount               int64
	Currency             string
	DestinationAccountID string
	IdempotencyKey       string
	Description          string
	TransferGroup        string
}

const (
	OpCreatePayeeAccount = "create_payee_account"
	OpCapturePayment     = "capture_payment"
	OpTransferFunds      = "transfer_funds"
)

func idempotencyKey(txID string, stage Stage) string {
	return txID + ":" + string(stage)
}
