// Package stripegw implements escrow.Gateway on Stripe Connect: runners are
// custom connected accounts, buyer payments are captured into the platform
// balance, and payouts are transfers to the connected account.
package stripegw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"escrowflow/escrow"
)

type accountCreator interface {
	New(params *stripe.AccountParams) (*stripe.Account, error)
}

type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type transferCreator interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type chargeCreator interface {
	New(params *stripe.ChargeParams) (*stripe.Charge, error)
}

// Gateway is the Stripe-backed escrow.Gateway.
type Gateway struct {
	accounts  accountCreator
	intents   intentCreator
	transfers transferCreator
	charges   chargeCreator
}

// New builds a Gateway from a secret key. The key is held by the Stripe
// client only; nothing reads it from the environment here.
func New(apiKey string) (*Gateway, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripegw: api key is required")
	}
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Gateway{
		accounts:  sc.Accounts,
		intents:   sc.PaymentIntents,
		transfers: sc.Transfers,
		charges:   sc.Charges,
	}, nil
}

// CreatePayeeAccount creates a custom connected account able to receive
// transfers, passing the runner's identity through unmodified.
func (g *Gateway) CreatePayeeAccount(ctx context.Context, req escrow.PayeeAccountRequest) (string, error) {
	p := req.Profile
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeCustom)),
		Country: stripe.String(p.Country),
		Email:   stripe.String(p.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		BusinessType: stripe.String(businessType(p)),
		Individual:   individual(p),
		TOSAcceptance: &stripe.AccountTOSAcceptanceParams{
			Date: stripe.Int64(p.Terms.AcceptedAt.Unix()),
			IP:   stripe.String(p.Terms.IP),
		},
	}
	if p.MerchantCategoryCode != "" || p.BusinessURL != "" || p.ProductDescription != "" {
		params.BusinessProfile = &stripe.AccountBusinessProfileParams{
			MCC:                optional(p.MerchantCategoryCode),
			URL:                optional(p.BusinessURL),
			ProductDescription: optional(p.ProductDescription),
		}
	}
	if p.ExternalAccountToken != "" {
		params.ExternalAccount = &stripe.AccountExternalAccountParams{Token: stripe.String(p.ExternalAccountToken)}
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	acct, err := g.accounts.New(params)
	if err != nil {
		return "", classify(escrow.OpCreatePayeeAccount, false, err)
	}
	return acct.ID, nil
}

// CapturePayment confirms a PaymentIntent immediately so the funds land in
// the platform balance.
func (g *Gateway) CapturePayment(ctx context.Context, req escrow.CaptureRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(req.Currency),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Description:        optional(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return "", classify(escrow.OpCapturePayment, true, err)
	}
	return intentReference(pi)
}

// TransferFunds moves the payout from the platform balance to the runner.
func (g *Gateway) TransferFunds(ctx context.Context, req escrow.TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.DestinationAccountID),
		Description:   optional(req.Description),
		TransferGroup: optional(req.TransferGroup),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := g.transfers.New(params)
	if err != nil {
		return "", classify(escrow.OpTransferFunds, true, err)
	}
	return tr.ID, nil
}

// BypassPendingSource is Stripe's test-mode source whose funds are available
// immediately.
const BypassPendingSource = "tok_bypassPending"

// TopUpBalance charges a test source into the platform balance so transfers
// have available funds. Test mode only.
func (g *Gateway) TopUpBalance(ctx context.Context, amount int64, currency string) (string, error) {
	params := &stripe.ChargeParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Description: stripe.String("Initial test funds for platform balance"),
	}
	if err := params.SetSource(BypassPendingSource); err != nil {
		return "", fmt.Errorf("stripegw: top up source: %w", err)
	}
	params.Context = ctx

	ch, err := g.charges.New(params)
	if err != nil {
		return "", classify("top_up_balance", true, err)
	}
	return ch.ID, nil
}

func intentReference(pi *stripe.PaymentIntent) (string, error) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return pi.ID, nil
	case stripe.PaymentIntentStatusProcessing:
		return "", &escrow.GatewayError{
			Op:      escrow.OpCapturePayment,
			Kind:    escrow.KindAmbiguous,
			Code:    string(pi.Status),
			Message: "payment intent " + pi.ID + " still processing",
		}
	default:
		return "", &escrow.GatewayError{
			Op:      escrow.OpCapturePayment,
			Kind:    escrow.KindDeclined,
			Code:    string(pi.Status),
			Message: "payment intent " + pi.ID + " not captured",
		}
	}
}

// classify maps Stripe errors onto escrow error kinds. Anything Stripe did not
// answer definitively on a money-moving call is ambiguous.
func classify(op string, moneyMoving bool, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &escrow.GatewayError{Op: op, Kind: unknownKind(moneyMoving), Message: err.Error(), Err: err}
	}

	gwErr := &escrow.GatewayError{Op: op, Code: string(se.Code), Message: se.Msg, Err: err}
	if se.DeclineCode != "" {
		gwErr.Code = string(se.DeclineCode)
	}

	switch {
	case se.Type == stripe.ErrorTypeCard:
		gwErr.Kind = escrow.KindDeclined
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		// Rate-limited requests are rejected before any processing.
		gwErr.Kind = escrow.KindTransient
	case se.Type == stripe.ErrorTypeInvalidRequest, se.Type == stripe.ErrorTypeIdempotency:
		gwErr.Kind = escrow.KindValidation
	case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 0:
		gwErr.Kind = unknownKind(moneyMoving)
	default:
		gwErr.Kind = escrow.KindValidation
	}
	return gwErr
}

func unknownKind(moneyMoving bool) escrow.ErrorKind {
	if moneyMoving {
		return escrow.KindAmbiguous
	}
	return escrow.KindTransient
}

func businessType(p escrow.RunnerProfile) string {
	if p.BusinessType != "" {
		return p.BusinessType
	}
	return string(stripe.AccountBusinessTypeIndividual)
}

func individual(p escrow.RunnerProfile) *stripe.PersonParams {
	person := &stripe.PersonParams{
		FirstName: stripe.String(p.FirstName),
		LastName:  stripe.String(p.LastName),
		Email:     stripe.String(p.Email),
		Phone:     optional(p.Phone),
		IDNumber:  stripe.String(p.GovernmentID),
		DOB: &stripe.PersonDOBParams{
			Day:   stripe.Int64(int64(p.DateOfBirth.Day)),
			Month: stripe.Int64(int64(p.DateOfBirth.Month)),
			Year:  stripe.Int64(int64(p.DateOfBirth.Year)),
		},
		Address: &stripe.AddressParams{
			Line1:      stripe.String(p.Address.Line1),
			Line2:      optional(p.Address.Line2),
			City:       optional(p.Address.City),
			State:      optional(p.Address.State),
			PostalCode: stripe.String(p.Address.PostalCode),
			Country:    stripe.String(p.Address.Country),
		},
	}
	if len(p.FullNameAliases) > 0 {
		person.FullNameAliases = stripe.StringSlice(p.FullNameAliases)
	}
	return person
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return stripe.String(s)
}
