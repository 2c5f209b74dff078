package stripegw

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"

	"escrowflow/escrow"
)

func TestCreatePayeeAccount_BuildsCustomAccount(t *testing.T) {
	accounts := &fakeAccounts{}
	gw := &Gateway{accounts: accounts}

	profile := escrow.RunnerProfile{
		FirstName:            "Jun Wei",
		LastName:             "Png",
		FullNameAliases:      []string{"Ah Kow Tan"},
		Email:                "junwei@example.com",
		Country:              "SG",
		DateOfBirth:          escrow.Date{Year: 1990, Month: 1, Day: 1},
		GovernmentID:         "S0000000Z",
		Address:              escrow.Address{Line1: "10 Collyer Quay", PostalCode: "049315", City: "Singapore", Country: "SG"},
		MerchantCategoryCode: "5734",
		ExternalAccountToken: "btok_sg",
		Terms:                escrow.TermsAcceptance{AcceptedAt: time.Unix(1714521600, 0), IP: "127.0.0.1"},
	}

	id, err := gw.CreatePayeeAccount(context.Background(), escrow.PayeeAccountRequest{Profile: profile, IdempotencyKey: "tx-1:onboarding"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "acct_test" {
		t.Fatalf("unexpected id %q", id)
	}

	p := accounts.params
	if *p.Type != "custom" || *p.Country != "SG" || *p.BusinessType != "individual" {
		t.Fatalf("unexpected account params: type=%s country=%s business=%s", *p.Type, *p.Country, *p.BusinessType)
	}
	if !*p.Capabilities.Transfers.Requested || !*p.Capabilities.CardPayments.Requested {
		t.Fatal("expected transfers and card_payments capabilities")
	}
	if *p.Individual.IDNumber != "S0000000Z" || *p.Individual.DOB.Year != 1990 {
		t.Fatal("identity not passed through")
	}
	if *p.TOSAcceptance.Date != 1714521600 || *p.TOSAcceptance.IP != "127.0.0.1" {
		t.Fatal("terms acceptance not passed through")
	}
	if *p.BusinessProfile.MCC != "5734" || p.BusinessProfile.URL != nil {
		t.Fatal("unexpected business profile")
	}
	if p.ExternalAccount == nil || *p.ExternalAccount.Token != "btok_sg" {
		t.Fatal("external account token missing")
	}
	if p.IdempotencyKey == nil || *p.IdempotencyKey != "tx-1:onboarding" {
		t.Fatalf("unexpected idempotency key %v", p.IdempotencyKey)
	}
}

func TestCapturePayment(t *testing.T) {
	intents := &fakeIntents{result: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}}
	gw := &Gateway{intents: intents}

	ref, err := gw.CapturePayment(context.Background(), escrow.CaptureRequest{
		Amount: 1000, Currency: "sgd", PaymentMethod: "pm_card_visa", IdempotencyKey: "tx-1:hold",
	})
	if err != nil || ref != "pi_1" {
		t.Fatalf("capture: ref=%q err=%v", ref, err)
	}
	p := intents.params
	if *p.Amount != 1000 || *p.Currency != "sgd" || !*p.Confirm || *p.PaymentMethod != "pm_card_visa" {
		t.Fatal("unexpected payment intent params")
	}
	if p.IdempotencyKey == nil || *p.IdempotencyKey != "tx-1:hold" {
		t.Fatal("idempotency key not forwarded")
	}
}

func TestCapturePayment_NonSucceededStatus(t *testing.T) {
	gw := &Gateway{intents: &fakeIntents{result: &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresAction}}}
	_, err := gw.CapturePayment(context.Background(), escrow.CaptureRequest{Amount: 1000, Currency: "sgd", PaymentMethod: "pm"})
	if !errors.Is(err, escrow.ErrDeclined) {
		t.Fatalf("expected declined for requires_action, got %v", err)
	}

	gw = &Gateway{intents: &fakeIntents{result: &stripe.PaymentIntent{ID: "pi_3", Status: stripe.PaymentIntentStatusProcessing}}}
	_, err = gw.CapturePayment(context.Background(), escrow.CaptureRequest{Amount: 1000, Currency: "sgd", PaymentMethod: "pm"})
	if !escrow.IsAmbiguous(err) {
		t.Fatalf("expected ambiguous for processing, got %v", err)
	}
}

func TestTransferFunds(t *testing.T) {
	transfers := &fakeTransfers{}
	gw := &Gateway{transfers: transfers}

	ref, err := gw.TransferFunds(context.Background(), escrow.TransferRequest{
		Amount: 900, Currency: "sgd", DestinationAccountID: "acct_1", IdempotencyKey: "tx-1:release",
		Description: "Payout for delivered goods", TransferGroup: "tx-1",
	})
	if err != nil || ref != "tr_1" {
		t.Fatalf("transfer: ref=%q err=%v", ref, err)
	}
	p := transfers.params
	if *p.Amount != 900 || *p.Destination != "acct_1" || *p.TransferGroup != "tx-1" {
		t.Fatal("unexpected transfer params")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		moneyMoving bool
		want        escrow.ErrorKind
	}{
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds", HTTPStatusCode: 402}, true, escrow.KindDeclined},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, true, escrow.KindValidation},
		{"idempotency reuse", &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: 400}, true, escrow.KindValidation},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, true, escrow.KindTransient},
		{"server error on transfer", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, true, escrow.KindAmbiguous},
		{"server error on account", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}, false, escrow.KindTransient},
		{"network failure on capture", errors.New("read tcp: connection reset"), true, escrow.KindAmbiguous},
		{"network failure on account", errors.New("dial tcp: timeout"), false, escrow.KindTransient},
	}
	for _, c := range cases {
		err := classify("op", c.moneyMoving, c.err)
		if got := escrow.KindOf(err); got != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}

	err := classify("op", true, &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds", Msg: "Your card has insufficient funds."})
	var gwErr *escrow.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != "insufficient_funds" {
		t.Fatalf("expected decline code preserved, got %#v", err)
	}
}

type fakeAccounts struct{ params *stripe.AccountParams }

func (f *fakeAccounts) New(p *stripe.AccountParams) (*stripe.Account, error) {
	f.params = p
	return &stripe.Account{ID: "acct_test"}, nil
}

type fakeIntents struct {
	params *stripe.PaymentIntentParams
	result *stripe.PaymentIntent
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = p
	return f.result, nil
}

type fakeTransfers struct{ params *stripe.TransferParams }

func (f *fakeTransfers) New(p *stripe.TransferParams) (*stripe.Transfer, error) {
	f.params = p
	return &stripe.Transfer{ID: "tr_1"}, nil
}
