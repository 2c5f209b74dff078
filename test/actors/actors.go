package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/gateway/sandbox"
)

// Mix of buyer payment methods a Buyer draws from. Visa dominates so most
// escrows reach the later stages.
var paymentMethods = []string{
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodVisa,
	sandbox.PaymentMethodDeclined,
	sandbox.PaymentMethodAmbiguous,
}

// Buyer opens escrows, onboards a fresh runner for each and captures payment.
func Buyer(ctx context.Context, svc *escrow.Service, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := svc.Start(ctx, "runner-"+uuid.NewString(), nil)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("buyer start: %w", err)
		}
		if _, err := svc.OnboardRunner(ctx, tx.ID, Profile(), nil); err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("buyer onboard %s: %w", tx.ID, err)
		}
		method := paymentMethods[rng.Intn(len(paymentMethods))]
		_, err = svc.HoldFunds(ctx, tx.ID, escrow.HoldRequest{PaymentMethod: method, Amount: 1000, Currency: "sgd"}, nil)
		if err != nil && !tolerable(err) && !isGatewayOutcome(err) {
			return fmt.Errorf("buyer hold %s: %w", tx.ID, err)
		}
		time.Sleep(time.Duration(10+rng.Intn(20)) * time.Millisecond)
	}
}

// Confirmer delivers the confirmation webhook for a random held escrow.
// Several confirmers race with the same idempotency key per escrow, so at
// most one of them may apply it.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := pick(ctx, pool, escrow.StateFundsHeld)
		if ok {
			_, err := svc.HandleDeliveryConfirmedWebhook(ctx, escrow.DeliveryConfirmation{
				TransactionID:  id,
				IdempotencyKey: "delivery-" + id,
				Source:         "stress",
			})
			if err != nil && !tolerable(err) && !errors.Is(err, escrow.ErrInvalidState) {
				return fmt.Errorf("confirm %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(15+rng.Intn(25)) * time.Millisecond)
	}
}

// Releaser pays out a random confirmed escrow. Releasers race on the same
// rows; the losers must see a precondition error, never a second transfer.
func Releaser(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := pick(ctx, pool, escrow.StateDeliveryConfirmed)
		if ok {
			_, err := svc.ReleaseFunds(ctx, id, nil)
			if err != nil && !tolerable(err) && !errors.Is(err, escrow.ErrInvalidState) && !isGatewayOutcome(err) {
				return fmt.Errorf("release %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(20+rng.Intn(30)) * time.Millisecond)
	}
}

// OutOfOrder fires operations at escrows in the wrong state and requires
// them to be rejected without changes.
func OutOfOrder(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := pick(ctx, pool, escrow.StateFundsReleased)
		if ok {
			_, err := svc.ReleaseFunds(ctx, id, nil)
			if err == nil {
				return fmt.Errorf("second release of %s succeeded", id)
			}
			if !errors.Is(err, escrow.ErrInvalidState) && !tolerable(err) {
				return fmt.Errorf("out-of-order release %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(40+rng.Intn(40)) * time.Millisecond)
	}
}

// Profile is a runner identity the sandbox accepts.
func Profile() escrow.RunnerProfile {
	return escrow.RunnerProfile{
		FirstName:    "Stress",
		LastName:     "Runner",
		Email:        "stress@example.com",
		Country:      "SG",
		GovernmentID: "S0000000Z",
		DateOfBirth:  escrow.Date{Year: 1990, Month: 1, Day: 1},
		Address:      escrow.Address{Line1: "10 Collyer Quay", PostalCode: "049315", Country: "SG"},
		Terms:        escrow.TermsAcceptance{AcceptedAt: time.Now().UTC(), IP: "127.0.0.1"},
	}
}

func pick(ctx context.Context, pool *pgxpool.Pool, state escrow.State) (string, bool) {
	var id string
	err := pool.QueryRow(ctx, `SELECT id::text FROM escrow_transactions WHERE state = $1::escrow_state ORDER BY random() LIMIT 1`, string(state)).Scan(&id)
	return id, err == nil
}

func isGatewayOutcome(err error) bool {
	var gwErr *escrow.GatewayError
	return errors.As(err, &gwErr)
}

// tolerable reports errors caused by the chaos actor killing connections or
// by shutdown.
func tolerable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, escrow.ErrValidation) &&
		!errors.Is(err, escrow.ErrInvalidState) &&
		!errors.Is(err, escrow.ErrInvariantViolation) &&
		!isGatewayOutcome(err)
}
