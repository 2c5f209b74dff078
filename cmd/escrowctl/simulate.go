package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"escrowflow/config"
	"escrowflow/escrow"
	"escrowflow/gateway"
)

type simulateOptions struct {
	RunnerID      string
	Email         string
	PaymentMethod string
	Amount        int64
	Currency      string
	TopUp         int64
	SettleWait    time.Duration
}

func simulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one escrow end to end against the configured gateway",
		Long: `Run one escrow end to end: optionally top up the platform balance, onboard
a runner, capture the buyer payment, confirm delivery and release the payout.
Each returned transaction is printed as JSON. Nothing is written to the database.

Examples:
  escrowctl simulate
  GATEWAY_PROVIDER=stripe STRIPE_API_KEY=sk_test_... escrowctl simulate --top-up 1000000 --settle-wait 3s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.Currency == "" {
				opts.Currency = cfg.Currency
			}
			fees, err := cfg.FeePolicy()
			if err != nil {
				return err
			}
			provider, err := cfg.NewGateway()
			if err != nil {
				return err
			}
			logger := cfg.Logger(os.Stderr)
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), logger, provider, gateway.WithRetry(provider, cfg.Retry, logger), fees, opts)
		},
	}
	cmd.Flags().StringVar(&opts.RunnerID, "runner-id", "runner-sg-001", "runner identifier")
	cmd.Flags().StringVar(&opts.Email, "email", "junwei.png@example.com", "runner email")
	cmd.Flags().StringVar(&opts.PaymentMethod, "payment-method", "pm_card_visa", "buyer payment method")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 1000, "buyer charge in minor units")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO 4217 currency (defaults to the configured currency)")
	cmd.Flags().Int64Var(&opts.TopUp, "top-up", 0, "credit the platform balance by this amount first")
	cmd.Flags().DurationVar(&opts.SettleWait, "settle-wait", 0, "pause between delivery confirmation and release")
	return cmd
}

type simulateStep struct {
	Step        string              `json:"step"`
	Reference   string              `json:"reference,omitempty"`
	Transaction *escrow.Transaction `json:"transaction,omitempty"`
}

// runSimulate drives the orchestrator directly. provider is used only for
// the top-up; gw is what the orchestrator calls.
func runSimulate(ctx context.Context, out io.Writer, logger *slog.Logger, provider config.Provider, gw escrow.Gateway, fees escrow.FeePolicy, opts simulateOptions) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	emit := func(step string, tx *escrow.Transaction) error {
		snap := tx.Snapshot()
		return enc.Encode(simulateStep{Step: step, Transaction: &snap})
	}

	currency, err := escrow.NormalizeCurrency(opts.Currency)
	if err != nil {
		return err
	}

	if opts.TopUp > 0 {
		ref, err := provider.TopUpBalance(ctx, opts.TopUp, currency)
		if err != nil {
			return fmt.Errorf("top up platform balance: %w", err)
		}
		if err := enc.Encode(simulateStep{Step: "top_up", Reference: ref}); err != nil {
			return err
		}
	}

	orch := escrow.NewOrchestrator(gw, fees, escrow.WithLogger(logger))
	tx, err := orch.NewTransaction(opts.RunnerID)
	if err != nil {
		return err
	}
	if err := emit("created", tx); err != nil {
		return err
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"runner_onboarded", func() error { return orch.OnboardRunner(ctx, tx, sampleRunnerProfile(opts.Email, time.Now().UTC())) }},
		{"funds_held", func() error {
			return orch.HoldFunds(ctx, tx, escrow.HoldRequest{PaymentMethod: opts.PaymentMethod, Amount: opts.Amount, Currency: currency})
		}},
		{"delivery_confirmed", func() error { return orch.ConfirmDelivery(ctx, tx) }},
		{"funds_released", func() error {
			if opts.SettleWait > 0 {
				select {
				case <-time.After(opts.SettleWait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return orch.ReleaseFunds(ctx, tx)
		}},
	}
	for _, step := range steps {
		stepErr := step.run()
		if err := emit(step.name, tx); err != nil {
			return err
		}
		if stepErr != nil {
			return fmt.Errorf("%s: %w", step.name, stepErr)
		}
	}
	return nil
}

// sampleRunnerProfile is a test-mode Singapore individual that processors
// accept without further verification.
func sampleRunnerProfile(email string, now time.Time) escrow.RunnerProfile {
	return escrow.RunnerProfile{
		FirstName:       "Jun Wei",
		LastName:        "Png",
		FullNameAliases: []string{"Ah Kow Tan", "A.K. Tan"},
		Email:           email,
		Phone:           "+6581234567",
		Country:         "SG",
		Nationality:     "SG",
		DateOfBirth:     escrow.Date{Year: 1990, Month: 1, Day: 1},
		GovernmentID:    "S0000000Z",
		Address: escrow.Address{
			Line1:      "10 Collyer Quay",
			City:       "Singapore",
			PostalCode: "049315",
			Country:    "SG",
		},
		BusinessType:         "individual",
		MerchantCategoryCode: "5734",
		BusinessURL:          "https://accessible.stripe.com",
		ProductDescription:   "Delivery Services SG",
		ExternalAccountToken: "btok_sg",
		Terms:                escrow.TermsAcceptance{AcceptedAt: now, IP: "127.0.0.1"},
	}
}
