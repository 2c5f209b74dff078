package config

import (
	"context"
	"fmt"

	"escrowflow/escrow"
	"escrowflow/gateway/sandbox"
	"escrowflow/gateway/stripegw"
)

// Provider is a payment gateway that can also fund the platform balance
// directly, which test-mode flows need before the first payout.
type Provider interface {
	escrow.Gateway
	TopUpBalance(ctx context.Context, amount int64, currency string) (string, error)
}

// NewGateway builds the configured provider. Callers wrap it with
// gateway.WithRetry before handing it to the orchestrator.
func (c Config) NewGateway() (Provider, error) {
	switch c.GatewayProvider {
	case ProviderStripe:
		gw, err := stripegw.New(c.StripeAPIKey)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return gw, nil
	case ProviderSandbox, "":
		return sandbox.New(), nil
	default:
		return nil, fmt.Errorf("config: unknown gateway provider %q", c.GatewayProvider)
	}
}
