package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants checked while the stress actors run. Each query
// returns rows only when its invariant is broken.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_split_sums_to_charge",
			SQL: `SELECT id, buyer_charge_amount, runner_payout_amount, platform_fee_amount
                  FROM escrow_transactions
                  WHERE runner_payout_amount IS NOT NULL
                    AND (runner_payout_amount < 0 OR platform_fee_amount < 0
                         OR runner_payout_amount + platform_fee_amount <> buyer_charge_amount)`,
		},
		{
			Name: "O2_one_timeline_event_per_version",
			SQL: `SELECT t.id, t.version, COUNT(e.id) AS events
                  FROM escrow_transactions t
                  LEFT JOIN escrow_timeline_events e ON e.transaction_id = t.id
                  GROUP BY t.id, t.version
                  HAVING COUNT(e.id) <> t.version + 1`,
		},
		{
			Name: "O3_outbox_for_every_transition",
			SQL: `SELECT t.id, t.version, COUNT(o.id) AS messages
                  FROM escrow_transactions t
                  LEFT JOIN outbox o ON o.partition_key = t.id::text
                  GROUP BY t.id, t.version
                  HAVING COUNT(o.id) < t.version + 1`,
		},
		{
			Name: "O4_transfer_only_when_released",
			SQL: `SELECT id, state FROM escrow_transactions
                  WHERE (state = 'funds_released') <> (transfer_reference IS NOT NULL)`,
		},
		{
			Name: "O5_unique_gateway_references",
			SQL: `SELECT ref FROM (
                      SELECT charge_reference AS ref FROM escrow_transactions WHERE charge_reference IS NOT NULL
                      UNION ALL
                      SELECT transfer_reference FROM escrow_transactions WHERE transfer_reference IS NOT NULL
                  ) refs
                  GROUP BY ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_late_failure_flags_captured_funds",
			SQL: `SELECT id, failure_stage FROM escrow_transactions
                  WHERE state = 'failed'
                    AND failure_stage IN ('delivery_confirmation', 'release')
                    AND NOT requires_reconciliation`,
		},
		{
			Name: "O7_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE published_at IS NULL AND dead_lettered_at IS NULL
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_timeline_append_only_guard",
			SQL: `SELECT 'missing_timeline_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_timeline_events_no_update')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
