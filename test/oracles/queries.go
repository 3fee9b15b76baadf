// Package oracles holds SQL invariant checks run against the schema while the
// stress actors are live. Any returned row is a violation.
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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_live_agreement_per_ref",
			SQL: `SELECT ref, COUNT(*) FROM agreements
                  WHERE status NOT IN ('concluded','revoked')
                  GROUP BY ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_escrow_balance_non_negative",
			SQL: `SELECT agreement_id,
                         SUM(CASE entry_type
                             WHEN 'deposit' THEN amount
                             WHEN 'fee' THEN -amount
                             WHEN 'withdrawal' THEN -amount
                             ELSE 0 END) AS balance
                  FROM escrow_entries
                  GROUP BY agreement_id
                  HAVING SUM(CASE entry_type
                             WHEN 'deposit' THEN amount
                             WHEN 'fee' THEN -amount
                             WHEN 'withdrawal' THEN -amount
                             ELSE 0 END) < 0`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_ruling_exactly_once",
			SQL: `SELECT d.id FROM disputes d
                  WHERE (d.ruling <> 'pending' AND d.settled_at IS NULL)
                     OR (d.ruling = 'pending' AND d.settled_at IS NOT NULL)`,
		},
		{
			Name: "O5_releases_covered_by_deposits",
			SQL: `SELECT agreement_id FROM escrow_entries
                  GROUP BY agreement_id
                  HAVING SUM(CASE entry_type WHEN 'release' THEN amount ELSE 0 END)
                       > SUM(CASE entry_type WHEN 'deposit' THEN amount WHEN 'fee' THEN -amount ELSE 0 END)`,
		},
		{
			Name: "O6_withdrawals_covered_by_releases",
			SQL: `SELECT agreement_id, party FROM escrow_entries
                  WHERE entry_type IN ('release','withdrawal')
                  GROUP BY agreement_id, party
                  HAVING SUM(CASE entry_type WHEN 'withdrawal' THEN amount ELSE 0 END)
                       > SUM(CASE entry_type WHEN 'release' THEN amount ELSE 0 END)`,
		},
		{
			Name: "O7_ruled_dispute_concluded",
			SQL: `SELECT d.id FROM disputes d
                  JOIN agreements a ON a.id = d.agreement_id
                  WHERE d.ruling <> 'pending' AND a.status = 'disputed'`,
		},
		{
			Name: "O8_disputed_has_dispute_ref",
			SQL: `SELECT id FROM agreements
                  WHERE status = 'disputed' AND dispute_ref IS NULL`,
		},
		{
			Name: "O9_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
