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
			Name: "O1_single_finalized_entry",
			SQL: `SELECT contract_id, COUNT(*) FROM status_ledger
                  WHERE name = 'finalized'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_refused_entry",
			SQL: `SELECT contract_id, COUNT(*) FROM status_ledger
                  WHERE name = 'refused'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_finalized_requires_parking",
			SQL: `SELECT f.contract_id FROM status_ledger f
                  WHERE f.name = 'finalized'
                    AND NOT EXISTS (
                        SELECT 1 FROM status_ledger p
                        WHERE p.contract_id = f.contract_id
                          AND p.name IN ('awaiting_paid_confirmation','awaiting_endorsement_confirmation'))`,
		},
		{
			Name: "O4_product_status_mirrors_ledger",
			SQL: `SELECT p.id, p.status, l.name FROM products p
                  JOIN LATERAL (
                      SELECT name FROM status_ledger
                      WHERE contract_id = p.contract_id
                      ORDER BY id DESC LIMIT 1) l ON true
                  WHERE p.status <> l.name`,
		},
		{
			Name: "O5_refused_after_finalized",
			SQL: `SELECT r.contract_id FROM status_ledger r
                  JOIN status_ledger f ON f.contract_id = r.contract_id AND f.name = 'finalized'
                  WHERE r.name = 'refused' AND r.id > f.id`,
		},
		{
			Name: "O6_outbox_retry_cap",
			SQL:  `SELECT id, topic, attempts FROM outbox WHERE status = 'pending' AND attempts >= 3`,
		},
		{
			Name: "O7_proposal_key_unique",
			SQL: `SELECT proposal_key, COUNT(*) FROM products
                  WHERE proposal_key <> ''
                  GROUP BY proposal_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_duplicate_settlement_parking",
			SQL: `SELECT contract_id, name, COUNT(*) FROM status_ledger
                  WHERE name IN ('awaiting_paid_confirmation','awaiting_endorsement_confirmation')
                  GROUP BY contract_id, name HAVING COUNT(*) > 1`,
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
