package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"consignflow/eligibility"
	"consignflow/recalc"
)

// Client is the borrower; benefit fields come from the payroll registry.
type Client struct {
	ID               int64
	CPF              string
	Name             string
	Phone            string
	BirthDate        time.Time
	BenefitSpecies   int
	BenefitGrantDate *time.Time
	MonthsOnBenefit  int
}

func (r *Repository) GetClient(ctx context.Context, q Querier, id int64) (Client, error) {
	var cl Client
	err := q.QueryRow(ctx, `
SELECT id, cpf, name, phone, birth_date, benefit_species, benefit_grant_date, months_on_benefit
FROM clients WHERE id=$1
`, id).Scan(&cl.ID, &cl.CPF, &cl.Name, &cl.Phone, &cl.BirthDate, &cl.BenefitSpecies, &cl.BenefitGrantDate, &cl.MonthsOnBenefit)
	if errors.Is(err, pgx.ErrNoRows) {
		return Client{}, fmt.Errorf("contract: client %d: %w", id, ErrContractNotFound)
	}
	if err != nil {
		return Client{}, fmt.Errorf("contract: scan client: %w", err)
	}
	return cl, nil
}

// GetPolicyParams loads the per-product policy bounds used by the
// recalculation engine and the corban decision table.
func (r *Repository) GetPolicyParams(ctx context.Context, q Querier, t ProductType) (recalc.Policy, error) {
	var p recalc.Policy
	err := q.QueryRow(ctx, `
SELECT rate_min, rate_max, installment_min, installment_max, safety_margin,
       recalc_rate_floor, min_loan_amount, max_loan_amount, min_change_amount,
       max_auto_approve_pct, max_pend_pct
FROM policy_params WHERE product_type=$1
`, string(t)).Scan(&p.RateMin, &p.RateMax, &p.InstallmentMin, &p.InstallmentMax, &p.SafetyMargin,
		&p.RecalcRateFloor, &p.MinLoanAmount, &p.MaxLoanAmount, &p.MinChangeAmount,
		&p.MaxAutoApprovePct, &p.MaxPendPct)
	if errors.Is(err, pgx.ErrNoRows) {
		return recalc.Policy{}, fmt.Errorf("contract: no policy params for product %s", t)
	}
	if err != nil {
		return recalc.Policy{}, fmt.Errorf("contract: scan policy params: %w", err)
	}
	return p, nil
}

// GetAgeBands loads the configured age/term/amount bands.
func (r *Repository) GetAgeBands(ctx context.Context, q Querier) ([]eligibility.AgeBand, error) {
	rows, err := q.Query(ctx, `
SELECT age_min, age_max, term_min, term_max, amount_min, amount_max
FROM age_bands ORDER BY age_min
`)
	if err != nil {
		return nil, fmt.Errorf("contract: query age bands: %w", err)
	}
	defer rows.Close()

	var bands []eligibility.AgeBand
	for rows.Next() {
		var b eligibility.AgeBand
		if err := rows.Scan(&b.AgeMin, &b.AgeMax, &b.TermMin, &b.TermMax, &b.AmountMin, &b.AmountMax); err != nil {
			return nil, fmt.Errorf("contract: scan age band: %w", err)
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

// GetRateTiers returns the available product rates at or below the given
// rate, descending. The last tier is the lowest configured rate.
func (r *Repository) GetRateTiers(ctx context.Context, q Querier, t ProductType, atOrBelow decimal.Decimal) ([]decimal.Decimal, error) {
	rows, err := q.Query(ctx, `
SELECT rate FROM rate_tiers
WHERE product_type=$1 AND rate <= $2
ORDER BY rate DESC
`, string(t), atOrBelow)
	if err != nil {
		return nil, fmt.Errorf("contract: query rate tiers: %w", err)
	}
	defer rows.Close()

	var tiers []decimal.Decimal
	for rows.Next() {
		var d decimal.Decimal
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("contract: scan rate tier: %w", err)
		}
		tiers = append(tiers, d)
	}
	return tiers, rows.Err()
}
