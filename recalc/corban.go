package recalc

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CorbanInput feeds the corban-desk decision table for one refinancing
// simulation. Change is the amount released to the client after settling
// the due balance.
type CorbanInput struct {
	NewTotal       decimal.Decimal
	NewChange      decimal.Decimal
	OriginalChange decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// DecideCorban classifies one tier simulation. Pended outcomes await a
// human corban-desk decision.
func DecideCorban(in CorbanInput, pol Policy) Outcome {
	if in.NewTotal.LessThan(pol.MinLoanAmount) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("total %s below minimum loan amount %s", round(in.NewTotal), pol.MinLoanAmount),
		}
	}
	if in.NewChange.LessThan(pol.MinChangeAmount) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("change %s below minimum change amount %s", round(in.NewChange), pol.MinChangeAmount),
		}
	}
	if in.NewChange.GreaterThanOrEqual(in.OriginalChange) {
		return Outcome{Decision: DecisionApproved}
	}

	reductionPct := round(in.OriginalChange.Sub(in.NewChange).Div(in.OriginalChange).Mul(hundred))
	switch {
	case reductionPct.LessThanOrEqual(pol.MaxAutoApprovePct):
		return Outcome{Decision: DecisionApproved}
	case reductionPct.LessThanOrEqual(pol.MaxPendPct):
		return Outcome{
			Decision: DecisionPended,
			Reason:   fmt.Sprintf("change reduced %s%%, above auto-approve limit %s%%", reductionPct, pol.MaxAutoApprovePct),
		}
	default:
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("change reduced %s%%, above pending limit %s%%", reductionPct, pol.MaxPendPct),
		}
	}
}

// RefinTerms is the partner's simulation of a refinancing at one rate tier.
type RefinTerms struct {
	Total       decimal.Decimal
	Change      decimal.Decimal
	Installment decimal.Decimal
}

// TierQuoteFunc prices the refinancing at one rate tier.
type TierQuoteFunc func(ctx context.Context, rate decimal.Decimal) (RefinTerms, error)

// TierValidator re-checks eligibility at the simulated terms; reason is
// meaningful only when ok is false.
type TierValidator func(ctx context.Context, rate decimal.Decimal, terms RefinTerms) (ok bool, reason string)

// RefinInput drives the per-tier refinancing recalculation. Tiers are the
// available product rates at or below the current rate, descending; the
// last tier is the policy minimum.
type RefinInput struct {
	OriginalChange decimal.Decimal
	Tiers          []decimal.Decimal
	Policy         Policy
	Quote          TierQuoteFunc
	Validate       TierValidator
}

// RecalculateRefinancing walks the rate tiers from the current rate down.
// Above the minimum tier only PEND and APPROVE stop the walk; refusals
// fall through to the next tier. The minimum tier decides unconditionally,
// including a refusal when the eligibility re-check fails there.
func (e *Engine) RecalculateRefinancing(ctx context.Context, in RefinInput) (Outcome, decimal.Decimal, error) {
	if len(in.Tiers) == 0 {
		return Outcome{}, decimal.Zero, fmt.Errorf("recalc: no rate tiers available")
	}

	for i, tier := range in.Tiers {
		atMinimum := i == len(in.Tiers)-1
		rate := round(tier)

		terms, err := in.Quote(ctx, rate)
		if err != nil {
			return Outcome{}, decimal.Zero, fmt.Errorf("recalc: quote refinancing tier %s: %w", rate, err)
		}

		if ok, reason := in.Validate(ctx, rate, terms); !ok {
			if atMinimum {
				return Outcome{Decision: DecisionRefused, Reason: reason}, rate, nil
			}
			continue
		}

		out := DecideCorban(CorbanInput{
			NewTotal:       terms.Total,
			NewChange:      terms.Change,
			OriginalChange: in.OriginalChange,
		}, in.Policy)
		out.Rate = rate
		out.Installment = round(terms.Installment)

		if out.Decision != DecisionRefused || atMinimum {
			e.logger.Info("refinancing recalculation decided",
				zap.String("decision", string(out.Decision)),
				zap.String("rate", rate.String()),
				zap.Bool("at_minimum_tier", atMinimum))
			return out, rate, nil
		}
	}

	// Unreachable: the minimum tier always returns.
	return Outcome{}, decimal.Zero, fmt.Errorf("recalc: tier walk exhausted without decision")
}
