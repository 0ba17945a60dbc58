// Package recalc finds a policy-compliant (rate, installment) pair when
// the balance confirmed by the financial partner differs from the balance
// typed at origination, and classifies the result for corban-desk action.
package recalc

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Decision classifies a recalculation outcome.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionPended   Decision = "pended"
	DecisionRefused  Decision = "refused"
)

// Outcome is the tagged result of a recalculation run. Rate and
// Installment are meaningful only when Decision is Approved or Pended.
type Outcome struct {
	Decision    Decision
	Rate        decimal.Decimal
	Installment decimal.Decimal
	Reason      string
}

// Quote is the partner's pricing of one (rate, term, balance) triple.
type Quote struct {
	Installment decimal.Decimal
	AnnualCET   decimal.Decimal
}

// QuoteFunc delegates pricing to the partner simulate endpoint. Rates are
// monthly fractions, e.g. 0.018 for 1.8% a month.
type QuoteFunc func(ctx context.Context, rate decimal.Decimal, termMonths int, balance decimal.Decimal) (Quote, error)

// Policy bounds the search. RecalcRateFloor, when set, replaces RateMin
// for the search only.
type Policy struct {
	RateMin         decimal.Decimal
	RateMax         decimal.Decimal
	InstallmentMin  decimal.Decimal
	InstallmentMax  decimal.Decimal
	SafetyMargin    decimal.Decimal
	RecalcRateFloor *decimal.Decimal

	MinLoanAmount     decimal.Decimal
	MaxLoanAmount     decimal.Decimal
	MinChangeAmount   decimal.Decimal
	MaxAutoApprovePct decimal.Decimal
	MaxPendPct        decimal.Decimal
}

func (p Policy) rateFloor() decimal.Decimal {
	if p.RecalcRateFloor != nil {
		return *p.RecalcRateFloor
	}
	return p.RateMin
}

// Input is one recalculation request.
type Input struct {
	TypedBalance     decimal.Decimal
	ConfirmedBalance decimal.Decimal
	TypedRate        decimal.Decimal
	TypedInstallment decimal.Decimal
	TermMonths       int
	Policy           Policy
}

var (
	coarseStep = decimal.RequireFromString("0.001")
	fineStep   = decimal.RequireFromString("0.0001")
)

// ErrIterationCap is returned when the search loops past its bound, which
// only happens when the quote function is not monotonic in the rate.
var ErrIterationCap = errors.New("recalc: rate search exceeded iteration cap")

const roundPlaces = 4

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(roundPlaces)
}

type Engine struct {
	quote  QuoteFunc
	logger *zap.Logger
}

func NewEngine(quote QuoteFunc, logger *zap.Logger) *Engine {
	return &Engine{quote: quote, logger: logger}
}

func (e *Engine) installmentAt(ctx context.Context, rate decimal.Decimal, in Input) (decimal.Decimal, error) {
	q, err := e.quote(ctx, round(rate), in.TermMonths, in.ConfirmedBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recalc: quote at rate %s: %w", round(rate), err)
	}
	return round(q.Installment), nil
}

// iterationCap bounds every loop by the number of fine steps that fit in
// the full rate interval, plus slack for the coarse pass.
func (in Input) iterationCap() int {
	span := in.Policy.RateMax.Sub(in.Policy.rateFloor())
	steps := span.Div(fineStep).IntPart()
	return int(steps) + 20
}

// Run searches for a compliant pair. It never loops unboundedly: each
// phase carries the iteration cap and fails loudly when exceeded.
func (e *Engine) Run(ctx context.Context, in Input) (Outcome, error) {
	confirmed := round(in.ConfirmedBalance)
	typed := round(in.TypedBalance)

	var (
		out Outcome
		err error
	)
	switch {
	case confirmed.Equal(typed):
		out = Outcome{
			Decision:    DecisionApproved,
			Rate:        round(in.TypedRate),
			Installment: round(in.TypedInstallment),
		}
	case confirmed.LessThan(typed):
		out, err = e.runLowerBalance(ctx, in)
	default:
		out, err = e.runHigherBalance(ctx, in)
	}
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Info("recalculation finished",
		zap.String("decision", string(out.Decision)),
		zap.String("rate", out.Rate.String()),
		zap.String("installment", out.Installment.String()),
		zap.String("reason", out.Reason))
	return out, nil
}

// ceiling is the installment the recalculated contract may not exceed.
func (in Input) ceiling() decimal.Decimal {
	return round(in.TypedInstallment.Sub(in.Policy.SafetyMargin))
}

// runLowerBalance handles a confirmed balance below the typed one: raise
// the rate until the installment reaches the policy minimum, then make
// sure it still fits under the safety ceiling, lowering the rate if not.
func (e *Engine) runLowerBalance(ctx context.Context, in Input) (Outcome, error) {
	pol := in.Policy
	limit := in.iterationCap()

	atMax, err := e.installmentAt(ctx, pol.RateMax, in)
	if err != nil {
		return Outcome{}, err
	}
	if atMax.LessThan(pol.InstallmentMin) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("installment %s below minimum installment %s even at maximum rate %s", atMax, pol.InstallmentMin, round(pol.RateMax)),
		}, nil
	}

	// Coarse ascent from the typed rate until the minimum installment is
	// reached, then a fine pass from one coarse step back to find the
	// minimal compliant rate.
	rate, installment, err := e.ascendTo(ctx, in, round(in.TypedRate), pol.RateMax, pol.InstallmentMin, coarseStep, limit)
	if err != nil {
		return Outcome{}, err
	}
	if rate.GreaterThan(round(in.TypedRate)) {
		fineStart := rate.Sub(coarseStep)
		if fineStart.LessThan(round(in.TypedRate)) {
			fineStart = round(in.TypedRate)
		}
		rate, installment, err = e.ascendTo(ctx, in, fineStart, pol.RateMax, pol.InstallmentMin, fineStep, limit)
		if err != nil {
			return Outcome{}, err
		}
	}

	ceiling := in.ceiling()
	if installment.LessThanOrEqual(ceiling) {
		return Outcome{Decision: DecisionApproved, Rate: rate, Installment: installment}, nil
	}

	// Over the ceiling: descend toward the rate floor looking for an
	// installment at or under it.
	floor := round(pol.rateFloor())
	rate, installment, err = e.descendTo(ctx, in, rate, floor, ceiling, limit)
	if err != nil {
		return Outcome{}, err
	}
	if installment.GreaterThan(ceiling) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("installment %s exceeds ceiling %s even at minimum rate %s", installment, ceiling, floor),
		}, nil
	}
	if installment.LessThan(pol.InstallmentMin) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("installment %s below minimum installment %s after ceiling adjustment", installment, pol.InstallmentMin),
		}, nil
	}
	return Outcome{Decision: DecisionApproved, Rate: rate, Installment: installment}, nil
}

// runHigherBalance handles a confirmed balance above the typed one: the
// installment must come down to the ceiling, so the rate only moves toward
// the floor. The floor is pre-tested so an impossible search refuses
// immediately instead of walking the whole interval.
func (e *Engine) runHigherBalance(ctx context.Context, in Input) (Outcome, error) {
	pol := in.Policy
	limit := in.iterationCap()
	ceiling := in.ceiling()
	floor := round(pol.rateFloor())

	atFloor, err := e.installmentAt(ctx, floor, in)
	if err != nil {
		return Outcome{}, err
	}
	if atFloor.GreaterThan(pol.InstallmentMax) || atFloor.GreaterThan(ceiling) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("installment %s cannot reach ceiling %s even at minimum rate %s", atFloor, ceiling, floor),
		}, nil
	}

	rate, installment, err := e.descendTo(ctx, in, round(in.TypedRate), floor, ceiling, limit)
	if err != nil {
		return Outcome{}, err
	}
	if installment.GreaterThan(ceiling) {
		return Outcome{
			Decision: DecisionRefused,
			Reason:   fmt.Sprintf("installment %s exceeds ceiling %s at minimum rate %s", installment, ceiling, floor),
		}, nil
	}
	return Outcome{Decision: DecisionApproved, Rate: rate, Installment: installment}, nil
}

// ascendTo raises the rate by step until the quoted installment reaches
// target or the rate hits max. Returns the first compliant point, or the
// capped point at max.
func (e *Engine) ascendTo(ctx context.Context, in Input, start, max, target, step decimal.Decimal, limit int) (decimal.Decimal, decimal.Decimal, error) {
	rate := round(start)
	max = round(max)
	for i := 0; ; i++ {
		if i > limit {
			return decimal.Zero, decimal.Zero, ErrIterationCap
		}
		installment, err := e.installmentAt(ctx, rate, in)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if installment.GreaterThanOrEqual(target) || rate.GreaterThanOrEqual(max) {
			return rate, installment, nil
		}
		rate = round(rate.Add(step))
		if rate.GreaterThan(max) {
			rate = max
		}
	}
}

// descendTo lowers the rate until the quoted installment drops to bound or
// the rate hits floor, first in coarse steps, then refining with fine
// steps from one coarse step above the bracket. The result is the maximal
// rate (at fine granularity) whose installment is at or under bound, when
// one exists in [floor, start].
func (e *Engine) descendTo(ctx context.Context, in Input, start, floor, bound decimal.Decimal, limit int) (decimal.Decimal, decimal.Decimal, error) {
	rate, installment, err := e.descendStep(ctx, in, round(start), floor, bound, coarseStep, limit)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if installment.GreaterThan(bound) {
		// Floor reached while still over the bound; caller refuses.
		return rate, installment, nil
	}
	if rate.Equal(round(start)) {
		return rate, installment, nil
	}
	fineStart := round(rate.Add(coarseStep))
	if fineStart.GreaterThan(round(start)) {
		fineStart = round(start)
	}
	return e.descendStep(ctx, in, fineStart, floor, bound, fineStep, limit)
}

func (e *Engine) descendStep(ctx context.Context, in Input, start, floor, bound, step decimal.Decimal, limit int) (decimal.Decimal, decimal.Decimal, error) {
	rate := round(start)
	floor = round(floor)
	for i := 0; ; i++ {
		if i > limit {
			return decimal.Zero, decimal.Zero, ErrIterationCap
		}
		installment, err := e.installmentAt(ctx, rate, in)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if installment.LessThanOrEqual(bound) || rate.LessThanOrEqual(floor) {
			return rate, installment, nil
		}
		rate = round(rate.Sub(step))
		if rate.LessThan(floor) {
			rate = floor
		}
	}
}
