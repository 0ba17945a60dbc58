package recalc

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func corbanPolicy() Policy {
	return Policy{
		MinLoanAmount:     dec("500"),
		MinChangeAmount:   dec("50"),
		MaxAutoApprovePct: dec("5"),
		MaxPendPct:        dec("10"),
	}
}

func TestDecideCorban(t *testing.T) {
	pol := corbanPolicy()
	cases := []struct {
		name     string
		in       CorbanInput
		decision Decision
	}{
		{"total below loan minimum", CorbanInput{NewTotal: dec("400"), NewChange: dec("900"), OriginalChange: dec("1000")}, DecisionRefused},
		{"change below change minimum", CorbanInput{NewTotal: dec("5000"), NewChange: dec("40"), OriginalChange: dec("1000")}, DecisionRefused},
		{"change grew", CorbanInput{NewTotal: dec("5000"), NewChange: dec("1100"), OriginalChange: dec("1000")}, DecisionApproved},
		{"change unchanged", CorbanInput{NewTotal: dec("5000"), NewChange: dec("1000"), OriginalChange: dec("1000")}, DecisionApproved},
		{"reduction at auto-approve limit", CorbanInput{NewTotal: dec("5000"), NewChange: dec("950"), OriginalChange: dec("1000")}, DecisionApproved},
		{"reduction between limits pends", CorbanInput{NewTotal: dec("5000"), NewChange: dec("930"), OriginalChange: dec("1000")}, DecisionPended},
		{"reduction at pend limit", CorbanInput{NewTotal: dec("5000"), NewChange: dec("900"), OriginalChange: dec("1000")}, DecisionPended},
		{"reduction above pend limit", CorbanInput{NewTotal: dec("5000"), NewChange: dec("890"), OriginalChange: dec("1000")}, DecisionRefused},
	}
	for _, tc := range cases {
		out := DecideCorban(tc.in, pol)
		if out.Decision != tc.decision {
			t.Errorf("%s: expected %s, got %s (%s)", tc.name, tc.decision, out.Decision, out.Reason)
		}
	}
}

func refinInput(quotes map[string]RefinTerms) RefinInput {
	return RefinInput{
		OriginalChange: dec("1000"),
		Tiers:          []decimal.Decimal{dec("0.020"), dec("0.018"), dec("0.015")},
		Policy:         corbanPolicy(),
		Quote: func(_ context.Context, rate decimal.Decimal) (RefinTerms, error) {
			return quotes[rate.String()], nil
		},
		Validate: func(context.Context, decimal.Decimal, RefinTerms) (bool, string) {
			return true, ""
		},
	}
}

func TestRecalculateRefinancing_RefusalFallsThroughToNextTier(t *testing.T) {
	in := refinInput(map[string]RefinTerms{
		"0.02":  {Total: dec("5000"), Change: dec("800"), Installment: dec("210")},  // 20% reduction, refused
		"0.018": {Total: dec("5000"), Change: dec("930"), Installment: dec("195")},  // 7% reduction, pended
		"0.015": {Total: dec("5000"), Change: dec("1000"), Installment: dec("170")}, // never reached
	})

	out, rate, err := newTestEngine().RecalculateRefinancing(context.Background(), in)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if out.Decision != DecisionPended {
		t.Fatalf("expected pended, got %s (%s)", out.Decision, out.Reason)
	}
	if !rate.Equal(dec("0.018")) {
		t.Fatalf("expected walk to stop at 0.018, got %s", rate)
	}
	if !out.Installment.Equal(dec("195")) {
		t.Fatalf("expected installment 195, got %s", out.Installment)
	}
}

func TestRecalculateRefinancing_FirstTierApproves(t *testing.T) {
	in := refinInput(map[string]RefinTerms{
		"0.02":  {Total: dec("5000"), Change: dec("1100"), Installment: dec("210")},
		"0.018": {Total: dec("5000"), Change: dec("1200"), Installment: dec("195")},
		"0.015": {Total: dec("5000"), Change: dec("1300"), Installment: dec("170")},
	})

	out, rate, err := newTestEngine().RecalculateRefinancing(context.Background(), in)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if out.Decision != DecisionApproved || !rate.Equal(dec("0.02")) {
		t.Fatalf("expected approval at first tier, got %s at %s", out.Decision, rate)
	}
}

func TestRecalculateRefinancing_MinimumTierDecidesUnconditionally(t *testing.T) {
	in := refinInput(map[string]RefinTerms{
		"0.02":  {Total: dec("5000"), Change: dec("20"), Installment: dec("210")},
		"0.018": {Total: dec("5000"), Change: dec("10"), Installment: dec("195")},
		"0.015": {Total: dec("5000"), Change: dec("5"), Installment: dec("170")},
	})

	out, rate, err := newTestEngine().RecalculateRefinancing(context.Background(), in)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if out.Decision != DecisionRefused {
		t.Fatalf("expected refusal at minimum tier, got %s", out.Decision)
	}
	if !rate.Equal(dec("0.015")) {
		t.Fatalf("expected minimum tier rate, got %s", rate)
	}
}

func TestRecalculateRefinancing_ValidatorFailure(t *testing.T) {
	in := refinInput(map[string]RefinTerms{
		"0.02":  {Total: dec("5000"), Change: dec("1100"), Installment: dec("210")},
		"0.018": {Total: dec("5000"), Change: dec("1100"), Installment: dec("195")},
		"0.015": {Total: dec("5000"), Change: dec("1100"), Installment: dec("170")},
	})
	in.Validate = func(_ context.Context, rate decimal.Decimal, _ RefinTerms) (bool, string) {
		if rate.Equal(dec("0.018")) {
			return true, ""
		}
		return false, "term exceeds age band"
	}

	out, rate, err := newTestEngine().RecalculateRefinancing(context.Background(), in)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if out.Decision != DecisionApproved || !rate.Equal(dec("0.018")) {
		t.Fatalf("expected approval at 0.018 after validator skip, got %s at %s", out.Decision, rate)
	}

	// Validator failing at the minimum tier refuses with its reason.
	in.Validate = func(context.Context, decimal.Decimal, RefinTerms) (bool, string) {
		return false, "term exceeds age band"
	}
	out, rate, err = newTestEngine().RecalculateRefinancing(context.Background(), in)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if out.Decision != DecisionRefused || out.Reason != "term exceeds age band" {
		t.Fatalf("expected validator refusal at minimum tier, got %s (%s)", out.Decision, out.Reason)
	}
	if !rate.Equal(dec("0.015")) {
		t.Fatalf("expected minimum tier rate, got %s", rate)
	}
}

func TestRecalculateRefinancing_NoTiers(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	_, _, err := engine.RecalculateRefinancing(context.Background(), RefinInput{})
	if err == nil {
		t.Fatal("expected error for empty tier list")
	}
}

func TestRecalculateRefinancing_QuoteError(t *testing.T) {
	quoteErr := errors.New("partner down")
	in := refinInput(nil)
	in.Quote = func(context.Context, decimal.Decimal) (RefinTerms, error) {
		return RefinTerms{}, quoteErr
	}
	_, _, err := newTestEngine().RecalculateRefinancing(context.Background(), in)
	if !errors.Is(err, quoteErr) {
		t.Fatalf("expected quote error, got %v", err)
	}
}
