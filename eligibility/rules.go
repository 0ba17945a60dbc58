// Package eligibility holds the pure policy rules evaluated against a
// candidate contract before origination and during recalculation. Every
// rule returns the same Result shape so callers can record the reason
// verbatim in the status ledger.
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Result is the uniform outcome of every rule evaluation.
type Result struct {
	Approved bool
	Reason   string
}

func approved() Result {
	return Result{Approved: true}
}

func rejected(reason string) Result {
	return Result{Approved: false, Reason: reason}
}

// Death and survivor pension species codes, the only benefit species the
// mortality rule and the species minimum age apply to.
var deathPensionSpecies = map[int]bool{
	2:  true,
	21: true,
	93: true,
}

// IsDeathPensionSpecies reports whether the benefit species carries the
// survivor-pension restrictions.
func IsDeathPensionSpecies(code int) bool {
	return deathPensionSpecies[code]
}

// SpeciesConfig carries the configured thresholds for species checks.
type SpeciesConfig struct {
	// DeathPensionMinAge is the minimum holder age for death/survivor
	// pension species. Zero disables the check.
	DeathPensionMinAge int
	// RestrictedSpecies lists species codes the product does not accept
	// at all.
	RestrictedSpecies map[int]bool
}

// EvaluateSpecies rejects benefits whose species is not accepted or whose
// holder does not meet the species minimum age.
func EvaluateSpecies(speciesCode int, holderAgeYears int, cfg SpeciesConfig) Result {
	if cfg.RestrictedSpecies[speciesCode] {
		return rejected(fmt.Sprintf("benefit species %d not accepted for this product", speciesCode))
	}
	if deathPensionSpecies[speciesCode] && cfg.DeathPensionMinAge > 0 && holderAgeYears < cfg.DeathPensionMinAge {
		return rejected(fmt.Sprintf("death/survivor pension requires minimum age %d", cfg.DeathPensionMinAge))
	}
	return approved()
}

// mortalityRegimeCutoff: benefits granted on or before this date are exempt
// from the duration table.
var mortalityRegimeCutoff = time.Date(2015, time.June, 17, 0, 0, 0, 0, time.UTC)

// Duration tables keyed by the holder age at grant. A benefit granted to a
// holder younger than the threshold lasts the paired number of years;
// holders at or above the last threshold receive a lifetime benefit.
type durationBand struct {
	ageBelow      int
	durationYears int
}

var durationsUpTo2020 = []durationBand{
	{21, 3}, {27, 6}, {30, 10}, {41, 15}, {44, 20},
}

var durationsFrom2021 = []durationBand{
	{22, 3}, {28, 6}, {31, 10}, {42, 15}, {45, 20},
}

// EvaluateMortalityRule checks whether a death/survivor pension will keep
// paying long enough to cover the requested number of installments. The
// duration table depends on when the benefit was granted. A missing grant
// date fails closed.
func EvaluateMortalityRule(speciesCode int, grantDate *time.Time, ageAtGrantYears int, monthsOnBenefit int, installments int) Result {
	if !deathPensionSpecies[speciesCode] {
		return approved()
	}
	if grantDate == nil {
		return rejected("missing grant date")
	}
	if !grantDate.After(mortalityRegimeCutoff) {
		return approved()
	}

	table := durationsUpTo2020
	if grantDate.Year() >= 2021 {
		table = durationsFrom2021
	}

	durationYears := 0
	for _, band := range table {
		if ageAtGrantYears < band.ageBelow {
			durationYears = band.durationYears
			break
		}
	}
	if durationYears == 0 {
		// Lifetime benefit, no remaining-duration constraint.
		return approved()
	}

	remaining := durationYears*12 - monthsOnBenefit
	if remaining < installments {
		return rejected(fmt.Sprintf("benefit pays %d more months, fewer than the %d requested installments", remaining, installments))
	}
	return approved()
}

// AgeBand is one row of the configured age/term/amount policy table.
// Ages use the years.months encoding, e.g. 73.02 is 73 years 2 months.
type AgeBand struct {
	AgeMin    decimal.Decimal
	AgeMax    decimal.Decimal
	TermMin   int
	TermMax   int
	AmountMin decimal.Decimal
	AmountMax decimal.Decimal
}

func (b AgeBand) matchesAge(age decimal.Decimal) bool {
	return age.GreaterThanOrEqual(b.AgeMin) && age.LessThanOrEqual(b.AgeMax)
}

// EvaluateAgeBand requires the client age to fall inside exactly one band
// and the requested term and amount to fall inside that band's ranges.
// Zero matching bands is a rejection; more than one is a configuration
// error and also rejects, loudly naming the overlap.
func EvaluateAgeBand(age decimal.Decimal, termMonths int, amount decimal.Decimal, bands []AgeBand) Result {
	var matched *AgeBand
	for i := range bands {
		if !bands[i].matchesAge(age) {
			continue
		}
		if matched != nil {
			return rejected(fmt.Sprintf("overlapping age bands configured for age %s", age))
		}
		matched = &bands[i]
	}
	if matched == nil {
		return rejected(fmt.Sprintf("no age band matches age %s", age))
	}
	if termMonths < matched.TermMin || termMonths > matched.TermMax {
		return rejected(fmt.Sprintf("term %d months outside band range %d-%d", termMonths, matched.TermMin, matched.TermMax))
	}
	if amount.LessThan(matched.AmountMin) || amount.GreaterThan(matched.AmountMax) {
		return rejected(fmt.Sprintf("amount %s outside band range %s-%s", amount, matched.AmountMin, matched.AmountMax))
	}
	return approved()
}

// ValidateBandExclusivity checks no two configured bands overlap anywhere
// on the 0-120 age range. Runs at startup and in tests.
func ValidateBandExclusivity(bands []AgeBand) error {
	for i := 0; i < len(bands); i++ {
		for j := i + 1; j < len(bands); j++ {
			a, b := bands[i], bands[j]
			if a.AgeMin.LessThanOrEqual(b.AgeMax) && b.AgeMin.LessThanOrEqual(a.AgeMax) {
				return fmt.Errorf("eligibility: age bands %s-%s and %s-%s overlap",
					a.AgeMin, a.AgeMax, b.AgeMin, b.AgeMax)
			}
		}
	}
	return nil
}

// Registry status texts that block origination, already case-normalized.
var blockedRegistryStatuses = map[string]bool{
	"ineligible": true,
	"blocked":    true,
	"inelegível": true,
	"bloqueado":  true,
	"bloqueada":  true,
}

// IsRegistryBenefitBlocked reports whether the benefit registry status
// text forbids operating on the benefit.
func IsRegistryBenefitBlocked(statusText string) bool {
	return blockedRegistryStatuses[strings.ToLower(strings.TrimSpace(statusText))]
}

// AgeYearsMonths encodes an age as the years.months fraction used by the
// band table, e.g. 73 years 2 months becomes 73.02.
func AgeYearsMonths(birthDate, at time.Time) decimal.Decimal {
	years := at.Year() - birthDate.Year()
	months := int(at.Month()) - int(birthDate.Month())
	if at.Day() < birthDate.Day() {
		months--
	}
	if months < 0 {
		years--
		months += 12
	}
	return decimal.NewFromInt(int64(years)).Add(decimal.NewFromInt(int64(months)).Div(decimal.NewFromInt(100)))
}
