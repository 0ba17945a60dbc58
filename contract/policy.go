package contract

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductPolicy is the per-product capability surface the lifecycle
// controller is parametrized over. One generic controller replaces the
// near-duplicate per-product flows.
type ProductPolicy interface {
	Type() ProductType
	// PartnerProductType is the product discriminator in partner payloads.
	PartnerProductType() string
	// Validate checks the product carries every field the insertion
	// payload needs.
	Validate(p ProductRecord) error
	// NeedsBalanceReturn reports whether the flow waits for the origin
	// institution to confirm the outstanding balance.
	NeedsBalanceReturn() bool
	// DisbursementStatus is the queue the product enters once endorsed.
	DisbursementStatus() ProductStatus
}

// PortabilityPolicy drives payroll loan portability.
type PortabilityPolicy struct{}

func (PortabilityPolicy) Type() ProductType          { return ProductPortability }
func (PortabilityPolicy) PartnerProductType() string { return "credit_transfer" }
func (PortabilityPolicy) NeedsBalanceReturn() bool   { return true }
func (PortabilityPolicy) DisbursementStatus() ProductStatus {
	return ProductAwaitingDisbursement
}

func (PortabilityPolicy) Validate(p ProductRecord) error {
	if p.TypedOutstandingBalance.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("contract: portability requires a typed outstanding balance")
	}
	if p.OriginalContractNumber == "" {
		return fmt.Errorf("contract: portability requires the original contract number")
	}
	return requireCommonTerms(p)
}

// PortabilityRefinancingPolicy drives the combined portability plus
// refinancing product; the refinancing leg is settled after the
// portability finalizes.
type PortabilityRefinancingPolicy struct{}

func (PortabilityRefinancingPolicy) Type() ProductType          { return ProductPortabilityRefinancing }
func (PortabilityRefinancingPolicy) PartnerProductType() string { return "credit_transfer_refinancing" }
func (PortabilityRefinancingPolicy) NeedsBalanceReturn() bool   { return true }
func (PortabilityRefinancingPolicy) DisbursementStatus() ProductStatus {
	return ProductAwaitingRefinDisbursement
}

func (PortabilityRefinancingPolicy) Validate(p ProductRecord) error {
	if p.OriginalContractNumber == "" {
		return fmt.Errorf("contract: portability refinancing requires the original contract number")
	}
	return requireCommonTerms(p)
}

// FreeMarginPolicy drives new free-margin loans and benefit cards; there
// is no origin institution, so no balance return step.
type FreeMarginPolicy struct{}

func (FreeMarginPolicy) Type() ProductType          { return ProductFreeMargin }
func (FreeMarginPolicy) PartnerProductType() string { return "debt" }
func (FreeMarginPolicy) NeedsBalanceReturn() bool   { return false }
func (FreeMarginPolicy) DisbursementStatus() ProductStatus {
	return ProductAwaitingDisbursement
}

func (FreeMarginPolicy) Validate(p ProductRecord) error {
	return requireCommonTerms(p)
}

func requireCommonTerms(p ProductRecord) error {
	if p.TypedInstallment.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("contract: typed installment must be positive")
	}
	if p.MonthlyRate.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("contract: monthly rate must be positive")
	}
	if p.TermMonths <= 0 {
		return fmt.Errorf("contract: term months must be positive")
	}
	return nil
}

// DefaultPolicies maps each supported product type to its policy.
func DefaultPolicies() map[ProductType]ProductPolicy {
	return map[ProductType]ProductPolicy{
		ProductPortability:            PortabilityPolicy{},
		ProductPortabilityRefinancing: PortabilityRefinancingPolicy{},
		ProductFreeMargin:             FreeMarginPolicy{},
		ProductBenefitCard:            FreeMarginPolicy{},
	}
}
