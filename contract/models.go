package contract

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductType identifies the single active product sub-record of a contract.
type ProductType string

const (
	ProductFreeMargin             ProductType = "free_margin"
	ProductPortability            ProductType = "portability"
	ProductPortabilityRefinancing ProductType = "portability_refinancing"
	ProductRefinancing            ProductType = "refinancing"
	ProductBenefitCard            ProductType = "benefit_card"
	ProductConsignedCard          ProductType = "consigned_card"
	ProductSupplementalWithdrawal ProductType = "supplemental_withdrawal"
)

// Status is the coarse contract-level state. The operative state machine
// lives on the product record; this field mirrors it for fast reads.
type Status string

const (
	StatusDrafting              Status = "drafting"
	StatusAwaitingFormalization Status = "awaiting_formalization"
	StatusFormalized            Status = "formalized"
	StatusUnderReview           Status = "under_review"
	StatusUnderEndorsement      Status = "under_endorsement"
	StatusPaid                  Status = "paid"
	StatusCancelled             Status = "cancelled"
)

// ProductStatus is the fine-grained operative status of a product record.
type ProductStatus string

const (
	ProductDrafting                        ProductStatus = "drafting"
	ProductAwaitingRegistryConfirmation    ProductStatus = "awaiting_registry_confirmation"
	ProductRegistryConfirmed               ProductStatus = "registry_confirmed"
	ProductAwaitingClientFormalization     ProductStatus = "awaiting_client_formalization"
	ProductDocumentsSubmitted              ProductStatus = "documents_submitted"
	ProductAwaitingBalanceReturn           ProductStatus = "awaiting_balance_return"
	ProductRecalculationNeeded             ProductStatus = "recalculation_needed"
	ProductAwaitingRecalcConfirmation      ProductStatus = "awaiting_recalculation_confirmation"
	ProductAwaitingCorbanApproval          ProductStatus = "awaiting_corban_approval"
	ProductAwaitingBalanceConfirmation     ProductStatus = "awaiting_balance_confirmation"
	ProductAwaitingDeskReview              ProductStatus = "awaiting_desk_review"
	ProductAwaitingEndorsement             ProductStatus = "awaiting_endorsement"
	ProductAwaitingDisbursement            ProductStatus = "awaiting_disbursement"
	ProductAwaitingRefinDisbursement       ProductStatus = "awaiting_refinancing_disbursement"
	ProductDisbursed                       ProductStatus = "disbursed"
	ProductAwaitingPaidConfirmation        ProductStatus = "awaiting_paid_confirmation"
	ProductAwaitingEndorsementConfirmation ProductStatus = "awaiting_endorsement_confirmation"
	ProductPendingDocumentCorrection       ProductStatus = "pending_document_correction"
	ProductRefused                         ProductStatus = "refused"
	ProductFinalized                       ProductStatus = "finalized"
)

// Contract mirrors the contracts table columns touched by the services.
type Contract struct {
	ID             int64
	Token          uuid.UUID
	EnvelopeToken  uuid.UUID
	IsMainProposal bool
	ProductType    ProductType
	Status         Status
	Signed         bool
	BenefitNumber  string
	ClientID       int64
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// Outcome records the result of one external action against the partner.
// A nil Success means the action has not been attempted yet.
type Outcome struct {
	Success *bool
	Reason  string
}

// ProductRecord is the operative sub-entity of a contract, one active row
// per product type. ProposalKey is write-once.
type ProductRecord struct {
	ID         int64
	ContractID int64
	Type       ProductType
	Status     ProductStatus

	TypedInstallment        decimal.Decimal
	TypedOutstandingBalance decimal.Decimal
	MonthlyRate             decimal.Decimal
	TermMonths              int

	RecalculatedRate        *decimal.Decimal
	RecalculatedInstallment *decimal.Decimal

	ProposalKey     string
	OperationKey    string
	RelatedPartyKey string

	Insertion    Outcome
	Signature    Outcome
	DocumentLink Outcome
	Submission   Outcome
	Acceptance   Outcome
	Refusal      Outcome
	Disbursement Outcome
	Resubmission Outcome

	FinalDueBalance        *decimal.Decimal
	PortabilityNumber      string
	OriginalContractNumber string
	DisbursementDate       *time.Time
	InsertionInFlight      bool

	// Refinancing-only terms, zero for other product types.
	ReleasedAmount decimal.Decimal
	DueAmount      decimal.Decimal
	Change         decimal.Decimal
}

// LedgerEntry is one append-only status transition record. Ordering is by
// ID (insertion order), never by wall clock.
type LedgerEntry struct {
	ID          int64
	ContractID  int64
	Name        ProductStatus
	Description string
	CreatedBy   *string
	CreatedAt   time.Time
}

// PaymentRefusalRecord is attached to a product when the partner reports a
// failed disbursement.
type PaymentRefusalRecord struct {
	ID                int64
	ProductID         int64
	ReasonCode        string
	ReasonDescription string
	BankAccountRef    *string
	IsPix             bool
	IsTed             bool
	CreatedAt         time.Time
}

// OutboxMessage represents a transactional outbox entry consumed by the
// async dispatcher.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	OutboxTopicDisbursementConfirm = "contract.disbursement_confirm"
	OutboxTopicPaymentResubmission = "contract.payment_resubmission"
	OutboxTopicStatusChanged       = "contract.status_changed"
)

// coarseFor maps an operative product status onto the contract-level state.
func coarseFor(ps ProductStatus) Status {
	switch ps {
	case ProductDrafting, ProductAwaitingRegistryConfirmation, ProductRegistryConfirmed:
		return StatusDrafting
	case ProductAwaitingClientFormalization, ProductDocumentsSubmitted:
		return StatusAwaitingFormalization
	case ProductAwaitingBalanceReturn, ProductRecalculationNeeded,
		ProductAwaitingRecalcConfirmation, ProductAwaitingBalanceConfirmation:
		return StatusFormalized
	case ProductAwaitingCorbanApproval, ProductAwaitingDeskReview, ProductPendingDocumentCorrection:
		return StatusUnderReview
	case ProductAwaitingEndorsement, ProductAwaitingDisbursement,
		ProductAwaitingRefinDisbursement, ProductDisbursed,
		ProductAwaitingPaidConfirmation, ProductAwaitingEndorsementConfirmation:
		return StatusUnderEndorsement
	case ProductFinalized:
		return StatusPaid
	case ProductRefused:
		return StatusCancelled
	}
	return StatusDrafting
}
