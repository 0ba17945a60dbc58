// Package webhook classifies raw partner notifications into a closed set
// of typed events and dispatches them to the lifecycle controller and the
// payment reconciler. Unclassifiable payloads are a hard error.
package webhook

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"consignflow/contract"
	"consignflow/payment"
)

// Event is one of the closed set of partner notification variants.
type Event interface {
	isEvent()
	// Key is the proposal correlation key carried by every event family.
	Key() string
}

type base struct {
	ProposalKey string `json:"proposal_key"`
}

func (b base) isEvent()    {}
func (b base) Key() string { return b.ProposalKey }

// BalanceRequestEvent is the benefit registry's answer to the eligibility
// and margin inquiry.
type BalanceRequestEvent struct {
	base
	BenefitStatus string `json:"benefit_status"`
}

// ProposalStatus enumerates the partner proposal states reported by
// proposal_status webhooks.
type ProposalStatus string

const (
	ProposalRejected              ProposalStatus = "rejected"
	ProposalPendingAcceptance     ProposalStatus = "pending_acceptance"
	ProposalAccepted              ProposalStatus = "accepted"
	ProposalCanceled              ProposalStatus = "canceled"
	ProposalRetained              ProposalStatus = "retained"
	ProposalSettlementSent        ProposalStatus = "settlement_sent"
	ProposalPendingSettlementConf ProposalStatus = "pending_settlement_confirmation"
	ProposalPaid                  ProposalStatus = "paid"
)

var knownProposalStatuses = map[ProposalStatus]bool{
	ProposalRejected:              true,
	ProposalPendingAcceptance:     true,
	ProposalAccepted:              true,
	ProposalCanceled:              true,
	ProposalRetained:              true,
	ProposalSettlementSent:        true,
	ProposalPendingSettlementConf: true,
	ProposalPaid:                  true,
}

// ProposalStatusEvent reports a proposal state change; acceptance carries
// the balance confirmed by the origin institution.
type ProposalStatusEvent struct {
	base
	Status                 ProposalStatus  `json:"proposal_status"`
	ConfirmedBalance       decimal.Decimal `json:"final_due_balance"`
	PortabilityNumber      string          `json:"portability_number"`
	OriginalContractNumber string          `json:"original_contract_number"`
	CPF                    string          `json:"document_number"`
	BenefitNumber          string          `json:"benefit_number"`
	OverdueInstallments    int             `json:"overdue_installments"`
	Reason                 string          `json:"reason"`
}

// PaymentFailureEvent reports a refused or deferred disbursement.
type PaymentFailureEvent struct {
	base
	Failure payment.FailureEvent
}

// RefinancingDisbursedEvent confirms the refinancing credit operation.
type RefinancingDisbursedEvent struct {
	base
}

// CollateralConstitutedEvent confirms the payroll lien registration.
// Payloads with an enumerator in the ignorable set carry origin-side
// pendencies handled out of band and must be skipped, not errored.
type CollateralConstitutedEvent struct {
	base
	Enumerator string `json:"collateral_enumerator"`
}

var ignorableCollateralEnumerators = map[string]bool{
	"INVALID_DISBURSEMENT_ACCOUNT":        true,
	"FIRST_NAME_MISMATCH":                 true,
	"INVALID_STATE":                       true,
	"INVALID_BANK_CODE":                   true,
	"WRONG_BENEFIT_NUMBER_ON_PORTABILITY": true,
}

// Ignorable reports the event carries a pendency enumerator instead of a
// constitution confirmation.
func (e CollateralConstitutedEvent) Ignorable() bool {
	return ignorableCollateralEnumerators[e.Enumerator]
}

// CancelledPermanentlyEvent is the partner's definitive cancellation.
type CancelledPermanentlyEvent struct {
	base
	Reason string `json:"reason"`
}

// SignedDocumentEvent delivers the signed contract document.
type SignedDocumentEvent struct {
	base
	SignedDocumentURL string `json:"signed_document_url"`
}

const refinDisbursedWebhookType = "credit_transfer.proposal.credit_operation"

// Classify parses a raw partner payload into exactly one event variant.
// The discriminating keys follow the partner wire contract; anything that
// matches no family returns UnrecognizedWebhookShapeError.
func Classify(raw []byte) (Event, error) {
	var probe struct {
		WebhookType       string          `json:"webhook_type"`
		BalanceRequest    json.RawMessage `json:"social_security_balance_request"`
		PaymentFailure    json.RawMessage `json:"payment_failure"`
		ProposalStatus    string          `json:"proposal_status"`
		Status            string          `json:"status"`
		CollateralData    json.RawMessage `json:"collateral_data"`
		SignedDocumentURL string          `json:"signed_document_url"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("webhook: parse payload: %w", err)
	}

	switch {
	case probe.BalanceRequest != nil:
		var ev BalanceRequestEvent
		if err := json.Unmarshal(probe.BalanceRequest, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse balance request: %w", err)
		}
		return ev, nil

	case probe.PaymentFailure != nil:
		return parsePaymentFailure(probe.PaymentFailure)

	case probe.ProposalStatus != "":
		var ev ProposalStatusEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse proposal status: %w", err)
		}
		if !knownProposalStatuses[ev.Status] {
			return nil, fmt.Errorf("webhook: unknown proposal status %q", ev.Status)
		}
		return ev, nil

	case probe.WebhookType == refinDisbursedWebhookType:
		var ev RefinancingDisbursedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse credit operation: %w", err)
		}
		return ev, nil

	case probe.Status == "canceled_permanently":
		var ev CancelledPermanentlyEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse cancellation: %w", err)
		}
		return ev, nil

	case probe.CollateralData != nil:
		var ev CollateralConstitutedEvent
		if err := json.Unmarshal(probe.CollateralData, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse collateral data: %w", err)
		}
		return ev, nil

	case probe.SignedDocumentURL != "":
		var ev SignedDocumentEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("webhook: parse signed document: %w", err)
		}
		return ev, nil
	}

	return nil, &contract.UnrecognizedWebhookShapeError{Keys: topLevelKeys(raw)}
}

func parsePaymentFailure(raw []byte) (Event, error) {
	var body struct {
		ProposalKey            string  `json:"proposal_key"`
		RefusalChannel         string  `json:"refusal_channel"`
		ReasonCode             string  `json:"reason_code"`
		ReasonDescription      string  `json:"reason_description"`
		DestinationAccountRef  *string `json:"destination_account"`
		CancelReasonEnumerator string  `json:"cancel_reason_enumerator"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("webhook: parse payment failure: %w", err)
	}

	var channel payment.Channel
	switch body.RefusalChannel {
	case "pix_refusal":
		channel = payment.ChannelPix
	case "ted_refusal":
		channel = payment.ChannelTed
	default:
		return nil, fmt.Errorf("webhook: unknown refusal channel %q", body.RefusalChannel)
	}

	return PaymentFailureEvent{
		base: base{ProposalKey: body.ProposalKey},
		Failure: payment.FailureEvent{
			Channel:                channel,
			ReasonCode:             body.ReasonCode,
			ReasonDescription:      body.ReasonDescription,
			DestinationAccountRef:  body.DestinationAccountRef,
			DisbursementHourClosed: body.CancelReasonEnumerator == "disbursing_hour_closed",
		},
	}, nil
}

func topLevelKeys(raw []byte) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
