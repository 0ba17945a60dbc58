package contract

import (
	"errors"
	"fmt"
)

var (
	// ErrContractNotFound is returned when no contract row exists for the identifier.
	ErrContractNotFound = errors.New("contract: not found")
	// ErrProductNotFound is returned when the contract has no product row of the requested type.
	ErrProductNotFound = errors.New("contract: product not found")
	// ErrMissingProposalKey fails fast any lifecycle action invoked before the partner issued keys.
	ErrMissingProposalKey = errors.New("contract: missing proposal key")
	// ErrProposalKeyAlreadySet guards the write-once proposal key column.
	ErrProposalKeyAlreadySet = errors.New("contract: proposal key already set")
	// ErrInsertionInFlight signals a concurrent proposal insertion holds the lease.
	ErrInsertionInFlight = errors.New("contract: proposal insertion already in progress")
	// ErrDuplicateDelivery signals the webhook delivery key was already processed.
	ErrDuplicateDelivery = errors.New("contract: duplicate webhook delivery")
	// ErrPolicyRejected is terminal: the contract failed an internal policy rule.
	ErrPolicyRejected = errors.New("contract: rejected by internal policy")
	// ErrDataInconsistency is terminal and loud: partner data does not match local records.
	ErrDataInconsistency = errors.New("contract: partner data inconsistent with local records")
)

// InvalidTransitionError is returned when a status change is not declared in
// the transition table. Undeclared pairs are a hard error, never a no-op.
type InvalidTransitionError struct {
	From ProductStatus
	To   ProductStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("contract: invalid transition %s -> %s", e.From, e.To)
}

// UnrecognizedWebhookShapeError is raised when an inbound partner payload
// matches none of the known event families.
type UnrecognizedWebhookShapeError struct {
	Keys []string
}

func (e *UnrecognizedWebhookShapeError) Error() string {
	return fmt.Sprintf("contract: unrecognized webhook shape, top-level keys %v", e.Keys)
}
