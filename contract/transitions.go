package contract

import "fmt"

// happyPath declares the forward transitions of the product state machine.
// Refused and PendingDocumentCorrection edges are added to every
// non-terminal state by buildTransitions; external failure signals may
// interrupt the flow at any point before a terminal state.
var happyPath = map[ProductStatus][]ProductStatus{
	ProductDrafting:                     {ProductAwaitingRegistryConfirmation},
	ProductAwaitingRegistryConfirmation: {ProductRegistryConfirmed},
	ProductRegistryConfirmed:            {ProductAwaitingClientFormalization},
	ProductAwaitingClientFormalization:  {ProductDocumentsSubmitted},
	ProductDocumentsSubmitted:           {ProductAwaitingBalanceReturn},
	ProductAwaitingBalanceReturn: {
		ProductRecalculationNeeded,
		ProductAwaitingBalanceConfirmation,
	},
	ProductRecalculationNeeded: {
		ProductAwaitingRecalcConfirmation,
		ProductAwaitingCorbanApproval,
		ProductAwaitingDeskReview,
	},
	ProductAwaitingRecalcConfirmation: {
		ProductAwaitingCorbanApproval,
		ProductAwaitingDeskReview,
	},
	ProductAwaitingCorbanApproval:      {ProductAwaitingDeskReview},
	ProductAwaitingBalanceConfirmation: {ProductAwaitingDeskReview},
	ProductAwaitingDeskReview:          {ProductAwaitingEndorsement},
	ProductAwaitingEndorsement:         {ProductAwaitingDisbursement},
	ProductAwaitingDisbursement: {
		ProductDisbursed,
		ProductAwaitingRefinDisbursement,
	},
	ProductAwaitingRefinDisbursement: {ProductDisbursed},
	ProductDisbursed: {
		ProductAwaitingPaidConfirmation,
		ProductAwaitingEndorsementConfirmation,
		ProductFinalized,
	},
	ProductAwaitingPaidConfirmation:        {ProductFinalized},
	ProductAwaitingEndorsementConfirmation: {ProductFinalized},
	ProductPendingDocumentCorrection: {
		ProductAwaitingDeskReview,
		ProductAwaitingDisbursement,
		ProductAwaitingRefinDisbursement,
	},
	ProductRefused:   nil,
	ProductFinalized: nil,
}

// terminal statuses admit no outgoing transitions.
var terminal = map[ProductStatus]bool{
	ProductRefused:   true,
	ProductFinalized: true,
}

var transitions = buildTransitions()

func buildTransitions() map[ProductStatus]map[ProductStatus]bool {
	out := make(map[ProductStatus]map[ProductStatus]bool, len(happyPath))
	for from, tos := range happyPath {
		set := make(map[ProductStatus]bool, len(tos)+2)
		for _, to := range tos {
			set[to] = true
		}
		if !terminal[from] {
			set[ProductRefused] = true
			if from != ProductPendingDocumentCorrection {
				set[ProductPendingDocumentCorrection] = true
			}
		}
		out[from] = set
	}
	return out
}

// CanTransition reports whether the pair is declared in the table.
func CanTransition(from, to ProductStatus) bool {
	return transitions[from][to]
}

// EnsureTransition returns a typed error for undeclared pairs.
func EnsureTransition(from, to ProductStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// AllProductStatuses enumerates every declared status, used by the table
// validation and by tests.
func AllProductStatuses() []ProductStatus {
	out := make([]ProductStatus, 0, len(happyPath))
	for s := range happyPath {
		out = append(out, s)
	}
	return out
}

// ValidateTransitionTable checks the machine is well formed. It runs at
// process startup and aborts boot on failure.
func ValidateTransitionTable() error {
	incoming := make(map[ProductStatus]int, len(happyPath))
	for from, tos := range transitions {
		if terminal[from] && len(tos) > 0 {
			return fmt.Errorf("contract: terminal status %s has outgoing transitions", from)
		}
		for to := range tos {
			if _, known := happyPath[to]; !known {
				return fmt.Errorf("contract: transition %s -> %s targets undeclared status", from, to)
			}
			if to == from {
				return fmt.Errorf("contract: self transition declared on %s", from)
			}
			incoming[to]++
		}
		if !terminal[from] {
			if !tos[ProductRefused] {
				return fmt.Errorf("contract: status %s cannot reach refused", from)
			}
		}
	}
	for s := range happyPath {
		if s == ProductDrafting {
			continue
		}
		if incoming[s] == 0 {
			return fmt.Errorf("contract: status %s is unreachable", s)
		}
	}
	return nil
}
