package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"consignflow/partner"
)

// settlementSignal names the two partner confirmations that close a
// portability: the payroll lien registration ("collateral constituted")
// and the settlement payment ("paid").
type settlementSignal int

const (
	signalCollateral settlementSignal = iota
	signalPaid
)

// Each signal parks the contract in a status that records it was seen.
// The ledger, not memory, answers "has the other signal arrived", so the
// join survives restarts and duplicate deliveries.
var settlementParking = map[settlementSignal]ProductStatus{
	signalCollateral: ProductAwaitingPaidConfirmation,
	signalPaid:       ProductAwaitingEndorsementConfirmation,
}

// HandleCollateralConstituted processes the lien registration signal.
func (s *Lifecycle) HandleCollateralConstituted(ctx context.Context, contractID int64) error {
	return s.handleSettlementSignal(ctx, contractID, signalCollateral, "collateral constituted at origin institution")
}

// HandlePaid processes the settlement payment signal.
func (s *Lifecycle) HandlePaid(ctx context.Context, contractID int64) error {
	return s.handleSettlementSignal(ctx, contractID, signalPaid, "settlement payment confirmed")
}

// handleSettlementSignal finalizes the contract once both signals have
// been observed, in either order. The first signal parks; the second
// finalizes; replays of either are no-ops.
func (s *Lifecycle) handleSettlementSignal(ctx context.Context, contractID int64, sig settlementSignal, description string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}

	finalized, err := s.ledger.Exists(ctx, tx, c.ID, ProductFinalized)
	if err != nil {
		return err
	}
	parked := settlementParking[sig]
	seen, err := s.ledger.Exists(ctx, tx, c.ID, parked)
	if err != nil {
		return err
	}
	if finalized || seen {
		s.logger.Info("duplicate settlement signal ignored",
			zap.Int64("contract_id", c.ID), zap.String("parked", string(parked)))
		return tx.Commit(ctx)
	}

	// The disbursement queues feed the settlement phase; a signal arriving
	// before the internal disbursed transition catches the machine up.
	if p.Status == ProductAwaitingDisbursement || p.Status == ProductAwaitingRefinDisbursement {
		if err := s.status.Transition(ctx, tx, &c, &p, ProductDisbursed, "disbursement confirmed by partner", nil); err != nil {
			return err
		}
	}

	other := settlementParking[otherSignal(sig)]
	otherSeen, err := s.ledger.Exists(ctx, tx, c.ID, other)
	if err != nil {
		return err
	}

	if !otherSeen {
		if err := s.status.Transition(ctx, tx, &c, &p, parked, description, nil); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := s.status.Transition(ctx, tx, &c, &p, ProductFinalized, "portability finalized, collateral and payment both confirmed", nil); err != nil {
		return err
	}
	if c.ProductType == ProductPortabilityRefinancing {
		if err := s.enqueueRefinancingAcceptance(ctx, tx, c.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit finalization: %w", err)
	}
	return nil
}

func otherSignal(sig settlementSignal) settlementSignal {
	if sig == signalCollateral {
		return signalPaid
	}
	return signalCollateral
}

// enqueueRefinancingAcceptance defers the refinancing leg acceptance to
// the async dispatcher once the portability leg has finalized.
func (s *Lifecycle) enqueueRefinancingAcceptance(ctx context.Context, tx pgx.Tx, contractID int64) error {
	return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDisbursementConfirm, map[string]any{
		"action":      "accept_refinancing",
		"contract_id": contractID,
	})
}

// HandleCancelledPermanently terminates the contract on the partner's
// definitive cancellation notice. No upstream refusal call is needed.
func (s *Lifecycle) HandleCancelledPermanently(ctx context.Context, contractID int64, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if err := s.status.Refuse(ctx, tx, &c, &p, fmt.Sprintf("cancelled permanently by partner: %s", reason), nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HandleRefinancingDisbursed moves the refinancing leg out of its
// disbursement queue when the partner confirms the credit operation.
func (s *Lifecycle) HandleRefinancingDisbursed(ctx context.Context, contractID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if p.Status != ProductAwaitingRefinDisbursement {
		return tx.Commit(ctx)
	}
	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionDisbursement, true, ""); err != nil {
		return err
	}
	if err := s.status.Transition(ctx, tx, &c, &p, ProductDisbursed, "refinancing credit operation disbursed", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AcceptRefinancing confirms the refinancing leg with the partner using
// its own proposal key. Queued by the settlement join once the portability
// leg finalizes.
func (s *Lifecycle) AcceptRefinancing(ctx context.Context, contractID int64) error {
	refin, err := s.repo.GetProduct(ctx, s.db, contractID, ProductRefinancing)
	if err != nil {
		return err
	}
	if refin.ProposalKey == "" {
		return ErrMissingProposalKey
	}

	installment := refin.TypedInstallment
	if refin.RecalculatedInstallment != nil {
		installment = *refin.RecalculatedInstallment
	}
	acceptErr := s.partner.Accept(ctx, refin.ProposalKey, installment)
	if acceptErr != nil && errors.Is(acceptErr, partner.ErrUnavailable) {
		return acceptErr
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if acceptErr != nil {
		if err := s.repo.RecordOutcome(ctx, tx, refin.ID, ActionAcceptance, false, acceptErr.Error()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return fmt.Errorf("contract: accept refinancing: %w", acceptErr)
	}
	if err := s.repo.RecordOutcome(ctx, tx, refin.ID, ActionAcceptance, true, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit refinancing acceptance: %w", err)
	}
	return nil
}
