package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consignflow/contract"
	"consignflow/payment"
)

// Dispatcher routes classified partner events to the lifecycle controller
// and the payment reconciler. Every delivery is recorded under a unique key
// before any handler runs, so partner retries are absorbed exactly once.
type Dispatcher struct {
	db         contract.DB
	repo       *contract.Repository
	lifecycle  *contract.Lifecycle
	reconciler *payment.Reconciler
	logger     *zap.Logger
}

func NewDispatcher(db contract.DB, repo *contract.Repository, lc *contract.Lifecycle, rec *payment.Reconciler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{db: db, repo: repo, lifecycle: lc, reconciler: rec, logger: logger}
}

// Handle classifies and dispatches one raw delivery. deliveryKey is the
// partner's delivery identifier; when absent a deterministic key is derived
// from the payload so replays without a header still dedupe.
func (d *Dispatcher) Handle(ctx context.Context, deliveryKey string, payload []byte) error {
	ev, err := Classify(payload)
	if err != nil {
		return err
	}

	if deliveryKey == "" {
		deliveryKey = uuid.NewSHA1(uuid.NameSpaceOID, payload).String()
	}
	if err := d.reserveDelivery(ctx, deliveryKey); err != nil {
		if errors.Is(err, contract.ErrDuplicateDelivery) {
			d.logger.Info("duplicate webhook delivery ignored",
				zap.String("delivery_key", deliveryKey),
				zap.String("proposal_key", ev.Key()))
			return nil
		}
		return err
	}

	// A failed route must not burn the key, or the partner's retry would
	// be absorbed as a duplicate and the event lost.
	if err := d.route(ctx, ev); err != nil {
		d.releaseDelivery(ctx, deliveryKey)
		return err
	}
	return nil
}

func (d *Dispatcher) reserveDelivery(ctx context.Context, key string) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("webhook: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := d.repo.InsertWebhookDelivery(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("webhook: commit tx: %w", err)
	}
	return nil
}

func (d *Dispatcher) releaseDelivery(ctx context.Context, key string) {
	if err := d.repo.DeleteWebhookDelivery(ctx, d.db, key); err != nil {
		d.logger.Error("webhook delivery key release failed",
			zap.String("delivery_key", key), zap.Error(err))
	}
}

func (d *Dispatcher) route(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case BalanceRequestEvent:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandleRegistryReturn(ctx, c.ID, ev.BenefitStatus)

	case ProposalStatusEvent:
		return d.routeProposalStatus(ctx, ev)

	case PaymentFailureEvent:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.reconciler.Reconcile(ctx, c.ID, ev.Failure)

	case RefinancingDisbursedEvent:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandleRefinancingDisbursed(ctx, c.ID)

	case CollateralConstitutedEvent:
		if ev.Ignorable() {
			d.logger.Info("collateral pendency handled at origin, skipping",
				zap.String("proposal_key", ev.Key()),
				zap.String("enumerator", ev.Enumerator))
			return nil
		}
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandleCollateralConstituted(ctx, c.ID)

	case CancelledPermanentlyEvent:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandleCancelledPermanently(ctx, c.ID, ev.Reason)

	case SignedDocumentEvent:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandleSignedDocument(ctx, c.ID, ev.SignedDocumentURL)
	}

	return fmt.Errorf("webhook: no route for event %T", ev)
}

func (d *Dispatcher) routeProposalStatus(ctx context.Context, ev ProposalStatusEvent) error {
	switch ev.Status {
	case ProposalAccepted:
		return d.lifecycle.HandleProposalAccepted(ctx, contract.AcceptedEvent{
			ProposalKey:            ev.ProposalKey,
			ConfirmedBalance:       ev.ConfirmedBalance,
			PortabilityNumber:      ev.PortabilityNumber,
			OriginalContractNumber: ev.OriginalContractNumber,
			PartnerCPF:             ev.CPF,
			PartnerBenefitNumber:   ev.BenefitNumber,
			OverdueInstallments:    ev.OverdueInstallments,
		})

	case ProposalPaid:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		return d.lifecycle.HandlePaid(ctx, c.ID)

	case ProposalRejected, ProposalCanceled:
		c, err := d.contractFor(ctx, ev)
		if err != nil {
			return err
		}
		reason := ev.Reason
		if reason == "" {
			reason = fmt.Sprintf("partner reported proposal %s", ev.Status)
		}
		return d.lifecycle.HandleCancelledPermanently(ctx, c.ID, reason)

	case ProposalPendingAcceptance, ProposalRetained,
		ProposalSettlementSent, ProposalPendingSettlementConf:
		// Informational partner states with no local transition.
		d.logger.Info("proposal status acknowledged",
			zap.String("proposal_key", ev.ProposalKey),
			zap.String("status", string(ev.Status)))
		return nil
	}

	return fmt.Errorf("webhook: no route for proposal status %q", ev.Status)
}

func (d *Dispatcher) contractFor(ctx context.Context, ev Event) (contract.Contract, error) {
	if ev.Key() == "" {
		return contract.Contract{}, fmt.Errorf("webhook: %w: event %T without proposal key", contract.ErrContractNotFound, ev)
	}
	return d.repo.GetContractByProposalKey(ctx, d.db, ev.Key())
}
