package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"consignflow/contract"
	"consignflow/partner"
)

// FailureEvent is the normalized payment failure reported by the partner.
type FailureEvent struct {
	Channel                Channel
	ReasonCode             string
	ReasonDescription      string
	DestinationAccountRef  *string
	DisbursementHourClosed bool
}

type Channel string

const (
	ChannelPix Channel = "pix"
	ChannelTed Channel = "ted"
)

// TED refusals with these partner reason codes are recoverable by fixing
// the client bank details and resubmitting.
var correctableTedReasons = map[string]bool{
	"agencia_conta_invalida":                       true,
	"social_security_invalid_disbursement_account": true,
	"divergencia_titulatidade":                     true,
	"conta_destinatario_encerrada":                 true,
	"documento_divergente":                         true,
}

// Reconciler consumes payment failure events and drives resubmission or
// refusal.
type Reconciler struct {
	pool    contract.TxBeginner
	repo    *contract.Repository
	ledger  *contract.StatusLedger
	status  *contract.StatusService
	partner partner.Client
	now     func() time.Time
	logger  *zap.Logger
}

func NewReconciler(pool contract.TxBeginner, repo *contract.Repository, ledger *contract.StatusLedger, status *contract.StatusService, client partner.Client, now func() time.Time, logger *zap.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		pool:    pool,
		repo:    repo,
		ledger:  ledger,
		status:  status,
		partner: client,
		now:     now,
		logger:  logger,
	}
}

// Reconcile classifies one failure event for a contract. A closed
// disbursement window schedules a resubmission without touching status; a
// correctable TED refusal parks the product for bank-detail correction;
// everything else refuses the product.
func (r *Reconciler) Reconcile(ctx context.Context, contractID int64, ev FailureEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.repo.GetContractForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	p, err := r.repo.GetProductForUpdate(ctx, tx, c.ID, c.ProductType)
	if err != nil {
		return err
	}

	refused, err := r.ledger.Exists(ctx, tx, c.ID, contract.ProductRefused)
	if err != nil {
		return err
	}
	if refused {
		r.logger.Info("payment failure on already refused contract ignored",
			zap.Int64("contract_id", c.ID))
		return tx.Commit(ctx)
	}

	switch {
	case ev.DisbursementHourClosed:
		next := NextBusinessDay(r.now())
		if err := r.repo.SetDisbursementDate(ctx, tx, p.ID, next.Format("2006-01-02")); err != nil {
			return err
		}
		if err := r.repo.EnqueueOutbox(ctx, tx, contract.OutboxTopicPaymentResubmission, map[string]any{
			"contract_id":       c.ID,
			"disbursement_date": next.Format("2006-01-02"),
		}); err != nil {
			return err
		}
		r.logger.Info("disbursement window closed, resubmission scheduled",
			zap.Int64("contract_id", c.ID),
			zap.String("disbursement_date", next.Format("2006-01-02")))

	case ev.Channel == ChannelTed && correctableTedReasons[ev.ReasonCode]:
		if err := r.repo.InsertPaymentRefusal(ctx, tx, contract.PaymentRefusalRecord{
			ProductID:         p.ID,
			ReasonCode:        ev.ReasonCode,
			ReasonDescription: ev.ReasonDescription,
			BankAccountRef:    ev.DestinationAccountRef,
			IsPix:             false,
			IsTed:             true,
		}); err != nil {
			return err
		}
		desc := fmt.Sprintf("disbursement refused (%s), awaiting bank detail correction", ev.ReasonCode)
		if err := r.status.Transition(ctx, tx, &c, &p, contract.ProductPendingDocumentCorrection, desc, nil); err != nil {
			return err
		}

	default:
		if err := r.repo.InsertPaymentRefusal(ctx, tx, contract.PaymentRefusalRecord{
			ProductID:         p.ID,
			ReasonCode:        ev.ReasonCode,
			ReasonDescription: ev.ReasonDescription,
			BankAccountRef:    ev.DestinationAccountRef,
			IsPix:             ev.Channel == ChannelPix,
			IsTed:             ev.Channel == ChannelTed,
		}); err != nil {
			return err
		}
		reason := fmt.Sprintf("disbursement refused: %s", ev.ReasonDescription)
		if err := r.status.Refuse(ctx, tx, &c, &p, reason, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit reconcile: %w", err)
	}
	return nil
}

// Resubmit re-issues the disbursement with corrected bank details. Success
// moves the product back to the disbursement queue; a partner business
// rejection records the reason and keeps the product parked; transport
// failures bubble up so the dispatcher can retry.
func (r *Reconciler) Resubmit(ctx context.Context, contractID int64, account partner.BankAccount) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.repo.GetContractForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	p, err := r.repo.GetProductForUpdate(ctx, tx, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	if p.ProposalKey == "" {
		return contract.ErrMissingProposalKey
	}

	date := ValidDisbursementDay(r.now()).Format("2006-01-02")
	if err := r.repo.SetDisbursementDate(ctx, tx, p.ID, date); err != nil {
		return err
	}

	err = r.partner.ResubmitPayment(ctx, p.ProposalKey, date, account)
	switch {
	case err == nil:
		if err := r.repo.RecordOutcome(ctx, tx, p.ID, contract.ActionResubmission, true, ""); err != nil {
			return err
		}
		next := contract.ProductAwaitingDisbursement
		if c.ProductType == contract.ProductPortabilityRefinancing {
			next = contract.ProductAwaitingRefinDisbursement
		}
		if p.Status != next {
			if err := r.status.Transition(ctx, tx, &c, &p, next, "payment resubmitted, awaiting disbursement", nil); err != nil {
				return err
			}
		}
	case errors.Is(err, partner.ErrUnavailable):
		return err
	default:
		var pe *partner.Error
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Description
		}
		if err := r.repo.RecordOutcome(ctx, tx, p.ID, contract.ActionResubmission, false, reason); err != nil {
			return err
		}
		r.logger.Error("payment resubmission rejected",
			zap.Int64("contract_id", c.ID),
			zap.String("reason", reason))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit resubmit: %w", err)
	}
	return nil
}

// CorrectEndorsement re-issues the endorsement with corrected details,
// reusing the disbursement correction endpoint.
func (r *Reconciler) CorrectEndorsement(ctx context.Context, contractID int64, account partner.BankAccount) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.repo.GetContractForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	p, err := r.repo.GetProductForUpdate(ctx, tx, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	key := p.OperationKey
	if c.ProductType != contract.ProductPortability {
		key = p.ProposalKey
	}
	if key == "" {
		return contract.ErrMissingProposalKey
	}

	date := NextBusinessDay(r.now()).Format("2006-01-02")
	if err := r.partner.RequestDisbursementCorrection(ctx, key, date, account); err != nil {
		if errors.Is(err, partner.ErrUnavailable) {
			return err
		}
		var pe *partner.Error
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Description
		}
		if recErr := r.repo.RecordOutcome(ctx, tx, p.ID, contract.ActionResubmission, false, reason); recErr != nil {
			return recErr
		}
		return tx.Commit(ctx)
	}

	if err := r.repo.RecordOutcome(ctx, tx, p.ID, contract.ActionResubmission, true, ""); err != nil {
		return err
	}
	if p.Status == contract.ProductPendingDocumentCorrection {
		if err := r.status.Transition(ctx, tx, &c, &p, contract.ProductAwaitingDeskReview, "endorsement correction resubmitted", nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit endorsement correction: %w", err)
	}
	return nil
}
