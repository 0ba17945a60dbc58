// Package tasks drains the transactional outbox: partner calls deferred by
// the lifecycle (refusals, refinancing acceptance, payment resubmission)
// run here, outside the transactions that queued them.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"consignflow/contract"
	"consignflow/partner"
	"consignflow/payment"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 50
	maxAttempts      = 3
)

// Worker polls the outbox and dispatches messages by topic. Messages are
// claimed with row locks so multiple workers never double-deliver; a
// message that keeps failing is parked as failed after maxAttempts passes.
type Worker struct {
	db         contract.DB
	repo       *contract.Repository
	lifecycle  *contract.Lifecycle
	reconciler *payment.Reconciler
	logger     *zap.Logger

	interval  time.Duration
	batchSize int
}

func NewWorker(db contract.DB, repo *contract.Repository, lc *contract.Lifecycle, rec *payment.Reconciler, logger *zap.Logger) *Worker {
	return &Worker{
		db:         db,
		repo:       repo,
		lifecycle:  lc,
		reconciler: rec,
		logger:     logger,
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
	}
}

// Run polls until the context is cancelled. Intended to be supervised by
// the process errgroup.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.drain(ctx); err != nil {
			w.logger.Error("outbox drain failed", zap.Error(err))
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	for {
		n, err := w.processBatch(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) (int, error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tasks: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := w.repo.ClaimOutbox(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for _, m := range msgs {
		if err := w.deliver(ctx, m); err != nil {
			w.logger.Warn("outbox delivery failed",
				zap.Int64("message_id", m.ID),
				zap.String("topic", m.Topic),
				zap.Int("attempts", m.Attempts+1),
				zap.Error(err))
			if err := w.repo.FailOutbox(ctx, tx, m.ID, maxAttempts, err.Error()); err != nil {
				return 0, err
			}
			continue
		}
		if err := w.repo.CompleteOutbox(ctx, tx, m.ID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tasks: commit batch: %w", err)
	}
	return len(msgs), nil
}

// deliver routes one message, retrying transport-level partner failures a
// few times before giving the message back to the outbox.
func (w *Worker) deliver(ctx context.Context, m contract.OutboxMessage) error {
	backoff := retry.WithMaxRetries(2, retry.NewConstant(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.handle(ctx, m)
		if errors.Is(err, partner.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (w *Worker) handle(ctx context.Context, m contract.OutboxMessage) error {
	switch m.Topic {
	case contract.OutboxTopicStatusChanged:
		var body struct {
			ContractID int64  `json:"contract_id"`
			Previous   string `json:"previous"`
			Next       string `json:"next"`
		}
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			return fmt.Errorf("tasks: decode status change: %w", err)
		}
		w.logger.Info("contract status changed",
			zap.Int64("contract_id", body.ContractID),
			zap.String("previous", body.Previous),
			zap.String("next", body.Next))
		return nil

	case contract.OutboxTopicDisbursementConfirm:
		var body struct {
			Action     string `json:"action"`
			ContractID int64  `json:"contract_id"`
			Reason     string `json:"reason"`
		}
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			return fmt.Errorf("tasks: decode disbursement confirm: %w", err)
		}
		switch body.Action {
		case "refuse_proposal":
			return w.lifecycle.RefuseProposal(ctx, body.ContractID, body.Reason)
		case "accept_refinancing":
			return w.lifecycle.AcceptRefinancing(ctx, body.ContractID)
		}
		return fmt.Errorf("tasks: unknown action %q on topic %s", body.Action, m.Topic)

	case contract.OutboxTopicPaymentResubmission:
		var body struct {
			ContractID int64 `json:"contract_id"`
		}
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			return fmt.Errorf("tasks: decode resubmission: %w", err)
		}
		// Zero account keeps the registered disbursement details.
		return w.reconciler.Resubmit(ctx, body.ContractID, partner.BankAccount{})
	}

	return fmt.Errorf("tasks: unknown topic %q", m.Topic)
}
