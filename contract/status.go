package contract

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StatusService applies status transitions, keeping the ledger append, the
// mirrored status fields, and the outbox write in one transaction.
type StatusService struct {
	repo   *Repository
	ledger *StatusLedger
}

func NewStatusService(repo *Repository, ledger *StatusLedger) *StatusService {
	return &StatusService{repo: repo, ledger: ledger}
}

// Transition validates the pair against the table, mirrors the new status
// onto the product and contract rows, appends the ledger entry, and
// enqueues the status-changed outbox message. The in-memory records are
// updated so callers can chain transitions in one transaction.
func (s *StatusService) Transition(ctx context.Context, tx pgx.Tx, c *Contract, p *ProductRecord, next ProductStatus, description string, actor *string) error {
	if err := EnsureTransition(p.Status, next); err != nil {
		return err
	}
	if err := s.repo.UpdateStatuses(ctx, tx, c.ID, p.ID, next); err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, tx, c.ID, next, description, actor); err != nil {
		return err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"contract_id": c.ID,
		"previous":    string(p.Status),
		"next":        string(next),
	}); err != nil {
		return err
	}
	p.Status = next
	c.Status = coarseFor(next)
	return nil
}

// Refuse is the shared terminal transition: one Refused ledger entry per
// contract, guarded so replays cannot duplicate it.
func (s *StatusService) Refuse(ctx context.Context, tx pgx.Tx, c *Contract, p *ProductRecord, reason string, actor *string) error {
	already, err := s.ledger.Exists(ctx, tx, c.ID, ProductRefused)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	if err := s.Transition(ctx, tx, c, p, ProductRefused, reason, actor); err != nil {
		return fmt.Errorf("contract: refuse: %w", err)
	}
	return nil
}
