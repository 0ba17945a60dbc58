package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StatusLedger is the append-only audit trail of product status changes.
// It never mutates contract or product rows itself; callers update the
// mirrored status fields inside the same transaction.
type StatusLedger struct{}

func NewStatusLedger() *StatusLedger {
	return &StatusLedger{}
}

// Append persists one ledger entry inside the active transaction. Entries
// are ordered by serial id, so same-timestamp races cannot reorder them.
func (l *StatusLedger) Append(ctx context.Context, tx pgx.Tx, contractID int64, name ProductStatus, description string, actor *string) (LedgerEntry, error) {
	entry := LedgerEntry{
		ContractID:  contractID,
		Name:        name,
		Description: description,
		CreatedBy:   actor,
	}
	err := tx.QueryRow(ctx, `
INSERT INTO status_ledger (contract_id, name, description, created_by)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at
`, contractID, string(name), description, actor).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("contract: append ledger entry: %w", err)
	}
	return entry, nil
}

// Last returns the most recent entry for the contract, or nil when the
// contract has no ledger history yet.
func (l *StatusLedger) Last(ctx context.Context, q Querier, contractID int64) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := q.QueryRow(ctx, `
SELECT id, contract_id, name, description, created_by, created_at
FROM status_ledger
WHERE contract_id = $1
ORDER BY id DESC
LIMIT 1
`, contractID).Scan(&entry.ID, &entry.ContractID, &entry.Name, &entry.Description, &entry.CreatedBy, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contract: read last ledger entry: %w", err)
	}
	return &entry, nil
}

// Exists reports whether the contract ledger contains any of the given
// statuses. Webhook handlers use it as the replay and ordering guard.
func (l *StatusLedger) Exists(ctx context.Context, q Querier, contractID int64, names ...ProductStatus) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	asText := make([]string, len(names))
	for i, n := range names {
		asText[i] = string(n)
	}
	var found bool
	err := q.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM status_ledger
    WHERE contract_id = $1 AND name = ANY($2)
)
`, contractID, asText).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("contract: ledger exists check: %w", err)
	}
	return found, nil
}
