package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Action names the outcome pair updated by RecordOutcome.
type Action string

const (
	ActionInsertion    Action = "insertion"
	ActionSignature    Action = "signature"
	ActionDocumentLink Action = "document_link"
	ActionSubmission   Action = "submission"
	ActionAcceptance   Action = "acceptance"
	ActionRefusal      Action = "refusal"
	ActionDisbursement Action = "disbursement"
	ActionResubmission Action = "resubmission"
)

var outcomeColumns = map[Action][2]string{
	ActionInsertion:    {"insertion_success", "insertion_reason"},
	ActionSignature:    {"signature_success", "signature_reason"},
	ActionDocumentLink: {"document_link_success", "document_link_reason"},
	ActionSubmission:   {"submission_success", "submission_reason"},
	ActionAcceptance:   {"acceptance_success", "acceptance_reason"},
	ActionRefusal:      {"refusal_success", "refusal_reason"},
	ActionDisbursement: {"disbursement_success", "disbursement_reason"},
	ActionResubmission: {"resubmission_success", "resubmission_reason"},
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const contractColumns = `id, token, envelope_token, is_main_proposal, product_type, status, signed, benefit_number, client_id, created_at, last_updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(&c.ID, &c.Token, &c.EnvelopeToken, &c.IsMainProposal, &c.ProductType,
		&c.Status, &c.Signed, &c.BenefitNumber, &c.ClientID, &c.CreatedAt, &c.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrContractNotFound
	}
	if err != nil {
		return Contract{}, fmt.Errorf("contract: scan contract: %w", err)
	}
	return c, nil
}

func (r *Repository) GetContract(ctx context.Context, q Querier, id int64) (Contract, error) {
	return scanContract(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=$1`, id))
}

func (r *Repository) GetContractByProposalKey(ctx context.Context, q Querier, proposalKey string) (Contract, error) {
	return scanContract(q.QueryRow(ctx, `
SELECT `+contractColumns+`
FROM contracts c
WHERE EXISTS (
    SELECT 1 FROM products p
    WHERE p.contract_id = c.id AND p.proposal_key = $1
)`, proposalKey))
}

// GetContractForUpdate locks the contract row for the rest of the
// transaction, serializing concurrent webhook handlers on one contract.
func (r *Repository) GetContractForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Contract, error) {
	return scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=$1 FOR UPDATE`, id))
}

const productColumns = `id, contract_id, type, status,
typed_installment, typed_outstanding_balance, monthly_rate, term_months,
recalculated_rate, recalculated_installment,
proposal_key, operation_key, related_party_key,
insertion_success, insertion_reason, signature_success, signature_reason,
document_link_success, document_link_reason, submission_success, submission_reason,
acceptance_success, acceptance_reason, refusal_success, refusal_reason,
disbursement_success, disbursement_reason, resubmission_success, resubmission_reason,
final_due_balance, portability_number, original_contract_number,
disbursement_date, insertion_in_flight,
released_amount, due_amount, change_amount`

func scanProduct(row pgx.Row) (ProductRecord, error) {
	var p ProductRecord
	err := row.Scan(&p.ID, &p.ContractID, &p.Type, &p.Status,
		&p.TypedInstallment, &p.TypedOutstandingBalance, &p.MonthlyRate, &p.TermMonths,
		&p.RecalculatedRate, &p.RecalculatedInstallment,
		&p.ProposalKey, &p.OperationKey, &p.RelatedPartyKey,
		&p.Insertion.Success, &p.Insertion.Reason, &p.Signature.Success, &p.Signature.Reason,
		&p.DocumentLink.Success, &p.DocumentLink.Reason, &p.Submission.Success, &p.Submission.Reason,
		&p.Acceptance.Success, &p.Acceptance.Reason, &p.Refusal.Success, &p.Refusal.Reason,
		&p.Disbursement.Success, &p.Disbursement.Reason, &p.Resubmission.Success, &p.Resubmission.Reason,
		&p.FinalDueBalance, &p.PortabilityNumber, &p.OriginalContractNumber,
		&p.DisbursementDate, &p.InsertionInFlight,
		&p.ReleasedAmount, &p.DueAmount, &p.Change)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductRecord{}, ErrProductNotFound
	}
	if err != nil {
		return ProductRecord{}, fmt.Errorf("contract: scan product: %w", err)
	}
	return p, nil
}

func (r *Repository) GetProduct(ctx context.Context, q Querier, contractID int64, t ProductType) (ProductRecord, error) {
	return scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE contract_id=$1 AND type=$2`, contractID, string(t)))
}

func (r *Repository) GetProductForUpdate(ctx context.Context, tx pgx.Tx, contractID int64, t ProductType) (ProductRecord, error) {
	return scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE contract_id=$1 AND type=$2 FOR UPDATE`, contractID, string(t)))
}

// SetProposalKeys stores the correlation keys issued by the partner. The
// proposal key is write-once; a second set is a data inconsistency.
func (r *Repository) SetProposalKeys(ctx context.Context, tx pgx.Tx, productID int64, proposalKey, operationKey, relatedPartyKey string) error {
	tag, err := tx.Exec(ctx, `
UPDATE products
SET proposal_key=$1, operation_key=$2, related_party_key=$3
WHERE id=$4 AND proposal_key=''
`, proposalKey, operationKey, relatedPartyKey, productID)
	if err != nil {
		return fmt.Errorf("contract: set proposal keys: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProposalKeyAlreadySet
	}
	return nil
}

// UpdateStatuses mirrors a ledger append onto the product and contract
// rows. Callers append the ledger entry in the same transaction.
func (r *Repository) UpdateStatuses(ctx context.Context, tx pgx.Tx, contractID, productID int64, next ProductStatus) error {
	if _, err := tx.Exec(ctx, `
UPDATE products SET status=$1 WHERE id=$2
`, string(next), productID); err != nil {
		return fmt.Errorf("contract: update product status: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE contracts SET status=$1, last_updated_at=now() WHERE id=$2
`, string(coarseFor(next)), contractID); err != nil {
		return fmt.Errorf("contract: update contract status: %w", err)
	}
	return nil
}

// RecordOutcome persists the (success, reason) pair for one external action.
func (r *Repository) RecordOutcome(ctx context.Context, tx pgx.Tx, productID int64, action Action, success bool, reason string) error {
	cols, ok := outcomeColumns[action]
	if !ok {
		return fmt.Errorf("contract: unknown action %q", action)
	}
	sql := fmt.Sprintf(`UPDATE products SET %s=$1, %s=$2 WHERE id=$3`, cols[0], cols[1])
	if _, err := tx.Exec(ctx, sql, success, reason, productID); err != nil {
		return fmt.Errorf("contract: record %s outcome: %w", action, err)
	}
	return nil
}

// SaveRecalculatedTerms persists the rate search result and, for combined
// portability+refinancing contracts, propagates the installment to the
// refinancing row.
func (r *Repository) SaveRecalculatedTerms(ctx context.Context, tx pgx.Tx, productID int64, rate, installment decimal.Decimal) error {
	if _, err := tx.Exec(ctx, `
UPDATE products SET recalculated_rate=$1, recalculated_installment=$2 WHERE id=$3
`, rate, installment, productID); err != nil {
		return fmt.Errorf("contract: save recalculated terms: %w", err)
	}
	return nil
}

func (r *Repository) SaveConfirmedBalance(ctx context.Context, tx pgx.Tx, productID int64, balance decimal.Decimal, portabilityNumber, originalContractNumber string) error {
	if _, err := tx.Exec(ctx, `
UPDATE products
SET final_due_balance=$1, portability_number=$2, original_contract_number=$3
WHERE id=$4
`, balance, portabilityNumber, originalContractNumber, productID); err != nil {
		return fmt.Errorf("contract: save confirmed balance: %w", err)
	}
	return nil
}

func (r *Repository) SetDisbursementDate(ctx context.Context, tx pgx.Tx, productID int64, date string) error {
	if _, err := tx.Exec(ctx, `
UPDATE products SET disbursement_date=$1 WHERE id=$2
`, date, productID); err != nil {
		return fmt.Errorf("contract: set disbursement date: %w", err)
	}
	return nil
}

// MarkSigned flags the contract as signed by the client.
func (r *Repository) MarkSigned(ctx context.Context, tx pgx.Tx, contractID int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE contracts SET signed=true, last_updated_at=now() WHERE id=$1
`, contractID); err != nil {
		return fmt.Errorf("contract: mark signed: %w", err)
	}
	return nil
}

// InsertWebhookDelivery reserves the delivery key; replays surface as
// ErrDuplicateDelivery via the unique constraint.
func (r *Repository) InsertWebhookDelivery(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("contract: empty delivery key")
	}
	_, err := tx.Exec(ctx, `INSERT INTO webhook_deliveries (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("contract: insert delivery key: %w", err)
	}
	return nil
}

// DeleteWebhookDelivery releases a reserved delivery key after a failed
// dispatch so the partner's retry is processed instead of absorbed.
func (r *Repository) DeleteWebhookDelivery(ctx context.Context, q Execer, key string) error {
	if _, err := q.Exec(ctx, `DELETE FROM webhook_deliveries WHERE key=$1`, key); err != nil {
		return fmt.Errorf("contract: delete delivery key: %w", err)
	}
	return nil
}

// AcquireInsertionLease takes the per-product insertion lease with a
// compare-and-set. A zero row count means another worker holds it.
func (r *Repository) AcquireInsertionLease(ctx context.Context, q Execer, productID int64) error {
	tag, err := q.Exec(ctx, `
UPDATE products SET insertion_in_flight=true
WHERE id=$1 AND insertion_in_flight=false
`, productID)
	if err != nil {
		return fmt.Errorf("contract: acquire insertion lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsertionInFlight
	}
	return nil
}

// ReleaseInsertionLease clears the lease. It must run on every exit path
// of the insertion flow.
func (r *Repository) ReleaseInsertionLease(ctx context.Context, q Execer, productID int64) error {
	if _, err := q.Exec(ctx, `
UPDATE products SET insertion_in_flight=false WHERE id=$1
`, productID); err != nil {
		return fmt.Errorf("contract: release insertion lease: %w", err)
	}
	return nil
}

// Execer is the write surface shared by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *Repository) InsertPaymentRefusal(ctx context.Context, tx pgx.Tx, rec PaymentRefusalRecord) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO payment_refusals (product_id, reason_code, reason_description, bank_account_ref, is_pix, is_ted)
VALUES ($1,$2,$3,$4,$5,$6)
`, rec.ProductID, rec.ReasonCode, rec.ReasonDescription, rec.BankAccountRef, rec.IsPix, rec.IsTed); err != nil {
		return fmt.Errorf("contract: insert payment refusal: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a message consumed by the async dispatcher, in the
// same transaction as the state change that caused it.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO outbox (topic, payload) VALUES ($1, $2)
`, topic, b); err != nil {
		return fmt.Errorf("contract: enqueue outbox: %w", err)
	}
	return nil
}

// ClaimOutbox locks a batch of pending outbox messages for one dispatcher
// pass. SKIP LOCKED lets concurrent dispatchers drain disjoint batches.
func (r *Repository) ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxMessage, error) {
	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`, limit)
	if err != nil {
		return nil, fmt.Errorf("contract: claim outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan outbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: claim outbox: %w", err)
	}
	return msgs, nil
}

// CompleteOutbox marks a message delivered.
func (r *Repository) CompleteOutbox(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'done' WHERE id = $1
`, id); err != nil {
		return fmt.Errorf("contract: complete outbox: %w", err)
	}
	return nil
}

// FailOutbox counts a failed attempt and parks the message as failed once
// maxAttempts is reached; otherwise it returns to pending for a later pass.
func (r *Repository) FailOutbox(ctx context.Context, tx pgx.Tx, id int64, maxAttempts int, lastError string) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
WHERE id = $1
`, id, lastError, maxAttempts); err != nil {
		return fmt.Errorf("contract: fail outbox: %w", err)
	}
	return nil
}
