package contract

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"consignflow/eligibility"
	"consignflow/partner"
	"consignflow/recalc"
)

// memStore backs the lifecycle with one contract, one product and one
// client held in memory, answering the repository's SQL by shape. The
// ledger and outbox are plain slices so tests can assert on them directly.
type memStore struct {
	contract Contract
	product  ProductRecord
	client   Client
	policy   recalc.Policy
	bands    []eligibility.AgeBand
	ledger   []LedgerEntry
	outbox   []string
}

func (s *memStore) ledgerCount(name ProductStatus) int {
	n := 0
	for _, e := range s.ledger {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (s *memStore) ledgerNames() []ProductStatus {
	names := make([]ProductStatus, len(s.ledger))
	for i, e := range s.ledger {
		names[i] = e.Name
	}
	return names
}

func (s *memStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.query(sql)
}

func (s *memStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.queryRow(sql, args)
}

func (s *memStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.exec(sql, args)
	return pgconn.CommandTag{}, nil
}

func (s *memStore) queryRow(sql string, args []any) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO status_ledger"):
		entry := LedgerEntry{
			ID:          int64(len(s.ledger) + 1),
			ContractID:  args[0].(int64),
			Name:        ProductStatus(args[1].(string)),
			Description: args[2].(string),
			CreatedAt:   time.Now(),
		}
		s.ledger = append(s.ledger, entry)
		return memRow{vals: []any{entry.ID, entry.CreatedAt}}

	case strings.Contains(sql, "SELECT EXISTS"):
		names := args[1].([]string)
		found := false
		for _, e := range s.ledger {
			for _, n := range names {
				if string(e.Name) == n {
					found = true
				}
			}
		}
		return memRow{vals: []any{found}}

	case strings.Contains(sql, "p.proposal_key"):
		if args[0].(string) != s.product.ProposalKey {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{vals: contractVals(s.contract)}

	case strings.Contains(sql, "FROM clients"):
		return memRow{vals: clientVals(s.client)}

	case strings.Contains(sql, "FROM policy_params"):
		p := s.policy
		return memRow{vals: []any{p.RateMin, p.RateMax, p.InstallmentMin, p.InstallmentMax,
			p.SafetyMargin, p.RecalcRateFloor, p.MinLoanAmount, p.MaxLoanAmount,
			p.MinChangeAmount, p.MaxAutoApprovePct, p.MaxPendPct}}

	case strings.Contains(sql, "FROM products"):
		if ProductType(args[1].(string)) != s.product.Type {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{vals: productVals(s.product)}

	case strings.Contains(sql, "FROM contracts"):
		return memRow{vals: contractVals(s.contract)}
	}
	return memRow{err: fmt.Errorf("memStore: unexpected query %q", sql)}
}

func (s *memStore) query(sql string) (pgx.Rows, error) {
	if strings.Contains(sql, "FROM age_bands") {
		rows := make([][]any, len(s.bands))
		for i, b := range s.bands {
			rows[i] = []any{b.AgeMin, b.AgeMax, b.TermMin, b.TermMax, b.AmountMin, b.AmountMax}
		}
		return &memRows{rows: rows}, nil
	}
	return &memRows{}, nil
}

func (s *memStore) exec(sql string, args []any) {
	switch {
	case strings.Contains(sql, "UPDATE products SET status"):
		s.product.Status = ProductStatus(args[0].(string))
	case strings.Contains(sql, "UPDATE contracts SET status"):
		s.contract.Status = Status(args[0].(string))
	case strings.Contains(sql, "INSERT INTO outbox"):
		s.outbox = append(s.outbox, args[0].(string))
	case strings.Contains(sql, "SET final_due_balance"):
		b := args[0].(decimal.Decimal)
		s.product.FinalDueBalance = &b
		s.product.PortabilityNumber = args[1].(string)
		s.product.OriginalContractNumber = args[2].(string)
	}
}

func contractVals(c Contract) []any {
	return []any{c.ID, c.Token, c.EnvelopeToken, c.IsMainProposal, c.ProductType,
		c.Status, c.Signed, c.BenefitNumber, c.ClientID, c.CreatedAt, c.LastUpdatedAt}
}

func productVals(p ProductRecord) []any {
	return []any{p.ID, p.ContractID, p.Type, p.Status,
		p.TypedInstallment, p.TypedOutstandingBalance, p.MonthlyRate, p.TermMonths,
		p.RecalculatedRate, p.RecalculatedInstallment,
		p.ProposalKey, p.OperationKey, p.RelatedPartyKey,
		p.Insertion.Success, p.Insertion.Reason, p.Signature.Success, p.Signature.Reason,
		p.DocumentLink.Success, p.DocumentLink.Reason, p.Submission.Success, p.Submission.Reason,
		p.Acceptance.Success, p.Acceptance.Reason, p.Refusal.Success, p.Refusal.Reason,
		p.Disbursement.Success, p.Disbursement.Reason, p.Resubmission.Success, p.Resubmission.Reason,
		p.FinalDueBalance, p.PortabilityNumber, p.OriginalContractNumber,
		p.DisbursementDate, p.InsertionInFlight,
		p.ReleasedAmount, p.DueAmount, p.Change}
}

func clientVals(cl Client) []any {
	return []any{cl.ID, cl.CPF, cl.Name, cl.Phone, cl.BirthDate,
		cl.BenefitSpecies, cl.BenefitGrantDate, cl.MonthsOnBenefit}
}

type memRow struct {
	vals []any
	err  error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r.vals[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

type memRows struct {
	rows [][]any
	i    int
}

func (r *memRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *memRows) Scan(dest ...any) error {
	return memRow{vals: r.rows[r.i-1]}.Scan(dest...)
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) Values() ([]any, error)                       { return nil, nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

type memTx struct {
	store *memStore
}

func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.store.Exec(ctx, sql, args...)
}

func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.store.Query(ctx, sql, args...)
}

func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.store.QueryRow(ctx, sql, args...)
}

func (t *memTx) Commit(context.Context) error   { return nil }
func (t *memTx) Rollback(context.Context) error { return nil }

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memTx does not support nested transactions")
}

func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *memTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *memTx) Conn() *pgx.Conn { return nil }

// cancelOncePartner succeeds the first refusal and reports the proposal
// already cancelled on every later one, the way the partner behaves.
type cancelOncePartner struct {
	stubPartnerClient
	refuseCalls int
}

func (p *cancelOncePartner) Refuse(ctx context.Context, proposalKey string) error {
	p.refuseCalls++
	if p.refuseCalls > 1 {
		return &partner.Error{Code: "proposal_already_canceled", Description: "already canceled"}
	}
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newMemLifecycle(store *memStore, pc partner.Client) *Lifecycle {
	repo := NewRepository()
	ledger := NewStatusLedger()
	return NewLifecycle(LifecycleParams{
		DB:      store,
		Repo:    repo,
		Ledger:  ledger,
		Status:  NewStatusService(repo, ledger),
		Partner: pc,
		Logger:  zap.NewNop(),
	})
}

func portabilityStore(status ProductStatus) *memStore {
	grant := time.Date(2015, time.January, 10, 0, 0, 0, 0, time.UTC)
	return &memStore{
		contract: Contract{
			ID:          7,
			ProductType: ProductPortability,
			Status:      StatusUnderReview,
			ClientID:    3,
		},
		product: ProductRecord{
			ID:                      11,
			ContractID:              7,
			Type:                    ProductPortability,
			Status:                  status,
			ProposalKey:             "pk-mem",
			TypedInstallment:        dec("350"),
			TypedOutstandingBalance: dec("12000"),
			MonthlyRate:             dec("0.018"),
			TermMonths:              48,
		},
		client: Client{
			ID:               3,
			CPF:              "52998224725",
			Name:             "Jose Andrade",
			Phone:            "+5511999990000",
			BirthDate:        time.Date(1958, time.April, 12, 0, 0, 0, 0, time.UTC),
			BenefitSpecies:   21,
			BenefitGrantDate: &grant,
			MonthsOnBenefit:  120,
		},
		policy: recalc.Policy{
			RateMin:        dec("0.01"),
			RateMax:        dec("0.03"),
			InstallmentMin: dec("100"),
			InstallmentMax: dec("1000"),
			MinLoanAmount:  dec("500"),
		},
		bands: []eligibility.AgeBand{{
			AgeMin:    dec("0"),
			AgeMax:    dec("99.11"),
			TermMin:   1,
			TermMax:   96,
			AmountMin: dec("0"),
			AmountMax: dec("1000000"),
		}},
	}
}

func TestRefuseProposal_SingleRefusedEntry(t *testing.T) {
	store := portabilityStore(ProductAwaitingDeskReview)
	pc := &cancelOncePartner{}
	lc := newMemLifecycle(store, pc)
	ctx := context.Background()

	if err := lc.RefuseProposal(ctx, 7, "client withdrew"); err != nil {
		t.Fatalf("first refusal: %v", err)
	}
	if got := store.ledgerCount(ProductRefused); got != 1 {
		t.Fatalf("expected one refused ledger entry, got %d", got)
	}
	if store.product.Status != ProductRefused {
		t.Errorf("expected product refused, got %s", store.product.Status)
	}
	if store.contract.Status != StatusCancelled {
		t.Errorf("expected contract cancelled, got %s", store.contract.Status)
	}

	// The partner reports the proposal already cancelled; the second call
	// must succeed without a second ledger entry.
	if err := lc.RefuseProposal(ctx, 7, "client withdrew"); err != nil {
		t.Fatalf("second refusal: %v", err)
	}
	if got := store.ledgerCount(ProductRefused); got != 1 {
		t.Errorf("expected refused entry to stay unique, got %d", got)
	}
	if pc.refuseCalls != 2 {
		t.Errorf("expected two upstream refusal calls, got %d", pc.refuseCalls)
	}
}

func TestHandleProposalAccepted_ReplayIgnored(t *testing.T) {
	store := portabilityStore(ProductAwaitingBalanceReturn)
	lc := newMemLifecycle(store, &stubPartnerClient{})
	ctx := context.Background()

	ev := AcceptedEvent{
		ProposalKey:      "pk-mem",
		ConfirmedBalance: dec("12000"),
		PartnerCPF:       "52998224725",
	}
	if err := lc.HandleProposalAccepted(ctx, ev); err != nil {
		t.Fatalf("acceptance: %v", err)
	}
	if store.product.Status != ProductAwaitingBalanceConfirmation {
		t.Fatalf("expected awaiting balance confirmation, got %s", store.product.Status)
	}
	if len(store.ledger) != 1 {
		t.Fatalf("expected one ledger entry, got %v", store.ledgerNames())
	}

	if err := lc.HandleProposalAccepted(ctx, ev); err != nil {
		t.Fatalf("replayed acceptance: %v", err)
	}
	if len(store.ledger) != 1 {
		t.Errorf("expected replay to leave the ledger unchanged, got %v", store.ledgerNames())
	}
}

func TestHandleProposalAccepted_CPFMismatchRefuses(t *testing.T) {
	store := portabilityStore(ProductAwaitingBalanceReturn)
	lc := newMemLifecycle(store, &stubPartnerClient{})
	ctx := context.Background()

	ev := AcceptedEvent{
		ProposalKey:      "pk-mem",
		ConfirmedBalance: dec("12000"),
		PartnerCPF:       "00000000000",
	}
	err := lc.HandleProposalAccepted(ctx, ev)
	if !errors.Is(err, ErrDataInconsistency) {
		t.Fatalf("expected data inconsistency error, got %v", err)
	}
	if got := store.ledgerCount(ProductRefused); got != 1 {
		t.Fatalf("expected one refused ledger entry, got %d", got)
	}
	if store.product.Status != ProductRefused {
		t.Errorf("expected product refused, got %s", store.product.Status)
	}

	// The partner resends the acceptance; the refused entry blocks any
	// further processing of it.
	if err := lc.HandleProposalAccepted(ctx, ev); err != nil {
		t.Fatalf("replayed acceptance after refusal: %v", err)
	}
	if got := store.ledgerCount(ProductRefused); got != 1 {
		t.Errorf("expected refused entry to stay unique, got %d", got)
	}
}

func TestSettlementJoin_PaidArrivesFirst(t *testing.T) {
	store := portabilityStore(ProductAwaitingDisbursement)
	lc := newMemLifecycle(store, &stubPartnerClient{})
	ctx := context.Background()

	if err := lc.HandlePaid(ctx, 7); err != nil {
		t.Fatalf("paid signal: %v", err)
	}
	want := []ProductStatus{ProductDisbursed, ProductAwaitingEndorsementConfirmation}
	if got := store.ledgerNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected ledger %v, got %v", want, got)
	}

	// Replaying the first signal before the second arrives is a no-op.
	if err := lc.HandlePaid(ctx, 7); err != nil {
		t.Fatalf("replayed paid signal: %v", err)
	}
	if got := store.ledgerCount(ProductAwaitingEndorsementConfirmation); got != 1 {
		t.Fatalf("expected one parking entry, got %d", got)
	}

	if err := lc.HandleCollateralConstituted(ctx, 7); err != nil {
		t.Fatalf("collateral signal: %v", err)
	}
	if store.product.Status != ProductFinalized {
		t.Fatalf("expected finalized, got %s", store.product.Status)
	}
	if store.contract.Status != StatusPaid {
		t.Errorf("expected contract paid, got %s", store.contract.Status)
	}
	if got := store.ledgerCount(ProductFinalized); got != 1 {
		t.Fatalf("expected one finalized entry, got %d", got)
	}

	// Late replays of either signal after finalization change nothing.
	if err := lc.HandleCollateralConstituted(ctx, 7); err != nil {
		t.Fatalf("replayed collateral signal: %v", err)
	}
	if err := lc.HandlePaid(ctx, 7); err != nil {
		t.Fatalf("replayed paid signal after finalization: %v", err)
	}
	if got := store.ledgerCount(ProductFinalized); got != 1 {
		t.Errorf("expected finalized entry to stay unique, got %d", got)
	}
}
