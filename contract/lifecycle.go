package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"consignflow/eligibility"
	"consignflow/notify"
	"consignflow/partner"
	"consignflow/recalc"
)

// DB is the pool surface the lifecycle needs: transactions for state
// changes, direct reads, and lease writes outside any transaction.
type DB interface {
	TxBeginner
	Querier
	Execer
}

// Lifecycle orchestrates insert, submit, accept/refuse, disbursement and
// settlement against the financial partner, translating its signals into
// ledger transitions. One generic controller serves every product type
// through its ProductPolicy.
type Lifecycle struct {
	db         DB
	repo       *Repository
	ledger     *StatusLedger
	status     *StatusService
	partner    partner.Client
	engine     *recalc.Engine
	notifier   *notify.Notifier
	policies   map[ProductType]ProductPolicy
	speciesCfg eligibility.SpeciesConfig
	now        func() time.Time
	logger     *zap.Logger
}

type LifecycleParams struct {
	DB         DB
	Repo       *Repository
	Ledger     *StatusLedger
	Status     *StatusService
	Partner    partner.Client
	Engine     *recalc.Engine
	Notifier   *notify.Notifier
	Policies   map[ProductType]ProductPolicy
	SpeciesCfg eligibility.SpeciesConfig
	Now        func() time.Time
	Logger     *zap.Logger
}

func NewLifecycle(p LifecycleParams) *Lifecycle {
	if p.Policies == nil {
		p.Policies = DefaultPolicies()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Lifecycle{
		db:         p.DB,
		repo:       p.Repo,
		ledger:     p.Ledger,
		status:     p.Status,
		partner:    p.Partner,
		engine:     p.Engine,
		notifier:   p.Notifier,
		policies:   p.Policies,
		speciesCfg: p.SpeciesCfg,
		now:        p.Now,
		logger:     p.Logger,
	}
}

func (s *Lifecycle) policyFor(t ProductType) (ProductPolicy, error) {
	pol, ok := s.policies[t]
	if !ok {
		return nil, fmt.Errorf("contract: no policy for product type %s", t)
	}
	return pol, nil
}

func (s *Lifecycle) loadForUpdate(ctx context.Context, tx pgx.Tx, contractID int64) (Contract, ProductRecord, error) {
	c, err := s.repo.GetContractForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, ProductRecord{}, err
	}
	p, err := s.repo.GetProductForUpdate(ctx, tx, c.ID, c.ProductType)
	if err != nil {
		return Contract{}, ProductRecord{}, err
	}
	return c, p, nil
}

// InsertProposal builds the partner payload and registers the proposal.
// The per-product insertion lease is taken before the external call and
// released on every exit path; a held lease surfaces as
// ErrInsertionInFlight and the caller must not retry immediately.
func (s *Lifecycle) InsertProposal(ctx context.Context, contractID int64) error {
	c, err := s.repo.GetContract(ctx, s.db, contractID)
	if err != nil {
		return err
	}
	pol, err := s.policyFor(c.ProductType)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProduct(ctx, s.db, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	if err := pol.Validate(p); err != nil {
		return err
	}
	cl, err := s.repo.GetClient(ctx, s.db, c.ClientID)
	if err != nil {
		return err
	}

	if err := s.repo.AcquireInsertionLease(ctx, s.db, p.ID); err != nil {
		return err
	}
	defer func() {
		if err := s.repo.ReleaseInsertionLease(ctx, s.db, p.ID); err != nil {
			s.logger.Error("insertion lease release failed",
				zap.Int64("product_id", p.ID), zap.Error(err))
		}
	}()

	res, insertErr := s.partner.InsertProposal(ctx, partner.ProposalPayload{
		ProductType:            pol.PartnerProductType(),
		CPF:                    cl.CPF,
		ClientName:             cl.Name,
		BenefitNumber:          c.BenefitNumber,
		OutstandingBalance:     p.TypedOutstandingBalance,
		Installment:            p.TypedInstallment,
		MonthlyRate:            p.MonthlyRate,
		TermMonths:             p.TermMonths,
		OriginalContractNumber: p.OriginalContractNumber,
	})

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if insertErr != nil {
		if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionInsertion, false, insertErr.Error()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("contract: commit insertion failure: %w", err)
		}
		return fmt.Errorf("contract: insert proposal: %w", insertErr)
	}

	if err := s.repo.SetProposalKeys(ctx, tx, p.ID, res.ProposalKey, res.OperationKey, res.RelatedPartyKey); err != nil {
		return err
	}
	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionInsertion, true, ""); err != nil {
		return err
	}
	if res.DocumentURL != "" {
		if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionDocumentLink, true, res.DocumentURL); err != nil {
			return err
		}
	}

	switch p.Status {
	case ProductDrafting:
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingRegistryConfirmation, "proposal registered with partner, awaiting registry confirmation", nil); err != nil {
			return err
		}
	case ProductRegistryConfirmed:
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingClientFormalization, "proposal registered with partner, awaiting client formalization", nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit insertion: %w", err)
	}

	if p.Status == ProductAwaitingClientFormalization {
		s.notifier.Notify(ctx, cl.Phone, "Your contract is ready to sign.")
	}
	return nil
}

// HandleRegistryReturn processes the benefit registry confirmation. A
// blocked benefit or a failed species check refuses the contract.
func (s *Lifecycle) HandleRegistryReturn(ctx context.Context, contractID int64, statusText string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	seen, err := s.ledger.Exists(ctx, tx, c.ID, ProductRegistryConfirmed, ProductRefused)
	if err != nil {
		return err
	}
	if seen {
		return tx.Commit(ctx)
	}

	if eligibility.IsRegistryBenefitBlocked(statusText) {
		if err := s.status.Refuse(ctx, tx, &c, &p, fmt.Sprintf("benefit registry reports %q", statusText), nil); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	cl, err := s.repo.GetClient(ctx, tx, c.ClientID)
	if err != nil {
		return err
	}
	age := eligibility.AgeYearsMonths(cl.BirthDate, s.now())
	if res := eligibility.EvaluateSpecies(cl.BenefitSpecies, int(age.IntPart()), s.speciesCfg); !res.Approved {
		if err := s.status.Refuse(ctx, tx, &c, &p, res.Reason, nil); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := s.status.Transition(ctx, tx, &c, &p, ProductRegistryConfirmed, "benefit registry confirmed eligibility", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HandleSignedDocument records the client signature and submits the
// proposal to the partner.
func (s *Lifecycle) HandleSignedDocument(ctx context.Context, contractID int64, documentURL string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	seen, err := s.ledger.Exists(ctx, tx, c.ID, ProductDocumentsSubmitted)
	if err != nil {
		return err
	}
	if seen {
		return tx.Commit(ctx)
	}

	if err := s.repo.MarkSigned(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionSignature, true, documentURL); err != nil {
		return err
	}
	if err := s.status.Transition(ctx, tx, &c, &p, ProductDocumentsSubmitted, "signed documents received", nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit signature: %w", err)
	}

	return s.SubmitProposal(ctx, contractID)
}

// SubmitProposal forwards the formalized proposal to the partner. A
// partner report of an already submitted proposal counts as success.
func (s *Lifecycle) SubmitProposal(ctx context.Context, contractID int64) error {
	c, err := s.repo.GetContract(ctx, s.db, contractID)
	if err != nil {
		return err
	}
	pol, err := s.policyFor(c.ProductType)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProduct(ctx, s.db, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	if p.ProposalKey == "" {
		return ErrMissingProposalKey
	}

	submitErr := s.partner.Submit(ctx, p.ProposalKey)
	if submitErr != nil && partner.IsAlreadySubmitted(submitErr) {
		submitErr = nil
	}
	if submitErr != nil && errors.Is(submitErr, partner.ErrUnavailable) {
		return submitErr
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Reload under lock; the in-memory copy predates the transaction.
	c, p, err = s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}

	if submitErr != nil {
		if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionSubmission, false, submitErr.Error()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("contract: commit submission failure: %w", err)
		}
		return fmt.Errorf("contract: submit proposal: %w", submitErr)
	}

	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionSubmission, true, ""); err != nil {
		return err
	}
	if p.Status == ProductDocumentsSubmitted {
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingBalanceReturn, "proposal submitted, awaiting balance return", nil); err != nil {
			return err
		}
		if !pol.NeedsBalanceReturn() {
			if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingBalanceConfirmation, "no origin balance to confirm", nil); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit submission: %w", err)
	}
	return nil
}

// AcceptedEvent is the partner's proposal acceptance with the confirmed
// outstanding balance from the origin institution.
type AcceptedEvent struct {
	ProposalKey            string
	ConfirmedBalance       decimal.Decimal
	PortabilityNumber      string
	OriginalContractNumber string
	PartnerCPF             string
	PartnerBenefitNumber   string
	OverdueInstallments    int
}

// HandleProposalAccepted runs the balance-return pipeline: consistency
// checks, policy amount bounds, eligibility rules, then recalculation when
// the confirmed balance differs from the typed one. Replays are detected
// through the ledger and ignored.
func (s *Lifecycle) HandleProposalAccepted(ctx context.Context, ev AcceptedEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetContractByProposalKey(ctx, tx, ev.ProposalKey)
	if err != nil {
		return err
	}
	c, p, err := s.loadForUpdate(ctx, tx, c.ID)
	if err != nil {
		return err
	}

	seen, err := s.ledger.Exists(ctx, tx, c.ID,
		ProductRecalculationNeeded, ProductAwaitingBalanceConfirmation, ProductRefused, ProductFinalized)
	if err != nil {
		return err
	}
	if seen {
		s.logger.Info("duplicate proposal acceptance ignored", zap.Int64("contract_id", c.ID))
		return tx.Commit(ctx)
	}

	cl, err := s.repo.GetClient(ctx, tx, c.ClientID)
	if err != nil {
		return err
	}
	if ev.PartnerCPF != "" && ev.PartnerCPF != cl.CPF {
		return s.refuseInconsistent(ctx, tx, &c, &p, "partner CPF does not match local records")
	}
	if ev.PartnerBenefitNumber != "" && c.BenefitNumber != "" && ev.PartnerBenefitNumber != c.BenefitNumber {
		return s.refuseInconsistent(ctx, tx, &c, &p, "partner benefit number does not match local records")
	}
	if ev.OriginalContractNumber != "" && p.OriginalContractNumber != "" && ev.OriginalContractNumber != p.OriginalContractNumber {
		return s.refuseInconsistent(ctx, tx, &c, &p, "partner contract number does not match local records")
	}

	if err := s.repo.SaveConfirmedBalance(ctx, tx, p.ID, ev.ConfirmedBalance, ev.PortabilityNumber, ev.OriginalContractNumber); err != nil {
		return err
	}

	pol, err := s.repo.GetPolicyParams(ctx, tx, c.ProductType)
	if err != nil {
		return err
	}
	refuse := func(reason string) error {
		if err := s.status.Refuse(ctx, tx, &c, &p, reason, nil); err != nil {
			return err
		}
		if err := s.enqueuePartnerRefusal(ctx, tx, c.ID, reason); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if ev.OverdueInstallments > 0 {
		return refuse(fmt.Sprintf("%d overdue installments on the origin contract", ev.OverdueInstallments))
	}
	if ev.ConfirmedBalance.LessThan(pol.MinLoanAmount) {
		return refuse(fmt.Sprintf("confirmed balance %s below minimum loan amount %s", ev.ConfirmedBalance, pol.MinLoanAmount))
	}
	if pol.MaxLoanAmount.IsPositive() && ev.ConfirmedBalance.GreaterThan(pol.MaxLoanAmount) {
		return refuse(fmt.Sprintf("confirmed balance %s above maximum loan amount %s", ev.ConfirmedBalance, pol.MaxLoanAmount))
	}

	age := eligibility.AgeYearsMonths(cl.BirthDate, s.now())
	if res := eligibility.EvaluateMortalityRule(cl.BenefitSpecies, cl.BenefitGrantDate, ageAtGrant(cl), cl.MonthsOnBenefit, p.TermMonths); !res.Approved {
		return refuse(res.Reason)
	}
	bands, err := s.repo.GetAgeBands(ctx, tx)
	if err != nil {
		return err
	}
	if res := eligibility.EvaluateAgeBand(age, p.TermMonths, ev.ConfirmedBalance, bands); !res.Approved {
		return refuse(res.Reason)
	}

	if ev.ConfirmedBalance.Round(4).Equal(p.TypedOutstandingBalance.Round(4)) {
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingBalanceConfirmation, "confirmed balance matches typed balance", nil); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := s.status.Transition(ctx, tx, &c, &p, ProductRecalculationNeeded, fmt.Sprintf("confirmed balance %s differs from typed %s", ev.ConfirmedBalance, p.TypedOutstandingBalance), nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit acceptance: %w", err)
	}

	return s.RunRecalculation(ctx, c.ID)
}

func ageAtGrant(cl Client) int {
	if cl.BenefitGrantDate == nil {
		return 0
	}
	years := cl.BenefitGrantDate.Year() - cl.BirthDate.Year()
	if cl.BenefitGrantDate.YearDay() < cl.BirthDate.YearDay() {
		years--
	}
	return years
}

func (s *Lifecycle) refuseInconsistent(ctx context.Context, tx pgx.Tx, c *Contract, p *ProductRecord, reason string) error {
	if err := s.status.Refuse(ctx, tx, c, p, reason, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit inconsistency refusal: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrDataInconsistency, reason)
}

// enqueuePartnerRefusal defers the upstream refusal call to the async
// dispatcher so the local transaction never blocks on the partner.
func (s *Lifecycle) enqueuePartnerRefusal(ctx context.Context, tx pgx.Tx, contractID int64, reason string) error {
	return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDisbursementConfirm, map[string]any{
		"action":      "refuse_proposal",
		"contract_id": contractID,
		"reason":      reason,
	})
}

// RunRecalculation searches for a compliant rate/installment pair and
// routes the outcome: approvals to the formalization desk, pends to the
// corban desk, refusals out of the pipeline and upstream to the partner.
func (s *Lifecycle) RunRecalculation(ctx context.Context, contractID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if p.Status != ProductRecalculationNeeded {
		return tx.Commit(ctx)
	}
	if p.FinalDueBalance == nil {
		return fmt.Errorf("%w: recalculation without confirmed balance", ErrDataInconsistency)
	}
	pol, err := s.repo.GetPolicyParams(ctx, tx, c.ProductType)
	if err != nil {
		return err
	}

	var out recalc.Outcome
	if c.ProductType == ProductPortabilityRefinancing {
		out, err = s.recalculateRefinancing(ctx, tx, c, p, pol)
	} else {
		out, err = s.engine.Run(ctx, recalc.Input{
			TypedBalance:     p.TypedOutstandingBalance,
			ConfirmedBalance: *p.FinalDueBalance,
			TypedRate:        p.MonthlyRate,
			TypedInstallment: p.TypedInstallment,
			TermMonths:       p.TermMonths,
			Policy:           pol,
		})
	}
	if err != nil {
		return err
	}

	switch out.Decision {
	case recalc.DecisionApproved:
		if err := s.persistRecalculatedTerms(ctx, tx, c, p, out); err != nil {
			return err
		}
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingDeskReview, fmt.Sprintf("recalculated at rate %s, installment %s", out.Rate, out.Installment), nil); err != nil {
			return err
		}
	case recalc.DecisionPended:
		if err := s.persistRecalculatedTerms(ctx, tx, c, p, out); err != nil {
			return err
		}
		if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingCorbanApproval, out.Reason, nil); err != nil {
			return err
		}
	case recalc.DecisionRefused:
		if err := s.status.Refuse(ctx, tx, &c, &p, out.Reason, nil); err != nil {
			return err
		}
		if err := s.enqueuePartnerRefusal(ctx, tx, c.ID, out.Reason); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit recalculation: %w", err)
	}
	return nil
}

func (s *Lifecycle) persistRecalculatedTerms(ctx context.Context, tx pgx.Tx, c Contract, p ProductRecord, out recalc.Outcome) error {
	if err := s.repo.SaveRecalculatedTerms(ctx, tx, p.ID, out.Rate, out.Installment); err != nil {
		return err
	}
	// The combined product keeps a refinancing row whose installment must
	// follow the recalculated portability terms.
	if c.ProductType == ProductPortabilityRefinancing {
		refin, err := s.repo.GetProduct(ctx, tx, c.ID, ProductRefinancing)
		if err != nil && !errors.Is(err, ErrProductNotFound) {
			return err
		}
		if err == nil {
			if err := s.repo.SaveRecalculatedTerms(ctx, tx, refin.ID, out.Rate, out.Installment); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Lifecycle) recalculateRefinancing(ctx context.Context, tx pgx.Tx, c Contract, p ProductRecord, pol recalc.Policy) (recalc.Outcome, error) {
	refin, err := s.repo.GetProduct(ctx, tx, c.ID, ProductRefinancing)
	if err != nil {
		return recalc.Outcome{}, err
	}
	tiers, err := s.repo.GetRateTiers(ctx, tx, c.ProductType, p.MonthlyRate)
	if err != nil {
		return recalc.Outcome{}, err
	}
	cl, err := s.repo.GetClient(ctx, tx, c.ClientID)
	if err != nil {
		return recalc.Outcome{}, err
	}
	bands, err := s.repo.GetAgeBands(ctx, tx)
	if err != nil {
		return recalc.Outcome{}, err
	}
	age := eligibility.AgeYearsMonths(cl.BirthDate, s.now())

	out, _, err := s.engine.RecalculateRefinancing(ctx, recalc.RefinInput{
		OriginalChange: refin.Change,
		Tiers:          tiers,
		Policy:         pol,
		Quote: func(ctx context.Context, rate decimal.Decimal) (recalc.RefinTerms, error) {
			q, err := s.partner.SimulateRefinancing(ctx, rate, refin.TermMonths, *p.FinalDueBalance, refin.TypedInstallment)
			if err != nil {
				return recalc.RefinTerms{}, err
			}
			return recalc.RefinTerms{Total: q.Total, Change: q.Change, Installment: q.Installment}, nil
		},
		Validate: func(ctx context.Context, rate decimal.Decimal, terms recalc.RefinTerms) (bool, string) {
			res := eligibility.EvaluateAgeBand(age, refin.TermMonths, terms.Total, bands)
			return res.Approved, res.Reason
		},
	})
	return out, err
}

// ApplyCorbanDecision resolves a pended recalculation. Approvals accept
// the proposal at the partner with the recalculated installment; refusals
// terminate the contract and refuse upstream.
func (s *Lifecycle) ApplyCorbanDecision(ctx context.Context, contractID int64, approve bool, actor string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err := s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if p.Status != ProductAwaitingCorbanApproval {
		return &InvalidTransitionError{From: p.Status, To: ProductAwaitingDeskReview}
	}

	if !approve {
		reason := "refused by corban desk"
		if err := s.status.Refuse(ctx, tx, &c, &p, reason, &actor); err != nil {
			return err
		}
		if err := s.enqueuePartnerRefusal(ctx, tx, c.ID, reason); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := s.status.Transition(ctx, tx, &c, &p, ProductAwaitingDeskReview, "approved by corban desk", &actor); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit corban decision: %w", err)
	}
	return s.AcceptProposal(ctx, contractID)
}

// AcceptProposal confirms the (possibly recalculated) terms with the
// partner.
func (s *Lifecycle) AcceptProposal(ctx context.Context, contractID int64) error {
	c, err := s.repo.GetContract(ctx, s.db, contractID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProduct(ctx, s.db, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	if p.ProposalKey == "" {
		return ErrMissingProposalKey
	}

	installment := p.TypedInstallment
	if p.RecalculatedInstallment != nil {
		installment = *p.RecalculatedInstallment
	}
	acceptErr := s.partner.Accept(ctx, p.ProposalKey, installment)
	if acceptErr != nil && errors.Is(acceptErr, partner.ErrUnavailable) {
		return acceptErr
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if acceptErr != nil {
		if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionAcceptance, false, acceptErr.Error()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return fmt.Errorf("contract: accept proposal: %w", acceptErr)
	}
	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionAcceptance, true, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit acceptance outcome: %w", err)
	}
	return nil
}

// RefuseProposal cancels the proposal upstream and terminates the
// contract. A partner report of an already cancelled proposal counts as
// success, so calling this twice never errors the second time.
func (s *Lifecycle) RefuseProposal(ctx context.Context, contractID int64, reason string) error {
	c, err := s.repo.GetContract(ctx, s.db, contractID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProduct(ctx, s.db, c.ID, c.ProductType)
	if err != nil {
		return err
	}
	if p.ProposalKey == "" {
		return ErrMissingProposalKey
	}

	refuseErr := s.partner.Refuse(ctx, p.ProposalKey)
	if refuseErr != nil && partner.IsAlreadyCancelled(refuseErr) {
		refuseErr = nil
	}
	if refuseErr != nil && errors.Is(refuseErr, partner.ErrUnavailable) {
		return refuseErr
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, p, err = s.loadForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}

	if refuseErr != nil {
		if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionRefusal, false, refuseErr.Error()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return fmt.Errorf("contract: refuse proposal: %w", refuseErr)
	}

	if err := s.repo.RecordOutcome(ctx, tx, p.ID, ActionRefusal, true, ""); err != nil {
		return err
	}
	if err := s.status.Refuse(ctx, tx, &c, &p, reason, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit refusal: %w", err)
	}
	return nil
}
