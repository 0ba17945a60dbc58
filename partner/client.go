// Package partner wraps the financial partner HTTP API. The partner
// exchanges JWT-encoded bodies; this package signs requests, decodes
// responses, and classifies failures into transient and business errors.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnavailable marks transport failures and partner 5xx responses.
// Callers may retry with bounded attempts.
var ErrUnavailable = errors.New("partner: unavailable")

// Error is a partner business rejection decoded from a 4xx response.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("partner: %s: %s", e.Code, e.Description)
}

// Partner codes normalized to success by the idempotent lifecycle actions.
const (
	codeAlreadyCancelled = "proposal_already_canceled"
	codeAlreadySubmitted = "proposal_already_submitted"
)

// IsAlreadyCancelled reports the partner already cancelled the proposal.
func IsAlreadyCancelled(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == codeAlreadyCancelled
}

// IsAlreadySubmitted reports the proposal is already in a submitted state.
func IsAlreadySubmitted(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == codeAlreadySubmitted
}

// Quote is the partner's pricing of one simulation.
type Quote struct {
	Installment decimal.Decimal
	AnnualCET   decimal.Decimal
}

// ProposalPayload carries the semantic fields of a proposal insertion; the
// transport-level signing and party documents are assembled here.
type ProposalPayload struct {
	ProductType            string
	CPF                    string
	ClientName             string
	BenefitNumber          string
	OutstandingBalance     decimal.Decimal
	Installment            decimal.Decimal
	MonthlyRate            decimal.Decimal
	TermMonths             int
	OriginalContractNumber string
}

// ProposalResult is the partner's answer to a proposal insertion.
type ProposalResult struct {
	ProposalKey     string
	OperationKey    string
	RelatedPartyKey string
	DocumentURL     string
}

// BankAccount identifies the disbursement destination for corrections and
// resubmissions.
type BankAccount struct {
	BankCode      string
	Branch        string
	AccountNumber string
	AccountDigit  string
	IsPix         bool
}

// Client is the narrow surface the lifecycle controller and reconciler
// depend on. The HTTP implementation lives in this package; tests supply
// fakes.
// RefinQuote is the partner's simulation of a refinancing at one rate.
type RefinQuote struct {
	Total       decimal.Decimal
	Change      decimal.Decimal
	Installment decimal.Decimal
}

type Client interface {
	Simulate(ctx context.Context, rate decimal.Decimal, termMonths int, balance decimal.Decimal) (Quote, error)
	SimulateRefinancing(ctx context.Context, rate decimal.Decimal, termMonths int, dueBalance, installment decimal.Decimal) (RefinQuote, error)
	InsertProposal(ctx context.Context, payload ProposalPayload) (ProposalResult, error)
	Submit(ctx context.Context, proposalKey string) error
	Accept(ctx context.Context, proposalKey string, installment decimal.Decimal) error
	Refuse(ctx context.Context, proposalKey string) error
	UploadDocument(ctx context.Context, proposalKey, name string, content []byte) (string, error)
	RequestDisbursementCorrection(ctx context.Context, proposalKey, disbursementDate string, account BankAccount) error
	ResubmitPayment(ctx context.Context, proposalKey, disbursementDate string, account BankAccount) error
}

// HTTPClient talks to the partner over retryable HTTP with JWT envelopes.
type HTTPClient struct {
	base       string
	signingKey []byte
	http       *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL string, signingKey []byte, logger *zap.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &HTTPClient{
		base:       baseURL,
		signingKey: signingKey,
		http:       rc.StandardClient(),
		logger:     logger,
	}
}

type envelope struct {
	EncodedBody string `json:"encoded_body"`
}

func (c *HTTPClient) encodeBody(payload map[string]any) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload))
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("partner: sign request body: %w", err)
	}
	return signed, nil
}

// DecodeBody verifies and opens a JWT envelope. Webhook ingestion reuses
// it for inbound partner notifications.
func (c *HTTPClient) DecodeBody(encoded string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(encoded, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("partner: unexpected signing method %v", t.Header["alg"])
		}
		return c.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("partner: decode body: %w", err)
	}
	return map[string]any(claims), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	var body *bytes.Reader
	if payload != nil {
		encoded, err := c.encodeBody(payload)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(envelope{EncodedBody: encoded})
		if err != nil {
			return nil, fmt.Errorf("partner: marshal envelope: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("partner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("partner: decode response envelope: %w", err)
	}
	decoded, err := c.DecodeBody(env.EncodedBody)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		pe := &Error{
			Code:        stringField(decoded, "translated_code"),
			Description: stringField(decoded, "description"),
		}
		c.logger.Warn("partner rejected request",
			zap.String("path", path),
			zap.String("code", pe.Code),
			zap.String("description", pe.Description))
		return nil, pe
	}
	return decoded, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func decimalField(m map[string]any, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func (c *HTTPClient) Simulate(ctx context.Context, rate decimal.Decimal, termMonths int, balance decimal.Decimal) (Quote, error) {
	decoded, err := c.do(ctx, http.MethodPost, "/credit_transfer/simulation", map[string]any{
		"monthly_rate":    rate.String(),
		"number_of_terms": termMonths,
		"due_balance":     balance.String(),
	})
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Installment: decimalField(decoded, "installment_value"),
		AnnualCET:   decimalField(decoded, "annual_cet"),
	}, nil
}

func (c *HTTPClient) SimulateRefinancing(ctx context.Context, rate decimal.Decimal, termMonths int, dueBalance, installment decimal.Decimal) (RefinQuote, error) {
	decoded, err := c.do(ctx, http.MethodPost, "/credit_transfer/refinancing/simulation", map[string]any{
		"monthly_rate":      rate.String(),
		"number_of_terms":   termMonths,
		"due_balance":       dueBalance.String(),
		"installment_value": installment.String(),
	})
	if err != nil {
		return RefinQuote{}, err
	}
	return RefinQuote{
		Total:       decimalField(decoded, "total_amount"),
		Change:      decimalField(decoded, "change_amount"),
		Installment: decimalField(decoded, "installment_value"),
	}, nil
}

func (c *HTTPClient) InsertProposal(ctx context.Context, p ProposalPayload) (ProposalResult, error) {
	decoded, err := c.do(ctx, http.MethodPost, "/credit_transfer/proposal", map[string]any{
		"product_type":             p.ProductType,
		"document_number":          p.CPF,
		"name":                     p.ClientName,
		"benefit_number":           p.BenefitNumber,
		"due_balance":              p.OutstandingBalance.String(),
		"installment_value":        p.Installment.String(),
		"monthly_rate":             p.MonthlyRate.String(),
		"number_of_terms":          p.TermMonths,
		"original_contract_number": p.OriginalContractNumber,
	})
	if err != nil {
		return ProposalResult{}, err
	}
	return ProposalResult{
		ProposalKey:     stringField(decoded, "proposal_key"),
		OperationKey:    stringField(decoded, "operation_key"),
		RelatedPartyKey: stringField(decoded, "related_party_key"),
		DocumentURL:     stringField(decoded, "document_url"),
	}, nil
}

func (c *HTTPClient) Submit(ctx context.Context, proposalKey string) error {
	_, err := c.do(ctx, http.MethodPost, "/credit_transfer/proposal/"+proposalKey+"/submit", map[string]any{
		"proposal_key": proposalKey,
	})
	return err
}

func (c *HTTPClient) Accept(ctx context.Context, proposalKey string, installment decimal.Decimal) error {
	_, err := c.do(ctx, http.MethodPatch, "/credit_transfer/proposal/"+proposalKey, map[string]any{
		"status":            "accepted",
		"installment_value": installment.String(),
	})
	return err
}

func (c *HTTPClient) Refuse(ctx context.Context, proposalKey string) error {
	_, err := c.do(ctx, http.MethodDelete, "/credit_transfer/proposal/"+proposalKey, map[string]any{
		"proposal_key": proposalKey,
	})
	return err
}

func (c *HTTPClient) UploadDocument(ctx context.Context, proposalKey, name string, content []byte) (string, error) {
	decoded, err := c.do(ctx, http.MethodPost, "/credit_transfer/proposal/"+proposalKey+"/document", map[string]any{
		"name":    name,
		"content": content,
	})
	if err != nil {
		return "", err
	}
	return stringField(decoded, "document_key"), nil
}

func (c *HTTPClient) RequestDisbursementCorrection(ctx context.Context, proposalKey, disbursementDate string, account BankAccount) error {
	_, err := c.do(ctx, http.MethodPost, "/credit_transfer/proposal/"+proposalKey+"/correction", map[string]any{
		"disbursement_date": disbursementDate,
		"bank_code":         account.BankCode,
		"branch":            account.Branch,
		"account_number":    account.AccountNumber,
		"account_digit":     account.AccountDigit,
	})
	return err
}

// ResubmitPayment retries the disbursement. A zero account keeps the
// destination already registered with the partner.
func (c *HTTPClient) ResubmitPayment(ctx context.Context, proposalKey, disbursementDate string, account BankAccount) error {
	body := map[string]any{
		"disbursement_date": disbursementDate,
	}
	if account != (BankAccount{}) {
		body["bank_code"] = account.BankCode
		body["branch"] = account.Branch
		body["account_number"] = account.AccountNumber
		body["account_digit"] = account.AccountDigit
	}
	_, err := c.do(ctx, http.MethodPost, "/credit_transfer/proposal/"+proposalKey+"/payment_resubmission", body)
	return err
}
