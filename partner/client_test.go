package partner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testKey = []byte("test-signing-key")

// newTestClient builds an HTTPClient on a plain http.Client so transport
// and 5xx failures surface immediately instead of going through the
// retry backoff.
func newTestClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base:       baseURL,
		signingKey: testKey,
		http:       http.DefaultClient,
		logger:     zap.NewNop(),
	}
}

func signClaims(t *testing.T, claims map[string]any) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	signed, err := token.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign claims: %v", err)
	}
	return signed
}

func decodeRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		t.Fatalf("decode request envelope: %v", err)
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(env.EncodedBody, claims, func(*jwt.Token) (any, error) {
		return testKey, nil
	}); err != nil {
		t.Fatalf("parse request body: %v", err)
	}
	return map[string]any(claims)
}

func respond(t *testing.T, w http.ResponseWriter, status int, claims map[string]any) {
	t.Helper()
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{EncodedBody: signClaims(t, claims)})
}

func TestSimulate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/credit_transfer/simulation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body := decodeRequest(t, r)
		if body["monthly_rate"] != "0.018" || body["due_balance"] != "12000" {
			t.Errorf("unexpected request body: %v", body)
		}
		respond(t, w, http.StatusOK, map[string]any{
			"installment_value": "352.18",
			"annual_cet":        24.9,
		})
	}))
	defer srv.Close()

	q, err := newTestClient(srv.URL).Simulate(context.Background(),
		decimal.RequireFromString("0.018"), 48, decimal.RequireFromString("12000"))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !q.Installment.Equal(decimal.RequireFromString("352.18")) {
		t.Fatalf("expected installment 352.18, got %s", q.Installment)
	}
	if !q.AnnualCET.Equal(decimal.RequireFromString("24.9")) {
		t.Fatalf("expected annual CET 24.9, got %s", q.AnnualCET)
	}
}

func TestInsertProposal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeRequest(t, r)
		if body["document_number"] != "12345678901" || body["product_type"] != "portability" {
			t.Errorf("unexpected request body: %v", body)
		}
		respond(t, w, http.StatusCreated, map[string]any{
			"proposal_key":      "pk-9",
			"operation_key":     "op-9",
			"related_party_key": "rp-9",
			"document_url":      "https://cdn.example/ccb.pdf",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).InsertProposal(context.Background(), ProposalPayload{
		ProductType:        "portability",
		CPF:                "12345678901",
		ClientName:         "Maria Souza",
		BenefitNumber:      "1234567890",
		OutstandingBalance: decimal.RequireFromString("12000"),
		Installment:        decimal.RequireFromString("350"),
		MonthlyRate:        decimal.RequireFromString("0.018"),
		TermMonths:         48,
	})
	if err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	if res.ProposalKey != "pk-9" || res.OperationKey != "op-9" || res.RelatedPartyKey != "rp-9" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestBusinessRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusUnprocessableEntity, map[string]any{
			"translated_code": "proposal_already_canceled",
			"description":     "proposal was already canceled",
		})
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refuse(context.Background(), "pk-1")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pe.Code != "proposal_already_canceled" || pe.Description != "proposal was already canceled" {
		t.Fatalf("unexpected error: %+v", pe)
	}
	if !IsAlreadyCancelled(err) {
		t.Fatal("IsAlreadyCancelled should match")
	}
	if IsAlreadySubmitted(err) {
		t.Fatal("IsAlreadySubmitted should not match")
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusBadGateway, map[string]any{})
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Submit(context.Background(), "pk-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	err := newTestClient(srv.URL).Submit(context.Background(), "pk-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDecodeBody(t *testing.T) {
	c := newTestClient("")

	encoded, err := c.encodeBody(map[string]any{"proposal_key": "pk-2", "status": "accepted"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := c.DecodeBody(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["proposal_key"] != "pk-2" || decoded["status"] != "accepted" {
		t.Fatalf("unexpected claims: %v", decoded)
	}

	// A body signed with another key must not verify.
	other := &HTTPClient{signingKey: []byte("other-key"), logger: zap.NewNop()}
	foreign, err := other.encodeBody(map[string]any{"proposal_key": "pk-2"})
	if err != nil {
		t.Fatalf("encode with other key: %v", err)
	}
	if _, err := c.DecodeBody(foreign); err == nil {
		t.Fatal("expected verification failure for foreign signature")
	}
}

func TestResubmitPayment_AccountFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeRequest(t, r)
		respond(t, w, http.StatusOK, map[string]any{})
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	// Zero account: only the disbursement date travels.
	if err := c.ResubmitPayment(context.Background(), "pk-3", "2026-03-11", BankAccount{}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got["disbursement_date"] != "2026-03-11" {
		t.Fatalf("expected disbursement date, got %v", got)
	}
	if _, ok := got["bank_code"]; ok {
		t.Fatal("zero account must not send bank fields")
	}

	// Corrected account details are forwarded.
	account := BankAccount{BankCode: "341", Branch: "0001", AccountNumber: "12345", AccountDigit: "6"}
	if err := c.ResubmitPayment(context.Background(), "pk-3", "2026-03-11", account); err != nil {
		t.Fatalf("resubmit with account: %v", err)
	}
	if got["bank_code"] != "341" || got["account_number"] != "12345" {
		t.Fatalf("expected corrected account fields, got %v", got)
	}
}
