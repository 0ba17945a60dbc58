package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"consignflow/auth"
	"consignflow/config"
	"consignflow/corban"
	"consignflow/webhook"
)

func TestSpeciesConfigWiring(t *testing.T) {
	cfg := &config.Config{
		DeathPensionMinAge: 57,
		RestrictedSpecies:  []int{88, 92},
	}

	sc := speciesConfig(cfg)

	if sc.DeathPensionMinAge != 57 {
		t.Errorf("expected minimum age 57, got %d", sc.DeathPensionMinAge)
	}
	if !sc.RestrictedSpecies[88] || !sc.RestrictedSpecies[92] {
		t.Errorf("expected species 88 and 92 restricted, got %v", sc.RestrictedSpecies)
	}
	if sc.RestrictedSpecies[2] {
		t.Errorf("species 2 must not be restricted by this configuration")
	}
}

type stubAuthRepo struct {
	opsByEmail map[string]auth.Operator
	opsByID    map[string]auth.Operator
	nextID     int
}

func newStubAuthRepo() *stubAuthRepo {
	return &stubAuthRepo{
		opsByEmail: make(map[string]auth.Operator),
		opsByID:    make(map[string]auth.Operator),
		nextID:     1,
	}
}

func (f *stubAuthRepo) CreateOperator(_ context.Context, params auth.CreateOperatorParams) (auth.Operator, error) {
	if _, exists := f.opsByEmail[strings.ToLower(params.Email)]; exists {
		return auth.Operator{}, auth.ErrDuplicateEmail
	}
	op := auth.Operator{
		ID:           fmt.Sprintf("operator-%d", f.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	f.nextID++
	f.opsByEmail[strings.ToLower(op.Email)] = op
	f.opsByID[op.ID] = op
	return op, nil
}

func (f *stubAuthRepo) GetOperatorByEmail(_ context.Context, email string) (auth.Operator, error) {
	op, ok := f.opsByEmail[strings.ToLower(email)]
	if !ok {
		return auth.Operator{}, auth.ErrOperatorNotFound
	}
	return op, nil
}

func (f *stubAuthRepo) GetOperatorByID(_ context.Context, id string) (auth.Operator, error) {
	op, ok := f.opsByID[id]
	if !ok {
		return auth.Operator{}, auth.ErrOperatorNotFound
	}
	return op, nil
}

type stubDecoder struct {
	claims map[string]any
	err    error
}

func (s *stubDecoder) DecodeBody(string) (map[string]any, error) {
	return s.claims, s.err
}

func newTestServer() *Server {
	return &Server{
		authService: auth.NewService(newStubAuthRepo(), "test-secret"),
		dispatcher:  webhook.NewDispatcher(nil, nil, nil, nil, zap.NewNop()),
		decoder:     &stubDecoder{},
		logger:      zap.NewNop(),
	}
}

func TestHandleRegisterAndLogin(t *testing.T) {
	server := newTestServer()
	handler := server.router()

	body := strings.NewReader(`{"email":"desk@example.com","password":"strongpassword","full_name":"Desk Operator","role":"corban_desk"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	body = strings.NewReader(`{"email":"desk@example.com","password":"strongpassword"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected token in login response")
	}
	if resp.Operator.Role != "corban_desk" {
		t.Fatalf("expected role corban_desk, got %s", resp.Operator.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newTestServer()

	body := strings.NewReader(`{"email":"nobody@example.com","password":"irrelevant"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireOperator_MissingToken(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/1", nil)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGetContract_InvalidID(t *testing.T) {
	server := newTestServer()
	token := operatorToken(t, server, "analyst")

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCorbanDecision_ForbidsAnalyst(t *testing.T) {
	server := newTestServer()
	token := operatorToken(t, server, "analyst")

	body := strings.NewReader(`{"approve":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/contracts/1/corban-decision", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandlePartnerWebhook_InvalidEnvelope(t *testing.T) {
	server := newTestServer()
	server.decoder = &stubDecoder{err: errors.New("bad signature")}

	body := strings.NewReader(`{"encoded_body":"not-a-valid-jwt"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/partner", body)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandlePartnerWebhook_UnrecognizedShape(t *testing.T) {
	server := newTestServer()

	body := strings.NewReader(`{"some_unknown_field":"x","another":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/partner", body)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

type stubCorbanRepo struct {
	profile  corban.Profile
	profiles []corban.Profile
	err      error
}

func (s *stubCorbanRepo) GetByID(_ context.Context, _ string) (corban.Profile, error) {
	return s.profile, s.err
}

func (s *stubCorbanRepo) List(_ context.Context, limit int) ([]corban.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.profiles) {
		limit = len(s.profiles)
	}
	out := make([]corban.Profile, limit)
	copy(out, s.profiles[:limit])
	return out, nil
}

func TestHandleGetCorban_Success(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 4, 5, 0, time.UTC)
	server := newTestServer()
	server.corbanService = corban.NewService(&stubCorbanRepo{
		profile: corban.Profile{
			ID:        "c1",
			Name:      "Promotora Horizonte",
			CNPJ:      "12.345.678/0001-09",
			Active:    true,
			CreatedAt: now,
		},
	})
	token := operatorToken(t, server, "analyst")

	req := httptest.NewRequest(http.MethodGet, "/api/corbans/c1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp corbanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "c1" || resp.Name != "Promotora Horizonte" || !resp.Active {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetCorban_NotFound(t *testing.T) {
	server := newTestServer()
	server.corbanService = corban.NewService(&stubCorbanRepo{err: corban.ErrNotFound})
	token := operatorToken(t, server, "analyst")

	req := httptest.NewRequest(http.MethodGet, "/api/corbans/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListCorbans(t *testing.T) {
	server := newTestServer()
	server.corbanService = corban.NewService(&stubCorbanRepo{
		profiles: []corban.Profile{
			{ID: "c1", Name: "Promotora Horizonte"},
			{ID: "c2", Name: "Credi Facil"},
		},
	})
	token := operatorToken(t, server, "analyst")

	req := httptest.NewRequest(http.MethodGet, "/api/corbans?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []corbanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(resp))
	}
}

func operatorToken(t *testing.T, server *Server, role string) string {
	t.Helper()

	email := fmt.Sprintf("%s@example.com", role)
	_, err := server.authService.Register(context.Background(), auth.RegisterRequest{
		Email:    email,
		Password: "strongpassword",
		FullName: "Test Operator",
		Role:     auth.Role(role),
	})
	if err != nil {
		t.Fatalf("register operator: %v", err)
	}
	res, err := server.authService.Login(context.Background(), auth.LoginRequest{
		Email:    email,
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("login operator: %v", err)
	}
	return res.Token
}
