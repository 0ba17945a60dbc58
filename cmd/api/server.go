package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"consignflow/auth"
	"consignflow/contract"
	"consignflow/corban"
	"consignflow/partner"
	"consignflow/payment"
	"consignflow/webhook"
)

// envelopeDecoder opens the signed JWT envelope the partner wraps webhook
// bodies in.
type envelopeDecoder interface {
	DecodeBody(encoded string) (map[string]any, error)
}

// Server holds the HTTP handlers of the contract service.
type Server struct {
	authService   *auth.Service
	lifecycle     *contract.Lifecycle
	reconciler    *payment.Reconciler
	dispatcher    *webhook.Dispatcher
	corbanService *corban.Service
	repo          *contract.Repository
	db            contract.DB
	decoder       envelopeDecoder
	logger        *zap.Logger
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/webhooks/partner", s.handlePartnerWebhook)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Get("/api/corbans", s.handleListCorbans)
		r.Get("/api/corbans/{id}", s.handleGetCorban)
		r.Get("/api/contracts/{id}", s.handleGetContract)
		r.Post("/api/contracts/{id}/proposal", s.handleInsertProposal)
		r.Post("/api/contracts/{id}/corban-decision", s.handleCorbanDecision)
		r.Post("/api/contracts/{id}/payment-resubmission", s.handleResubmitPayment)
		r.Post("/api/contracts/{id}/endorsement-correction", s.handleCorrectEndorsement)
	})

	return r
}

type ctxKey int

const (
	ctxKeyOperatorID ctxKey = iota
	ctxKeyRole
)

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operatorID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOperatorID, operatorID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(ctx context.Context) (string, auth.Role) {
	id, _ := ctx.Value(ctxKeyOperatorID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return id, role
}

// handlePartnerWebhook ingests one partner notification. The body is
// either a signed {"encoded_body": jwt} envelope or plain JSON; both are
// classified and dispatched. Duplicate deliveries answer 200.
func (s *Server) handlePartnerWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	var env struct {
		EncodedBody string `json:"encoded_body"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.EncodedBody != "" {
		claims, err := s.decoder.DecodeBody(env.EncodedBody)
		if err != nil {
			s.logger.Warn("webhook envelope rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid envelope signature")
			return
		}
		raw, err = json.Marshal(claims)
		if err != nil {
			writeError(w, http.StatusBadRequest, "decode envelope")
			return
		}
	}

	err = s.dispatcher.Handle(r.Context(), r.Header.Get("X-Delivery-Key"), raw)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, contract.ErrContractNotFound):
		writeError(w, http.StatusNotFound, "unknown proposal key")
	case isUnrecognizedShape(err):
		s.logger.Error("unclassifiable webhook payload", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, partner.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "partner unavailable")
	default:
		s.logger.Error("webhook dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "webhook dispatch failed")
	}
}

func isUnrecognizedShape(err error) bool {
	var shapeErr *contract.UnrecognizedWebhookShapeError
	return errors.As(err, &shapeErr)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	op, err := s.authService.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, operatorResponse{
			ID:        op.ID,
			Email:     op.Email,
			FullName:  op.FullName,
			Role:      string(op.Role),
			CreatedAt: op.CreatedAt.Format(time.RFC3339),
		})
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: res.Token,
		Operator: operatorResponse{
			ID:        res.Operator.ID,
			Email:     res.Operator.Email,
			FullName:  res.Operator.FullName,
			Role:      string(res.Operator.Role),
			CreatedAt: res.Operator.CreatedAt.Format(time.RFC3339),
		},
	})
}

func (s *Server) handleGetCorban(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	profile, err := s.corbanService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, corban.ErrNotFound) {
			writeError(w, http.StatusNotFound, "corban not found")
			return
		}
		s.logger.Error("corban lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, corbanFromProfile(profile))
}

func (s *Server) handleListCorbans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.corbanService.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("corban list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]corbanResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, corbanFromProfile(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	c, err := s.repo.GetContract(r.Context(), s.db, id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	p, err := s.repo.GetProduct(r.Context(), s.db, c.ID, c.ProductType)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse{
		ID:            c.ID,
		Token:         c.Token.String(),
		ProductType:   string(c.ProductType),
		Status:        string(c.Status),
		ProductStatus: string(p.Status),
		Signed:        c.Signed,
		BenefitNumber: c.BenefitNumber,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleInsertProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.InsertProposal(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCorbanDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	operatorID, role := operatorFrom(r.Context())
	if role != auth.RoleCorbanDesk && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "corban desk role required")
		return
	}

	var req struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.lifecycle.ApplyCorbanDecision(r.Context(), id, req.Approve, operatorID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type bankAccountRequest struct {
	BankCode      string `json:"bank_code"`
	Branch        string `json:"branch"`
	AccountNumber string `json:"account_number"`
	AccountDigit  string `json:"account_digit"`
	IsPix         bool   `json:"is_pix"`
}

func (b bankAccountRequest) domain() partner.BankAccount {
	return partner.BankAccount{
		BankCode:      b.BankCode,
		Branch:        b.Branch,
		AccountNumber: b.AccountNumber,
		AccountDigit:  b.AccountDigit,
		IsPix:         b.IsPix,
	}
}

func (s *Server) handleResubmitPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var req bankAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.reconciler.Resubmit(r.Context(), id, req.domain()); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCorrectEndorsement(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var req bankAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.reconciler.CorrectEndorsement(r.Context(), id, req.domain()); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var transitionErr *contract.InvalidTransitionError
	switch {
	case errors.Is(err, contract.ErrContractNotFound), errors.Is(err, contract.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "contract not found")
	case errors.Is(err, contract.ErrInsertionInFlight):
		writeError(w, http.StatusConflict, "insertion already in flight")
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, transitionErr.Error())
	case errors.Is(err, contract.ErrMissingProposalKey):
		writeError(w, http.StatusConflict, "proposal not registered with partner")
	case errors.Is(err, partner.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "partner unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func contractID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid contract id")
		return 0, false
	}
	return id, true
}

type operatorResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type loginResponse struct {
	Token    string           `json:"token"`
	Operator operatorResponse `json:"operator"`
}

type corbanResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CNPJ      string `json:"cnpj"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func corbanFromProfile(p corban.Profile) corbanResponse {
	return corbanResponse{
		ID:        p.ID,
		Name:      p.Name,
		CNPJ:      p.CNPJ,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

type contractResponse struct {
	ID            int64  `json:"id"`
	Token         string `json:"token"`
	ProductType   string `json:"product_type"`
	Status        string `json:"status"`
	ProductStatus string `json:"product_status"`
	Signed        bool   `json:"signed"`
	BenefitNumber string `json:"benefit_number"`
	CreatedAt     string `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
