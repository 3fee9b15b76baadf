package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/identity"
)

type ctxKey string

const (
	ctxKeyAccountID ctxKey = "accountID"
	ctxKeyRole      ctxKey = "role"
)

type agreementService interface {
	Create(ctx context.Context, caller string, params agreement.CreateParams) (agreement.Agreement, error)
	Attest(ctx context.Context, caller, ref string) (agreement.Agreement, error)
	Revoke(ctx context.Context, caller, ref string) (agreement.Agreement, error)
	Fund(ctx context.Context, caller, ref string, amount int64, idempotencyKey string) (agreement.Agreement, error)
	OpenDispute(ctx context.Context, caller, ref, evidenceRef string, fee int64) (dispute.Record, error)
	Conclude(ctx context.Context, caller, ref string) (agreement.Agreement, error)
	Withdraw(ctx context.Context, caller, ref string) (int64, error)
	Get(ctx context.Context, ref string) (agreement.Agreement, error)
}

type rulingRouter interface {
	Rule(ctx context.Context, bearerToken, disputeID string, outcomeCode int) error
}

type disputeReader interface {
	Get(ctx context.Context, disputeID string) (dispute.Record, error)
	ListByAgreement(ctx context.Context, agreementID string) ([]dispute.Record, error)
}

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.Account, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

// Server exposes the lifecycle engine over HTTP.
type Server struct {
	agreementService agreementService
	rulingRouter     rulingRouter
	disputes         disputeReader
	identityService  identityService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/register", s.handleRegister)
	mux.HandleFunc("/api/accounts/login", s.handleLogin)
	mux.HandleFunc("/api/agreements", s.requireAuth(s.handleAgreements))
	mux.HandleFunc("/api/agreements/", s.requireAuth(s.handleAgreementDetail))
	mux.HandleFunc("/api/disputes/", s.handleDisputeDetail)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// requireAuth verifies the bearer token and stashes the account identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		accountID, role, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccountID, accountID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

type registerResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDuplicateName):
			writeError(w, http.StatusConflict, "account name already exists")
		case errors.Is(err, identity.ErrWeakSecret):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		ID:   account.ID,
		Name: account.Name,
		Role: string(account.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": result.Token})
}

type createAgreementRequest struct {
	Caller       string         `json:"caller"`
	Ref          string         `json:"ref"`
	Kind         string         `json:"kind"`
	EstateID     string         `json:"estateId"`
	PrimaryParty string         `json:"primaryParty"`
	Counterparty string         `json:"counterparty"`
	Amount       int64          `json:"amount"`
	DueAt        *time.Time     `json:"dueAt,omitempty"`
	Description  map[string]any `json:"description,omitempty"`
}

type agreementResponse struct {
	Ref            string  `json:"ref"`
	Kind           string  `json:"kind"`
	EstateID       string  `json:"estateId"`
	PrimaryParty   string  `json:"primaryParty"`
	Counterparty   string  `json:"counterparty"`
	Amount         int64   `json:"amount"`
	Status         string  `json:"status"`
	AttestationRef *string `json:"attestationRef,omitempty"`
	DisputeRef     *string `json:"disputeRef,omitempty"`
	DueAt          string  `json:"dueAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		Ref:            a.Ref,
		Kind:           string(a.Kind),
		EstateID:       a.EstateID,
		PrimaryParty:   a.PrimaryParty,
		Counterparty:   a.Counterparty,
		Amount:         a.Amount,
		Status:         string(a.Status),
		AttestationRef: a.AttestationRef,
		DisputeRef:     a.DisputeRef,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
	if a.DueAt != nil {
		resp.DueAt = a.DueAt.Format(time.RFC3339)
	}
	return resp
}

type disputeResponse struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreementId,omitempty"`
	Ruling      string `json:"ruling"`
	EvidenceRef string `json:"evidenceRef"`
	Fee         int64  `json:"fee"`
	OpenedBy    string `json:"openedBy"`
	SettledAt   string `json:"settledAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:          rec.ID,
		AgreementID: rec.AgreementID,
		Ruling:      string(rec.Ruling),
		EvidenceRef: rec.EvidenceRef,
		Fee:         rec.Fee,
		OpenedBy:    rec.OpenedBy,
	}
	if rec.SettledAt != nil {
		resp.SettledAt = rec.SettledAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleAgreements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	ag, err := s.agreementService.Create(r.Context(), req.Caller, agreement.CreateParams{
		Ref:          req.Ref,
		Kind:         agreement.Kind(req.Kind),
		EstateID:     req.EstateID,
		PrimaryParty: req.PrimaryParty,
		Counterparty: req.Counterparty,
		Amount:       req.Amount,
		DueAt:        req.DueAt,
		Description:  req.Description,
	})
	if err != nil {
		writeAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(ag))
}

// handleAgreementDetail dispatches /api/agreements/{ref} and its
// sub-resources: attest, revoke, fund, dispute, conclude, withdraw.
func (s *Server) handleAgreementDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agreements/")
	parts := strings.SplitN(rest, "/", 2)
	ref := parts[0]
	if ref == "" {
		writeError(w, http.StatusBadRequest, "agreement ref required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		ag, err := s.agreementService.Get(r.Context(), ref)
		if err != nil {
			writeAgreementError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgreementResponse(ag))
		return
	}

	if parts[1] == "disputes" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleListDisputes(w, r, ref)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "attest":
		s.handleLifecycleAction(w, r, ref, s.agreementService.Attest)
	case "revoke":
		s.handleLifecycleAction(w, r, ref, s.agreementService.Revoke)
	case "conclude":
		s.handleLifecycleAction(w, r, ref, s.agreementService.Conclude)
	case "fund":
		s.handleFund(w, r, ref)
	case "dispute":
		s.handleOpenDispute(w, r, ref)
	case "withdraw":
		s.handleWithdraw(w, r, ref)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleLifecycleAction(w http.ResponseWriter, r *http.Request, ref string, action func(context.Context, string, string) (agreement.Agreement, error)) {
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	ag, err := action(r.Context(), req.Caller, ref)
	if err != nil {
		writeAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(ag))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request, ref string) {
	var req struct {
		Caller string `json:"caller"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	ag, err := s.agreementService.Fund(r.Context(), req.Caller, ref, req.Amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(ag))
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request, ref string) {
	var req struct {
		Caller      string `json:"caller"`
		EvidenceRef string `json:"evidenceRef"`
		Fee         int64  `json:"fee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	rec, err := s.agreementService.OpenDispute(r.Context(), req.Caller, ref, req.EvidenceRef, req.Fee)
	if err != nil {
		writeAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

// handleListDisputes serves GET /api/agreements/{ref}/disputes, resolving the
// ref to the storage id before the dispute lookup.
func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request, ref string) {
	ag, err := s.agreementService.Get(r.Context(), ref)
	if err != nil {
		writeAgreementError(w, err)
		return
	}

	recs, err := s.disputes.ListByAgreement(r.Context(), ag.ID)
	if err != nil {
		log.Printf("list disputes: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]disputeResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, ref string) {
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	amount, err := s.agreementService.Withdraw(r.Context(), req.Caller, ref)
	if err != nil {
		writeAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

// handleDisputeDetail dispatches /api/disputes/{id} and the arbitrator
// callback /api/disputes/{id}/ruling. The read requires an authenticated
// account; the callback's bearer token is handed to the router, which
// authenticates it against the arbitrator role before any state moves.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleGetDispute(w, r, parts[0])
		})(w, r)
		return
	}

	if parts[1] != "ruling" {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Outcome int `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.rulingRouter.Rule(r.Context(), bearerToken(r), parts[0], req.Outcome)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "caller is not the arbitrator")
		case errors.Is(err, dispute.ErrBadOutcome):
			writeError(w, http.StatusBadRequest, "outcome is not a binary ruling")
		default:
			writeAgreementError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	rec, err := s.disputes.Get(r.Context(), disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dispute not found")
			return
		}
		log.Printf("get dispute: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func writeAgreementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound):
		writeError(w, http.StatusNotFound, "agreement not found")
	case errors.Is(err, agreement.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agreement.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agreement.ErrInvalidStatus):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, agreement.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, agreement.ErrExternalService):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
