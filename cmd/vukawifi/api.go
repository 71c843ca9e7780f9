package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/payments"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// routes builds the operational HTTP API. The captive portal and the
// payment provider are the expected callers.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/payments/webhook", s.handlePaymentWebhook)

	mux.HandleFunc("GET /api/v1/plans", s.handleListPlans)
	mux.HandleFunc("POST /api/v1/plans", s.handleCreatePlan)

	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/terminate", s.handleTerminateSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/extend", s.handleExtendSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/bandwidth", s.handleUpdateBandwidth)
	mux.HandleFunc("POST /api/v1/sessions/{id}/idle-timeout", s.handleSetIdleTimeout)

	mux.HandleFunc("POST /api/v1/users/{id}/terminate", s.handleTerminateUserSessions)
	mux.HandleFunc("GET /api/v1/users/{phone}/sessions", s.handleUserSessionsByPhone)
	mux.HandleFunc("GET /api/v1/accounting/{username}", s.handleAccountingForUser)

	mux.HandleFunc("POST /api/v1/auth", s.handleAuthenticate)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	return mux
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePaymentWebhook accepts provider callbacks. Replayed receipts
// get 200 so the provider stops retrying, while a price shortfall is a
// hard reject.
func (s *server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event payments.Event
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.payments.HandleEvent(r.Context(), event)
	switch {
	case errors.Is(err, payments.ErrDuplicateReceipt):
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, payments.ErrAmountMismatch):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrPlanNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	case result == nil:
		// Non-completed status, acknowledged and ignored.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.sessions.ListPlans(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan store.Plan
	if err := decodeJSON(r, &plan); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.CreatePlan(r.Context(), &plan); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		Status: store.SessionStatus(r.URL.Query().Get("status")),
		UserID: r.URL.Query().Get("userId"),
		PlanID: r.URL.Query().Get("planId"),
	}
	sessions, err := s.manager.Sessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// handleCreateSession provisions a session directly, bypassing the
// payment flow. Meant for operators granting complimentary access.
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.manager.CreateSession(r.Context(), req)
	switch {
	case errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, session.ErrPlanInactive):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrUserInactive),
		errors.Is(err, session.ErrTooManyDevices):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.SessionByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.TerminateSession(r.Context(), r.PathValue("id"), session.ReasonAdmin)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extra string `json:"extra"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	extra, err := time.ParseDuration(req.Extra)
	if err != nil || extra <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("extra must be a positive duration"))
		return
	}

	result, err := s.manager.ExtendSession(r.Context(), r.PathValue("id"), extra)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *server) handleUpdateBandwidth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BandwidthLimit string `json:"bandwidthLimit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.manager.UpdateBandwidth(r.Context(), r.PathValue("id"), req.BandwidthLimit)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *server) handleSetIdleTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Idle string `json:"idle"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	idle, err := time.ParseDuration(req.Idle)
	if err != nil || idle <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("idle must be a positive duration"))
		return
	}

	result, err := s.manager.SetIdleTimeout(r.Context(), r.PathValue("id"), idle)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleTerminateUserSessions kicks every active session a user holds.
// Used when an operator blocks an abusive subscriber.
func (s *server) handleTerminateUserSessions(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.TerminateUserSessions(r.Context(), r.PathValue("id"), session.ReasonAdmin)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"terminated": len(results),
		"results":    results,
	})
}

func (s *server) handleUserSessionsByPhone(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.UserSessionsByPhone(r.Context(), r.PathValue("phone"))
	if errors.Is(err, store.ErrUserNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *server) handleAccountingForUser(w http.ResponseWriter, r *http.Request) {
	records, err := s.manager.AccountingForUser(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleAuthenticate answers credential checks for deployments where
// FreeRADIUS delegates authorization over REST instead of reading the
// attribute tables directly.
func (s *server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.manager.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"result": "reject", "reason": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "accept"})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
