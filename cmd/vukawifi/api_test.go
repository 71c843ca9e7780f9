package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/metrics"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/payments"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/radiusdb"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

func newTestServer(t *testing.T) (*server, *store.MemoryStore) {
	t.Helper()

	logger := zap.NewNop()
	sessions := store.NewMemoryStore()
	attrs := radiusdb.NewMemoryStore()

	nas, err := coa.NewClient(coa.Config{
		Secret:  "testing123",
		Timeout: 100 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	manager, err := session.NewManager(sessions, attrs, nas, logger)
	require.NoError(t, err)

	processor, err := payments.NewProcessor(sessions, manager, payments.NewMemoryGuard(), logger)
	require.NoError(t, err)

	return &server{
		logger:   logger,
		sessions: sessions,
		attrs:    attrs,
		nas:      nas,
		manager:  manager,
		payments: processor,
		metrics:  metrics.New(metrics.Sources{}, logger),
	}, sessions
}

func seedPlan(t *testing.T, s *store.MemoryStore, active bool) *store.Plan {
	t.Helper()
	plan := &store.Plan{
		Name:          "Daily",
		BasePrice:     50,
		DurationHours: 24,
		MaxDevices:    2,
		Active:        active,
	}
	require.NoError(t, s.CreatePlan(context.Background(), plan))
	return plan
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionInactivePlanIsNotFound(t *testing.T) {
	srv, s := newTestServer(t)
	plan := seedPlan(t, s, false)

	rec := doJSON(t, srv.routes(), http.MethodPost, "/api/v1/sessions", session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      plan.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.routes(), http.MethodPost, "/api/v1/sessions", session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      "no-such-plan",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateUserSessionsRoute(t *testing.T) {
	srv, s := newTestServer(t)
	plan := seedPlan(t, s, true)
	ctx := context.Background()

	created, err := srv.manager.CreateSession(ctx, session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      plan.ID,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.routes(), http.MethodPost, "/api/v1/users/"+created.Session.UserID+"/terminate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Terminated int `json:"terminated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Terminated)

	sess, err := s.Session(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, sess.Status)

	// Nothing active left, so a repeat terminates zero.
	rec = doJSON(t, srv.routes(), http.MethodPost, "/api/v1/users/"+created.Session.UserID+"/terminate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Terminated)
}

func TestUserSessionsByPhoneRoute(t *testing.T) {
	srv, s := newTestServer(t)
	plan := seedPlan(t, s, true)

	_, err := srv.manager.CreateSession(context.Background(), session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      plan.ID,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.routes(), http.MethodGet, "/api/v1/users/+254712345678/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []*store.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 1)

	rec = doJSON(t, srv.routes(), http.MethodGet, "/api/v1/users/+254700000000/sessions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountingForUserRoute(t *testing.T) {
	srv, s := newTestServer(t)

	require.NoError(t, s.CreateAccountingRecord(context.Background(), &store.AccountingRecord{
		AcctSessionID:    "8100001a",
		Username:         "User12345",
		NASIPAddress:     "10.0.0.1",
		AcctStartTime:    time.Now(),
		AcctInputOctets:  1200,
		AcctOutputOctets: 3400,
	}))

	rec := doJSON(t, srv.routes(), http.MethodGet, "/api/v1/accounting/User12345", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []*store.AccountingRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "8100001a", records[0].AcctSessionID)
}
