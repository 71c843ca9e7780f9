package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/radiusdb"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// fakeNAS records fan-out calls and acknowledges everything.
type fakeNAS struct {
	mu          sync.Mutex
	disconnects []string
	updates     []coa.PolicyUpdate
}

func (f *fakeNAS) DisconnectUser(_ context.Context, username string, records []*store.AccountingRecord, cause uint32) coa.FanoutResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, username)
	return coa.FanoutResult{Total: len(records), Acknowledged: len(records)}
}

func (f *fakeNAS) UpdateUser(_ context.Context, username string, records []*store.AccountingRecord, update coa.PolicyUpdate) coa.FanoutResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return coa.FanoutResult{Total: len(records), Acknowledged: len(records)}
}

func (f *fakeNAS) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

// failingAttrs wraps an attribute store and fails Replace on demand.
type failingAttrs struct {
	radiusdb.Store
	failReplace bool
}

func (f *failingAttrs) Replace(ctx context.Context, set *radiusdb.AttributeSet) error {
	if f.failReplace {
		return errors.New("radius database down")
	}
	return f.Store.Replace(ctx, set)
}

// failingSessions wraps a store and fails CreateSession on demand.
type failingSessions struct {
	store.Store
	failCreate bool
}

func (f *failingSessions) CreateSession(ctx context.Context, session *store.Session) error {
	if f.failCreate {
		return errors.New("database down")
	}
	return f.Store.CreateSession(ctx, session)
}

type fixture struct {
	store   *store.MemoryStore
	attrs   *radiusdb.MemoryStore
	nas     *fakeNAS
	manager *Manager
	plan    *store.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	attrs := radiusdb.NewMemoryStore()
	nas := &fakeNAS{}

	plan := &store.Plan{
		Name:           "Daily",
		BasePrice:      50,
		DurationHours:  24,
		BandwidthLimit: "5M/2M",
		MaxDevices:     3,
		Active:         true,
	}
	require.NoError(t, s.CreatePlan(context.Background(), plan))

	manager, err := NewManager(s, attrs, nas, zap.NewNop())
	require.NoError(t, err)

	return &fixture{store: s, attrs: attrs, nas: nas, manager: manager, plan: plan}
}

func (f *fixture) createRequest() CreateRequest {
	return CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      f.plan.ID,
		DeviceCount: 2,
		NASIP:       "10.0.0.1",
	}
}

func TestCreateSessionProvisionsUserAndCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	assert.Regexp(t, `^User\d{5}$`, result.Credentials.Username)
	assert.Len(t, result.Credentials.Password, 8)
	assert.Equal(t, store.StatusActive, result.Session.Status)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), result.Session.ExpiresAt, time.Minute)

	// Credentials land in the radius tables before the session exists.
	set, err := f.attrs.Lookup(ctx, result.Credentials.Username)
	require.NoError(t, err)
	pwd, ok := set.Password()
	require.True(t, ok)
	assert.Equal(t, result.Credentials.Password, pwd)

	user, err := f.store.UserByPhone(ctx, "+254712345678")
	require.NoError(t, err)
	assert.False(t, user.LastLogin.IsZero())
}

func TestCreateSessionPreemptsExistingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	second, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	require.Len(t, second.Preempted, 1)
	assert.Equal(t, first.Session.ID, second.Preempted[0].Session.ID)
	assert.Equal(t, ReasonNewSession, second.Preempted[0].Reason)

	old, err := f.store.Session(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, old.Status)
	assert.False(t, old.SessionEnd.IsZero())

	// Only the new credentials remain provisioned.
	set, err := f.attrs.Lookup(ctx, second.Credentials.Username)
	require.NoError(t, err)
	pwd, _ := set.Password()
	assert.Equal(t, second.Credentials.Password, pwd)

	active, err := f.store.ActiveSessionsByUser(ctx, second.Session.UserID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateSessionAttributeFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attrs := &failingAttrs{Store: f.attrs, failReplace: true}
	manager, err := NewManager(f.store, attrs, f.nas, zap.NewNop())
	require.NoError(t, err)

	_, err = manager.CreateSession(ctx, f.createRequest())
	require.Error(t, err)

	count, err := f.store.CountSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCreateSessionStoreFailureRollsBackCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := &failingSessions{Store: f.store, failCreate: true}
	manager, err := NewManager(broken, f.attrs, f.nas, zap.NewNop())
	require.NoError(t, err)

	_, err = manager.CreateSession(ctx, f.createRequest())
	require.Error(t, err)

	// The compensating remove must leave no orphaned credentials.
	user, err := f.store.UserByPhone(ctx, "+254712345678")
	require.NoError(t, err)
	_, err = f.attrs.Lookup(ctx, user.Username)
	assert.ErrorIs(t, err, radiusdb.ErrNoAttributes)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createRequest()
	req.DeviceCount = 5
	_, err := f.manager.CreateSession(ctx, req)
	assert.ErrorIs(t, err, ErrTooManyDevices)

	f.plan.Active = false
	require.NoError(t, f.store.CreatePlan(ctx, f.plan))
	req = f.createRequest()
	_, err = f.manager.CreateSession(ctx, req)
	assert.ErrorIs(t, err, ErrPlanInactive)
}

func TestTerminateSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	first, err := f.manager.TerminateSession(ctx, created.Session.ID, ReasonAdmin)
	require.NoError(t, err)
	assert.False(t, first.AlreadyTerminal)
	assert.Equal(t, 1, f.nas.disconnectCount())

	// Replay: success, no second disconnect fan-out.
	second, err := f.manager.TerminateSession(ctx, created.Session.ID, ReasonAdmin)
	require.NoError(t, err)
	assert.True(t, second.AlreadyTerminal)
	assert.Equal(t, 1, f.nas.disconnectCount())

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Terminated)
}

func TestTerminateFansOutPerAccountingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	username := created.Credentials.Username
	for _, id := range []string{"8100001a", "8100001b"} {
		require.NoError(t, f.store.CreateAccountingRecord(ctx, &store.AccountingRecord{
			AcctSessionID: id,
			Username:      username,
			NASIPAddress:  "10.0.0.1",
			AcctStartTime: time.Now(),
		}))
	}

	result, err := f.manager.TerminateSession(ctx, created.Session.ID, ReasonUser)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fanout.Total)
	assert.True(t, result.Fanout.AllAcknowledged())

	_, err = f.attrs.Lookup(ctx, username)
	assert.ErrorIs(t, err, radiusdb.ErrNoAttributes)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	report, err := f.manager.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)

	// Sweep again after the paid period has run out.
	report, err = f.manager.ExpireOverdue(ctx, time.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Failed)

	session, err := f.store.Session(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, session.Status)
	assert.Equal(t, 1, f.nas.disconnectCount())
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)
	creds := created.Credentials

	assert.NoError(t, f.manager.Authenticate(ctx, creds.Username, creds.Password))
	assert.ErrorIs(t, f.manager.Authenticate(ctx, creds.Username, "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, f.manager.Authenticate(ctx, "User00000", "whatever"), ErrInvalidCredentials)

	// A terminated session no longer authenticates even if the
	// credential rows were to linger.
	_, err = f.manager.TerminateSession(ctx, created.Session.ID, ReasonUser)
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.Authenticate(ctx, creds.Username, creds.Password), ErrInvalidCredentials)

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.AuthAccepts)
	assert.Equal(t, uint64(3), stats.AuthRejects)
}

func TestExtendSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)
	before := created.Session.ExpiresAt

	result, err := f.manager.ExtendSession(ctx, created.Session.ID, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, before.Add(2*time.Hour), result.Session.ExpiresAt)

	f.nas.mu.Lock()
	require.Len(t, f.nas.updates, 1)
	assert.NotZero(t, f.nas.updates[0].SessionTimeout)
	f.nas.mu.Unlock()
}

func TestUpdateBandwidth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	result, err := f.manager.UpdateBandwidth(ctx, created.Session.ID, "10M/5M")
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, result.Session.ID)

	// The reply row now carries the flipped Mikrotik value.
	set, err := f.attrs.Lookup(ctx, created.Credentials.Username)
	require.NoError(t, err)
	var rate string
	for _, attr := range set.Reply {
		if attr.Name == radiusdb.AttrMikrotikRateLimit {
			rate = attr.Value
		}
	}
	assert.Equal(t, "5M/10M", rate)

	f.nas.mu.Lock()
	require.Len(t, f.nas.updates, 1)
	assert.Equal(t, "5M/10M", f.nas.updates[0].RateLimit)
	f.nas.mu.Unlock()
}

func TestSetIdleTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	result, err := f.manager.SetIdleTimeout(ctx, created.Session.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, result.Session.ID)

	// Idle-Timeout is appended, the session never had one before.
	set, err := f.attrs.Lookup(ctx, created.Credentials.Username)
	require.NoError(t, err)
	var idle string
	for _, attr := range set.Reply {
		if attr.Name == radiusdb.AttrIdleTimeout {
			idle = attr.Value
		}
	}
	assert.Equal(t, "600", idle)

	f.nas.mu.Lock()
	require.Len(t, f.nas.updates, 1)
	assert.Equal(t, uint32(600), f.nas.updates[0].IdleTimeout)
	f.nas.mu.Unlock()

	_, err = f.manager.SetIdleTimeout(ctx, created.Session.ID, 0)
	assert.Error(t, err)
}

func TestStatsCountsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, f.createRequest())
	require.NoError(t, err)

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.SessionsToday)
	assert.Equal(t, 1, stats.SessionsThisWeek)
	assert.Equal(t, 1, stats.ActivePerPlan[created.Session.PlanID])
	assert.Equal(t, uint64(1), stats.Created)
}

func TestConcurrentCreatesKeepOneActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.CreateSession(ctx, f.createRequest())
		}()
	}
	wg.Wait()

	user, err := f.store.UserByPhone(ctx, "+254712345678")
	require.NoError(t, err)
	active, err := f.store.ActiveSessionsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUserLocksReapedAfterUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.CreateSession(ctx, f.createRequest())
		}()
	}
	wg.Wait()

	user, err := f.store.UserByPhone(ctx, "+254712345678")
	require.NoError(t, err)
	_, err = f.manager.TerminateUserSessions(ctx, user.ID, ReasonAdmin)
	require.NoError(t, err)

	// Every lock entry is released, so nothing should linger.
	f.manager.locksMu.Lock()
	defer f.manager.locksMu.Unlock()
	assert.Empty(t, f.manager.locks)
}

func TestReasonTerminateCause(t *testing.T) {
	assert.Equal(t, uint32(1), ReasonUser.TerminateCause())
	assert.Equal(t, uint32(5), ReasonExpiry.TerminateCause())
	assert.Equal(t, uint32(6), ReasonAdmin.TerminateCause())
	assert.Equal(t, uint32(13), ReasonNewSession.TerminateCause())
}
