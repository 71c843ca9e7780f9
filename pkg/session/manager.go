// Package session owns the lifecycle of paid WiFi sessions: creation
// after payment, forced teardown, expiry, and RADIUS authentication
// against the provisioned credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/credentials"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/radiusdb"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// NASControl pushes disconnects and policy changes to the NAS.
// *coa.Client implements it.
type NASControl interface {
	DisconnectUser(ctx context.Context, username string, records []*store.AccountingRecord, cause uint32) coa.FanoutResult
	UpdateUser(ctx context.Context, username string, records []*store.AccountingRecord, update coa.PolicyUpdate) coa.FanoutResult
}

// Manager coordinates the session stores, the FreeRADIUS attribute
// tables and the NAS. All session state transitions go through it.
type Manager struct {
	store  store.Store
	attrs  radiusdb.Store
	nas    NASControl
	logger *zap.Logger

	// Per-user locks serialize create/terminate for the same user so
	// the single-active-session invariant holds even under concurrent
	// purchases. The store's unique index is the backstop. Entries are
	// refcounted and dropped once no goroutine holds or waits on them,
	// so the map stays proportional to in-flight operations.
	locksMu sync.Mutex
	locks   map[string]*userLock

	created     uint64
	terminated  uint64
	expired     uint64
	preempted   uint64
	authAccepts uint64
	authRejects uint64
}

// NewManager creates a session manager.
func NewManager(s store.Store, attrs radiusdb.Store, nas NASControl, logger *zap.Logger) (*Manager, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if attrs == nil {
		return nil, fmt.Errorf("attribute store is required")
	}
	if nas == nil {
		return nil, fmt.Errorf("nas control is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  s,
		attrs:  attrs,
		nas:    nas,
		logger: logger,
		locks:  make(map[string]*userLock),
	}, nil
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (m *Manager) lockUser(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &userLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.locksMu.Unlock()
	}
}

// CreateSession provisions a paid session: it preempts any active
// session the user holds, writes fresh RADIUS credentials, and only
// then records the session. A credential write failure leaves no
// session row; a session write failure rolls the credentials back.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.PhoneNumber == "" {
		return nil, fmt.Errorf("phone number is required")
	}
	if req.PlanID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	if req.DeviceCount < 1 {
		req.DeviceCount = 1
	}

	plan, err := m.store.Plan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanInactive
	}
	if plan.MaxDevices > 0 && req.DeviceCount > plan.MaxDevices {
		return nil, ErrTooManyDevices
	}

	user, err := m.findOrCreateUser(ctx, req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	unlock := m.lockUser(user.ID)
	defer unlock()

	// Preempt whatever the user currently has. One paid plan, one
	// active session.
	var preempted []*TerminateResult
	existing, err := m.store.ActiveSessionsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for _, old := range existing {
		result, err := m.terminateLocked(ctx, old.ID, ReasonNewSession, store.StatusTerminated)
		if err != nil {
			return nil, fmt.Errorf("preempting session %s: %w", old.ID, err)
		}
		atomic.AddUint64(&m.preempted, 1)
		preempted = append(preempted, result)
	}

	creds, err := credentials.Generate(user.Username)
	if err != nil {
		return nil, fmt.Errorf("generating credentials: %w", err)
	}

	sessionID := uuid.New().String()
	set, err := radiusdb.Build(creds.Username, creds.Password, plan, req.DeviceCount, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.attrs.Replace(ctx, set); err != nil {
		return nil, fmt.Errorf("writing radius attributes: %w", err)
	}

	now := time.Now()
	session := &store.Session{
		ID:               sessionID,
		UserID:           user.ID,
		PlanID:           plan.ID,
		DeviceCount:      req.DeviceCount,
		Username:         creds.Username,
		Password:         creds.Password,
		NASIP:            req.NASIP,
		DeviceMACs:       req.DeviceMACs,
		SessionStart:     now,
		ExpiresAt:        now.Add(plan.Duration()),
		LastActivity:     now,
		Status:           store.StatusActive,
		PaymentReference: req.PaymentReference,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		// Roll the credentials back so FreeRADIUS cannot authorize a
		// session that does not exist.
		if rmErr := m.attrs.Remove(ctx, creds.Username); rmErr != nil {
			m.logger.Error("failed to roll back radius attributes",
				zap.String("username", creds.Username),
				zap.Error(rmErr))
		}
		return nil, err
	}

	user.LastLogin = now
	if err := m.store.UpdateUser(ctx, user); err != nil {
		m.logger.Warn("failed to record last login",
			zap.String("userId", user.ID),
			zap.Error(err))
	}

	atomic.AddUint64(&m.created, 1)
	m.logger.Info("session created",
		zap.String("sessionId", session.ID),
		zap.String("userId", user.ID),
		zap.String("plan", plan.Name),
		zap.Int("devices", req.DeviceCount),
		zap.Time("expiresAt", session.ExpiresAt))

	return &CreateResult{Session: session, Credentials: creds, Preempted: preempted}, nil
}

func (m *Manager) findOrCreateUser(ctx context.Context, phoneNumber string) (*store.User, error) {
	// Registration is keyed by phone, so concurrent first purchases
	// from the same number collapse to one user row.
	unlock := m.lockUser("phone:" + phoneNumber)
	defer unlock()

	user, err := m.store.UserByPhone(ctx, phoneNumber)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	username, err := credentials.NewUsername()
	if err != nil {
		return nil, fmt.Errorf("generating username: %w", err)
	}
	user = &store.User{
		PhoneNumber: phoneNumber,
		Username:    username,
		Active:      true,
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return m.store.UserByPhone(ctx, phoneNumber)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	m.logger.Info("user created",
		zap.String("userId", user.ID),
		zap.String("username", username))
	return user, nil
}

// TerminateSession tears one session down. Terminating a session that
// already ended is not an error; the call reports AlreadyTerminal and
// re-runs the credential cleanup in case an earlier attempt lost it.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string, reason Reason) (*TerminateResult, error) {
	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(session.UserID)
	defer unlock()

	result, err := m.terminateLocked(ctx, sessionID, reason, store.StatusTerminated)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyTerminal {
		atomic.AddUint64(&m.terminated, 1)
	}
	return result, nil
}

// terminateLocked does the actual teardown. Callers hold the user lock.
func (m *Manager) terminateLocked(ctx context.Context, sessionID string, reason Reason, status store.SessionStatus) (*TerminateResult, error) {
	// Reload inside the lock: the session may have ended since the
	// caller looked it up.
	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status.Terminal() {
		// Idempotent replay. Re-run the credential cleanup, nothing else.
		if err := m.attrs.Remove(ctx, session.Username); err != nil {
			m.logger.Warn("credential cleanup on replay failed",
				zap.String("username", session.Username),
				zap.Error(err))
		}
		return &TerminateResult{Session: session, Reason: reason, AlreadyTerminal: true}, nil
	}

	// Kick the devices off first. Best effort: a NAS that never
	// answers must not keep the session billed as active.
	records, err := m.store.OpenAccountingRecords(ctx, session.Username)
	if err != nil {
		m.logger.Warn("failed to load open accounting records",
			zap.String("username", session.Username),
			zap.Error(err))
	}
	fanout := m.nas.DisconnectUser(ctx, session.Username, records, reason.TerminateCause())

	if err := m.attrs.Remove(ctx, session.Username); err != nil {
		m.logger.Error("failed to remove radius attributes",
			zap.String("username", session.Username),
			zap.Error(err))
	}

	now := time.Now()
	session.Status = status
	session.SessionEnd = now
	session.LastActivity = now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("recording session end: %w", err)
	}

	m.logger.Info("session terminated",
		zap.String("sessionId", session.ID),
		zap.String("username", session.Username),
		zap.String("reason", string(reason)),
		zap.Int("nasAcked", fanout.Acknowledged),
		zap.Int("nasTotal", fanout.Total))

	return &TerminateResult{Session: session, Reason: reason, Fanout: fanout}, nil
}

// TerminateUserSessions ends every active session a user holds.
func (m *Manager) TerminateUserSessions(ctx context.Context, userID string, reason Reason) ([]*TerminateResult, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	sessions, err := m.store.ActiveSessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var results []*TerminateResult
	for _, session := range sessions {
		result, err := m.terminateLocked(ctx, session.ID, reason, store.StatusTerminated)
		if err != nil {
			return results, err
		}
		if !result.AlreadyTerminal {
			atomic.AddUint64(&m.terminated, 1)
		}
		results = append(results, result)
	}
	return results, nil
}

// ExpireOverdue ends every active session whose paid period has run
// out. One failed session does not stop the pass.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Scanned: now}

	overdue, err := m.store.ExpiredSessions(ctx, now)
	if err != nil {
		return report, fmt.Errorf("listing expired sessions: %w", err)
	}

	for _, session := range overdue {
		unlock := m.lockUser(session.UserID)
		result, err := m.terminateLocked(ctx, session.ID, ReasonExpiry, store.StatusTerminated)
		unlock()
		if err != nil {
			report.Failed++
			m.logger.Error("failed to expire session",
				zap.String("sessionId", session.ID),
				zap.Error(err))
			continue
		}
		if !result.AlreadyTerminal {
			report.Expired++
			atomic.AddUint64(&m.expired, 1)
		}
	}
	return report, nil
}

// ReconcileUsage recomputes each active session's byte counters from
// its accounting rows. Counters only move forward; a session whose
// interim updates were lost catches up here. Returns how many sessions
// changed.
func (m *Manager) ReconcileUsage(ctx context.Context) (int, error) {
	active, err := m.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusActive})
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	updated := 0
	for _, session := range active {
		in, out, lastUpdate, err := m.store.UsageSince(ctx, session.Username, session.SessionStart)
		if err != nil {
			m.logger.Warn("failed to sum session usage",
				zap.String("sessionId", session.ID),
				zap.Error(err))
			continue
		}

		changed := false
		if in > session.BytesIn {
			session.BytesIn = in
			changed = true
		}
		if out > session.BytesOut {
			session.BytesOut = out
			changed = true
		}
		if lastUpdate.After(session.LastActivity) {
			session.LastActivity = lastUpdate
			changed = true
		}
		if !changed {
			continue
		}
		if err := m.store.UpdateSession(ctx, session); err != nil {
			m.logger.Warn("failed to update session usage",
				zap.String("sessionId", session.ID),
				zap.Error(err))
			continue
		}
		updated++
	}
	return updated, nil
}

// Authenticate checks a username/password pair against the provisioned
// credentials and records the attempt the way FreeRADIUS logs
// post-auth outcomes.
func (m *Manager) Authenticate(ctx context.Context, username, password string) error {
	reject := func() error {
		atomic.AddUint64(&m.authRejects, 1)
		m.recordPostAuth(ctx, username, "Access-Reject")
		return ErrInvalidCredentials
	}

	set, err := m.attrs.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, radiusdb.ErrNoAttributes) {
			return reject()
		}
		return err
	}

	provisioned, ok := set.Password()
	if !ok || provisioned != password {
		return reject()
	}

	session, err := m.store.ActiveSessionByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return reject()
		}
		return err
	}
	if session.ExpiredAt(time.Now()) {
		return reject()
	}

	atomic.AddUint64(&m.authAccepts, 1)
	m.recordPostAuth(ctx, username, "Access-Accept")
	return nil
}

func (m *Manager) recordPostAuth(ctx context.Context, username, reply string) {
	err := m.store.CreatePostAuthRecord(ctx, &store.PostAuthRecord{
		Username: username,
		Reply:    reply,
	})
	if err != nil {
		m.logger.Warn("failed to record post-auth",
			zap.String("username", username),
			zap.Error(err))
	}
}

// ExtendSession pushes a session's expiry out and tells the NAS about
// the new remaining lifetime.
func (m *Manager) ExtendSession(ctx context.Context, sessionID string, extra time.Duration) (*PolicyResult, error) {
	if extra <= 0 {
		return nil, fmt.Errorf("extension must be positive")
	}

	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(session.UserID)
	defer unlock()

	session, err = m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusActive {
		return nil, store.ErrSessionNotFound
	}

	session.ExpiresAt = session.ExpiresAt.Add(extra)
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := m.updateReplyAttr(ctx, session.Username, radiusdb.AttrSessionTimeout,
		fmt.Sprintf("%d", int(time.Until(session.ExpiresAt)/time.Second))); err != nil {
		m.logger.Warn("failed to refresh session timeout attribute",
			zap.String("username", session.Username),
			zap.Error(err))
	}

	fanout := m.pushPolicy(ctx, session, coa.PolicyUpdate{
		SessionTimeout: uint32(time.Until(session.ExpiresAt) / time.Second),
	})

	m.logger.Info("session extended",
		zap.String("sessionId", session.ID),
		zap.Duration("extra", extra),
		zap.Time("expiresAt", session.ExpiresAt))

	return &PolicyResult{Session: session, Fanout: fanout}, nil
}

// UpdateBandwidth changes a live session's rate limit. The limit uses
// the plan format, download first, e.g. "5M/2M".
func (m *Manager) UpdateBandwidth(ctx context.Context, sessionID, bandwidthLimit string) (*PolicyResult, error) {
	rateLimit, err := radiusdb.RateLimit(bandwidthLimit)
	if err != nil {
		return nil, err
	}

	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(session.UserID)
	defer unlock()

	session, err = m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusActive {
		return nil, store.ErrSessionNotFound
	}

	if err := m.updateReplyAttr(ctx, session.Username, radiusdb.AttrMikrotikRateLimit, rateLimit); err != nil {
		return nil, err
	}

	fanout := m.pushPolicy(ctx, session, coa.PolicyUpdate{RateLimit: rateLimit})

	m.logger.Info("session bandwidth updated",
		zap.String("sessionId", session.ID),
		zap.String("rateLimit", rateLimit))

	return &PolicyResult{Session: session, Fanout: fanout}, nil
}

// SetIdleTimeout pushes an inactivity disconnect threshold to a live
// session and records it as a reply attribute for reauthentication.
func (m *Manager) SetIdleTimeout(ctx context.Context, sessionID string, idle time.Duration) (*PolicyResult, error) {
	if idle <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}

	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(session.UserID)
	defer unlock()

	session, err = m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusActive {
		return nil, store.ErrSessionNotFound
	}

	seconds := uint32(idle / time.Second)
	if err := m.updateReplyAttr(ctx, session.Username, radiusdb.AttrIdleTimeout,
		fmt.Sprintf("%d", seconds)); err != nil {
		return nil, err
	}

	fanout := m.pushPolicy(ctx, session, coa.PolicyUpdate{IdleTimeout: seconds})

	m.logger.Info("session idle timeout updated",
		zap.String("sessionId", session.ID),
		zap.Uint32("idleSeconds", seconds))

	return &PolicyResult{Session: session, Fanout: fanout}, nil
}

func (m *Manager) updateReplyAttr(ctx context.Context, username, name, value string) error {
	set, err := m.attrs.Lookup(ctx, username)
	if err != nil {
		return err
	}
	found := false
	for i := range set.Reply {
		if set.Reply[i].Name == name {
			set.Reply[i].Value = value
			found = true
		}
	}
	if !found {
		set.Reply = append(set.Reply, radiusdb.Attribute{Name: name, Op: radiusdb.OpAdd, Value: value})
	}
	return m.attrs.Replace(ctx, set)
}

func (m *Manager) pushPolicy(ctx context.Context, session *store.Session, update coa.PolicyUpdate) coa.FanoutResult {
	records, err := m.store.OpenAccountingRecords(ctx, session.Username)
	if err != nil {
		m.logger.Warn("failed to load open accounting records",
			zap.String("username", session.Username),
			zap.Error(err))
		return coa.FanoutResult{}
	}
	return m.nas.UpdateUser(ctx, session.Username, records, update)
}

// SessionByID returns one session.
func (m *Manager) SessionByID(ctx context.Context, id string) (*store.Session, error) {
	return m.store.Session(ctx, id)
}

// ActiveSessions lists every active session.
func (m *Manager) ActiveSessions(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusActive})
}

// Sessions lists sessions matching the filter.
func (m *Manager) Sessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// UserSessionsByPhone lists a user's sessions, newest first.
func (m *Manager) UserSessionsByPhone(ctx context.Context, phoneNumber string) ([]*store.Session, error) {
	user, err := m.store.UserByPhone(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	return m.store.ListSessions(ctx, store.SessionFilter{UserID: user.ID})
}

// AccountingForUser lists the NAS accounting history for a username.
func (m *Manager) AccountingForUser(ctx context.Context, username string) ([]*store.AccountingRecord, error) {
	return m.store.AccountingRecordsByUsername(ctx, username)
}

// Stats returns manager counters plus the live active session count.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	activeSessions, err := m.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusActive})
	if err != nil {
		return Stats{}, err
	}
	perPlan := make(map[string]int)
	for _, s := range activeSessions {
		perPlan[s.PlanID]++
	}

	today, err := m.store.CountSessions(ctx, store.SessionFilter{CreatedAfter: dayStart})
	if err != nil {
		return Stats{}, err
	}
	week, err := m.store.CountSessions(ctx, store.SessionFilter{CreatedAfter: dayStart.AddDate(0, 0, -6)})
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		ActiveSessions:   len(activeSessions),
		SessionsToday:    today,
		SessionsThisWeek: week,
		ActivePerPlan:    perPlan,
		Created:          atomic.LoadUint64(&m.created),
		Terminated:       atomic.LoadUint64(&m.terminated),
		Expired:          atomic.LoadUint64(&m.expired),
		Preempted:        atomic.LoadUint64(&m.preempted),
		AuthAccepts:      atomic.LoadUint64(&m.authAccepts),
		AuthRejects:      atomic.LoadUint64(&m.authRejects),
	}, nil
}
