package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store with the same semantics as the
// Postgres store. It backs tests and single-node deployments.
type MemoryStore struct {
	mu sync.RWMutex

	users    map[string]*User
	plans    map[string]*Plan
	sessions map[string]*Session
	acct     map[string]*AccountingRecord
	postAuth map[string]*PostAuthRecord

	// Indexes for fast lookup
	userByPhone  map[string]string // phone -> user ID
	activeByUser map[string]string // user ID -> active session ID
	acctByKey    map[string]string // username+"\x00"+acctSessionID -> record ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		plans:        make(map[string]*Plan),
		sessions:     make(map[string]*Session),
		acct:         make(map[string]*AccountingRecord),
		postAuth:     make(map[string]*PostAuthRecord),
		userByPhone:  make(map[string]string),
		activeByUser: make(map[string]string),
		acctByKey:    make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func acctKey(username, acctSessionID string) string {
	return username + "\x00" + acctSessionID
}

// --- Users ---

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.userByPhone[user.PhoneNumber]; exists {
		return ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	stored := *user
	m.users[user.ID] = &stored
	m.userByPhone[user.PhoneNumber] = user.ID
	return nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if existing.PhoneNumber != user.PhoneNumber {
		delete(m.userByPhone, existing.PhoneNumber)
		m.userByPhone[user.PhoneNumber] = user.ID
	}
	user.UpdatedAt = time.Now()

	stored := *user
	m.users[user.ID] = &stored
	return nil
}

func (m *MemoryStore) User(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (m *MemoryStore) UserByPhone(_ context.Context, phoneNumber string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.userByPhone[phoneNumber]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *m.users[id]
	return &out, nil
}

// --- Plans ---

func (m *MemoryStore) CreatePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	plan.CreatedAt = time.Now()
	plan.UpdatedAt = plan.CreatedAt

	stored := *plan
	m.plans[plan.ID] = &stored
	return nil
}

func (m *MemoryStore) Plan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	out := *plan
	return &out, nil
}

func (m *MemoryStore) ListPlans(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		out := *plan
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// --- Sessions ---

func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.Status == StatusActive {
		if _, exists := m.activeByUser[session.UserID]; exists {
			return ErrActiveSessionExists
		}
	}

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.CreatedAt = time.Now()
	session.UpdatedAt = session.CreatedAt

	stored := copySession(session)
	m.sessions[session.ID] = stored
	if session.Status == StatusActive {
		m.activeByUser[session.UserID] = session.ID
	}
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}

	if existing.Status == StatusActive && session.Status != StatusActive {
		delete(m.activeByUser, existing.UserID)
	}
	if existing.Status != StatusActive && session.Status == StatusActive {
		if other, held := m.activeByUser[session.UserID]; held && other != session.ID {
			return ErrActiveSessionExists
		}
		m.activeByUser[session.UserID] = session.ID
	}

	session.UpdatedAt = time.Now()
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) Session(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(session), nil
}

func (m *MemoryStore) ActiveSessionsByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.UserID == userID && session.Status == StatusActive {
			result = append(result, copySession(session))
		}
	}
	sortSessions(result)
	return result, nil
}

func (m *MemoryStore) ActiveSessionByUsername(_ context.Context, username string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.sessions {
		if session.Username == username && session.Status == StatusActive {
			return copySession(session), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) ExpiredSessions(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.Status == StatusActive && session.ExpiresAt.Before(now) {
			result = append(result, copySession(session))
		}
	}
	sortSessions(result)
	return result, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Session
	for _, session := range m.sessions {
		if matchSession(session, filter) {
			matched = append(matched, copySession(session))
		}
	}
	sortSessions(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) CountSessions(_ context.Context, filter SessionFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, session := range m.sessions {
		if matchSession(session, filter) {
			count++
		}
	}
	return count, nil
}

func matchSession(s *Session, f SessionFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.PlanID != "" && s.PlanID != f.PlanID {
		return false
	}
	if !f.CreatedAfter.IsZero() && s.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	return true
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionStart.After(sessions[j].SessionStart)
	})
}

func copySession(s *Session) *Session {
	out := *s
	if s.DeviceMACs != nil {
		out.DeviceMACs = append([]string(nil), s.DeviceMACs...)
	}
	return &out
}

// --- Accounting ---

func (m *MemoryStore) CreateAccountingRecord(_ context.Context, record *AccountingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	stored := *record
	m.acct[record.ID] = &stored
	m.acctByKey[acctKey(record.Username, record.AcctSessionID)] = record.ID
	return nil
}

func (m *MemoryStore) UpdateAccountingRecord(_ context.Context, record *AccountingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.acct[record.ID]; !ok {
		return ErrRecordNotFound
	}
	stored := *record
	m.acct[record.ID] = &stored
	return nil
}

func (m *MemoryStore) AccountingRecord(_ context.Context, username, acctSessionID string) (*AccountingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.acctByKey[acctKey(username, acctSessionID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *m.acct[id]
	return &out, nil
}

func (m *MemoryStore) OpenAccountingRecords(_ context.Context, username string) ([]*AccountingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AccountingRecord
	for _, record := range m.acct {
		if record.Username == username && record.Open() {
			out := *record
			result = append(result, &out)
		}
	}
	sortRecords(result)
	return result, nil
}

func (m *MemoryStore) AccountingRecordsByUsername(_ context.Context, username string) ([]*AccountingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AccountingRecord
	for _, record := range m.acct {
		if record.Username == username {
			out := *record
			result = append(result, &out)
		}
	}
	sortRecords(result)
	return result, nil
}

func (m *MemoryStore) PurgeAccountingRecords(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, record := range m.acct {
		if record.Open() || !record.AcctStopTime.Before(before) {
			continue
		}
		delete(m.acctByKey, acctKey(record.Username, record.AcctSessionID))
		delete(m.acct, id)
		purged++
	}
	return purged, nil
}

func (m *MemoryStore) UsageSince(_ context.Context, username string, since time.Time) (uint64, uint64, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var in, out uint64
	var last time.Time
	for _, record := range m.acct {
		if record.Username != username || record.AcctStartTime.Before(since) {
			continue
		}
		in += record.AcctInputOctets
		out += record.AcctOutputOctets
		if record.Open() && record.AcctUpdateTime.After(last) {
			last = record.AcctUpdateTime
		}
	}
	return in, out, last, nil
}

func sortRecords(records []*AccountingRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].AcctStartTime.After(records[j].AcctStartTime)
	})
}

// --- Post-auth ---

func (m *MemoryStore) CreatePostAuthRecord(_ context.Context, record *PostAuthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.AuthDate.IsZero() {
		record.AuthDate = time.Now()
	}
	stored := *record
	m.postAuth[record.ID] = &stored
	return nil
}

func (m *MemoryStore) PurgePostAuthRecords(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, record := range m.postAuth {
		if record.AuthDate.Before(before) {
			delete(m.postAuth, id)
			purged++
		}
	}
	return purged, nil
}
