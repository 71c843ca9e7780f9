// Package store is the persistence boundary for the session engine:
// users, plans, billing sessions, RADIUS accounting rows and post-auth
// logs. Two implementations exist, an in-memory store used by tests and
// single-node deployments, and a Postgres store sharing its schema with
// the external RADIUS server.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when no user matches the id or phone.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when a phone number is already registered.
	ErrUserExists = errors.New("user already exists")

	// ErrPlanNotFound is returned when no plan matches the id.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrSessionNotFound is returned when no session matches the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRecordNotFound is returned when no accounting record matches.
	ErrRecordNotFound = errors.New("accounting record not found")

	// ErrActiveSessionExists is returned by CreateSession when the user
	// already holds an active session. The storage layer enforces the
	// single-active-session invariant as a backstop to the lifecycle
	// manager's per-user serialization.
	ErrActiveSessionExists = errors.New("user already has an active session")
)

// Store is the storage collaborator consumed by the session engine.
type Store interface {
	UserStore
	PlanStore
	SessionStore
	AccountingStore
	PostAuthStore
}

// UserStore persists subscriber identities.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	User(ctx context.Context, id string) (*User, error)
	UserByPhone(ctx context.Context, phoneNumber string) (*User, error)
}

// PlanStore reads commercial plans. Plans are owned by the billing
// subsystem; the engine only creates them in tests and seeders.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *Plan) error
	Plan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
}

// SessionStore persists billing sessions.
type SessionStore interface {
	// CreateSession persists a new session. It fails with
	// ErrActiveSessionExists if the owning user already has a session
	// with status=active.
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	Session(ctx context.Context, id string) (*Session, error)

	// ActiveSessionsByUser returns the user's sessions with
	// status=active (at most one when the invariant holds, but the
	// caller must tolerate historical violations).
	ActiveSessionsByUser(ctx context.Context, userID string) ([]*Session, error)

	// ActiveSessionByUsername resolves the active session holding the
	// given RADIUS username, for the accounting ingest path.
	ActiveSessionByUsername(ctx context.Context, username string) (*Session, error)

	// ExpiredSessions returns sessions with status=active whose
	// expiresAt is before now.
	ExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error)

	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	CountSessions(ctx context.Context, filter SessionFilter) (int, error)
}

// AccountingStore persists NAS accounting rows.
type AccountingStore interface {
	CreateAccountingRecord(ctx context.Context, record *AccountingRecord) error
	UpdateAccountingRecord(ctx context.Context, record *AccountingRecord) error

	// AccountingRecord looks up the row keyed by (username, NAS
	// session id).
	AccountingRecord(ctx context.Context, username, acctSessionID string) (*AccountingRecord, error)

	// OpenAccountingRecords returns the user's rows with no stop time;
	// one per currently connected device.
	OpenAccountingRecords(ctx context.Context, username string) ([]*AccountingRecord, error)

	AccountingRecordsByUsername(ctx context.Context, username string) ([]*AccountingRecord, error)

	// PurgeAccountingRecords deletes closed rows whose stop time is
	// before the cutoff. Open rows are never purged regardless of age.
	PurgeAccountingRecords(ctx context.Context, before time.Time) (int, error)

	// UsageSince sums input/output octets across the username's rows
	// started at or after since, and reports the most recent update
	// time among its open rows.
	UsageSince(ctx context.Context, username string, since time.Time) (in, out uint64, lastUpdate time.Time, err error)
}

// PostAuthStore persists authentication decisions.
type PostAuthStore interface {
	CreatePostAuthRecord(ctx context.Context, record *PostAuthRecord) error
	PurgePostAuthRecords(ctx context.Context, before time.Time) (int, error)
}
