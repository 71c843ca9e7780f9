package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultPostgresConfig returns sane connection defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "vukawifi",
		Database:        "vukawifi",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	logger.Info("connected to postgres",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// DB exposes the underlying pool for stores sharing the same database.
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	phone_number TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	last_login TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS plans (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	base_price NUMERIC(10,2) NOT NULL,
	duration_hours INTEGER NOT NULL,
	bandwidth_limit TEXT NOT NULL,
	max_devices INTEGER NOT NULL DEFAULT 1,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	popular BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	plan_id UUID NOT NULL REFERENCES plans(id),
	device_count INTEGER NOT NULL DEFAULT 1,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	nas_ip TEXT NOT NULL DEFAULT '',
	device_macs TEXT[] NOT NULL DEFAULT '{}',
	session_start TIMESTAMPTZ NOT NULL,
	session_end TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	bytes_in BIGINT NOT NULL DEFAULT 0,
	bytes_out BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	payment_reference TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_user
	ON sessions(user_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS sessions_username_idx ON sessions(username);
CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions(expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS radius_accounting (
	id UUID PRIMARY KEY,
	acct_session_id TEXT NOT NULL,
	username TEXT NOT NULL,
	nas_ip_address TEXT NOT NULL DEFAULT '',
	nas_port_id TEXT NOT NULL DEFAULT '',
	calling_station_id TEXT NOT NULL DEFAULT '',
	acct_start_time TIMESTAMPTZ NOT NULL,
	acct_update_time TIMESTAMPTZ,
	acct_stop_time TIMESTAMPTZ,
	acct_session_time BIGINT NOT NULL DEFAULT 0,
	acct_input_octets BIGINT NOT NULL DEFAULT 0,
	acct_output_octets BIGINT NOT NULL DEFAULT 0,
	terminate_cause TEXT NOT NULL DEFAULT '',
	UNIQUE (username, acct_session_id)
);

CREATE INDEX IF NOT EXISTS radius_accounting_username_idx ON radius_accounting(username);

CREATE TABLE IF NOT EXISTS radius_postauth (
	id UUID PRIMARY KEY,
	username TEXT NOT NULL,
	reply TEXT NOT NULL,
	auth_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS radius_postauth_date_idx ON radius_postauth(auth_date);
`

// Migrate creates the schema if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	p.logger.Info("database schema up to date")
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// --- Users ---

func (p *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, phone_number, username, active, last_login, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.PhoneNumber, user.Username, user.Active,
		nullTime(user.LastLogin), user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET phone_number = $2, username = $3, active = $4, last_login = $5, updated_at = $6
		WHERE id = $1`,
		user.ID, user.PhoneNumber, user.Username, user.Active,
		nullTime(user.LastLogin), user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return checkAffected(res, ErrUserNotFound)
}

func (p *PostgresStore) User(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, phone_number, username, active, last_login, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) UserByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, phone_number, username, active, last_login, created_at, updated_at
		FROM users WHERE phone_number = $1`, phoneNumber))
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := row.Scan(&user.ID, &user.PhoneNumber, &user.Username, &user.Active,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	user.LastLogin = fromNullTime(lastLogin)
	return &user, nil
}

// --- Plans ---

func (p *PostgresStore) CreatePlan(ctx context.Context, plan *Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	now := time.Now()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, description, base_price, duration_hours, bandwidth_limit,
			max_devices, active, popular, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		plan.ID, plan.Name, plan.Description, plan.BasePrice, plan.DurationHours,
		plan.BandwidthLimit, plan.MaxDevices, plan.Active, plan.Popular,
		plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

func (p *PostgresStore) Plan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, base_price, duration_hours, bandwidth_limit,
			max_devices, active, popular, created_at, updated_at
		FROM plans WHERE id = $1`, id).
		Scan(&plan.ID, &plan.Name, &plan.Description, &plan.BasePrice, &plan.DurationHours,
			&plan.BandwidthLimit, &plan.MaxDevices, &plan.Active, &plan.Popular,
			&plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning plan: %w", err)
	}
	return &plan, nil
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, base_price, duration_hours, bandwidth_limit,
			max_devices, active, popular, created_at, updated_at
		FROM plans ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		var plan Plan
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.Description, &plan.BasePrice,
			&plan.DurationHours, &plan.BandwidthLimit, &plan.MaxDevices, &plan.Active,
			&plan.Popular, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, user_id, plan_id, device_count, username, password, nas_ip,
	device_macs, session_start, session_end, expires_at, last_activity,
	bytes_in, bytes_out, status, payment_reference, created_at, updated_at`

func (p *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		session.ID, session.UserID, session.PlanID, session.DeviceCount,
		session.Username, session.Password, session.NASIP, pq.Array(session.DeviceMACs),
		session.SessionStart, nullTime(session.SessionEnd), session.ExpiresAt,
		session.LastActivity, int64(session.BytesIn), int64(session.BytesOut),
		string(session.Status), session.PaymentReference, session.CreatedAt, session.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET device_count = $2, nas_ip = $3, device_macs = $4,
			session_end = $5, expires_at = $6, last_activity = $7,
			bytes_in = $8, bytes_out = $9, status = $10, payment_reference = $11, updated_at = $12
		WHERE id = $1`,
		session.ID, session.DeviceCount, session.NASIP, pq.Array(session.DeviceMACs),
		nullTime(session.SessionEnd), session.ExpiresAt, session.LastActivity,
		int64(session.BytesIn), int64(session.BytesOut), string(session.Status),
		session.PaymentReference, session.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return checkAffected(res, ErrSessionNotFound)
}

func (p *PostgresStore) Session(ctx context.Context, id string) (*Session, error) {
	return scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (p *PostgresStore) ActiveSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND status = 'active' ORDER BY session_start DESC`, userID)
}

func (p *PostgresStore) ActiveSessionByUsername(ctx context.Context, username string) (*Session, error) {
	return scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE username = $1 AND status = 'active'`, username))
}

func (p *PostgresStore) ExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at`, now)
}

func (p *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query, args := buildSessionQuery(`SELECT `+sessionColumns+` FROM sessions`, filter, true)
	return p.querySessions(ctx, query, args...)
}

func (p *PostgresStore) CountSessions(ctx context.Context, filter SessionFilter) (int, error) {
	query, args := buildSessionQuery(`SELECT COUNT(*) FROM sessions`, filter, false)
	var count int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}

func buildSessionQuery(base string, filter SessionFilter, paginate bool) (string, []interface{}) {
	var args []interface{}
	query := base
	clause := " WHERE"

	add := func(cond string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf("%s %s $%d", clause, cond, len(args))
		clause = " AND"
	}

	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if filter.UserID != "" {
		add("user_id =", filter.UserID)
	}
	if filter.PlanID != "" {
		add("plan_id =", filter.PlanID)
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at >", filter.CreatedAfter)
	}

	if paginate {
		query += " ORDER BY session_start DESC"
		if filter.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		}
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return query, args
}

func (p *PostgresStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var sessionEnd sql.NullTime
	var bytesIn, bytesOut int64
	var status string
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.DeviceCount, &s.Username, &s.Password,
		&s.NASIP, pq.Array(&s.DeviceMACs), &s.SessionStart, &sessionEnd, &s.ExpiresAt,
		&s.LastActivity, &bytesIn, &bytesOut, &status, &s.PaymentReference,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.SessionEnd = fromNullTime(sessionEnd)
	s.BytesIn = uint64(bytesIn)
	s.BytesOut = uint64(bytesOut)
	s.Status = SessionStatus(status)
	return &s, nil
}

// --- Accounting ---

const acctColumns = `id, acct_session_id, username, nas_ip_address, nas_port_id,
	calling_station_id, acct_start_time, acct_update_time, acct_stop_time,
	acct_session_time, acct_input_octets, acct_output_octets, terminate_cause`

func (p *PostgresStore) CreateAccountingRecord(ctx context.Context, record *AccountingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO radius_accounting (`+acctColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.AcctSessionID, record.Username, record.NASIPAddress,
		record.NASPortID, record.CallingStationID, record.AcctStartTime,
		nullTime(record.AcctUpdateTime), nullTime(record.AcctStopTime),
		record.AcctSessionTime, int64(record.AcctInputOctets),
		int64(record.AcctOutputOctets), record.TerminateCause)
	if err != nil {
		return fmt.Errorf("inserting accounting record: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateAccountingRecord(ctx context.Context, record *AccountingRecord) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE radius_accounting SET acct_update_time = $2, acct_stop_time = $3,
			acct_session_time = $4, acct_input_octets = $5, acct_output_octets = $6,
			terminate_cause = $7
		WHERE id = $1`,
		record.ID, nullTime(record.AcctUpdateTime), nullTime(record.AcctStopTime),
		record.AcctSessionTime, int64(record.AcctInputOctets),
		int64(record.AcctOutputOctets), record.TerminateCause)
	if err != nil {
		return fmt.Errorf("updating accounting record: %w", err)
	}
	return checkAffected(res, ErrRecordNotFound)
}

func (p *PostgresStore) AccountingRecord(ctx context.Context, username, acctSessionID string) (*AccountingRecord, error) {
	return scanAcctRecord(p.db.QueryRowContext(ctx,
		`SELECT `+acctColumns+` FROM radius_accounting
		WHERE username = $1 AND acct_session_id = $2`, username, acctSessionID))
}

func (p *PostgresStore) OpenAccountingRecords(ctx context.Context, username string) ([]*AccountingRecord, error) {
	return p.queryAcctRecords(ctx,
		`SELECT `+acctColumns+` FROM radius_accounting
		WHERE username = $1 AND acct_stop_time IS NULL ORDER BY acct_start_time DESC`, username)
}

func (p *PostgresStore) AccountingRecordsByUsername(ctx context.Context, username string) ([]*AccountingRecord, error) {
	return p.queryAcctRecords(ctx,
		`SELECT `+acctColumns+` FROM radius_accounting
		WHERE username = $1 ORDER BY acct_start_time DESC`, username)
}

func (p *PostgresStore) PurgeAccountingRecords(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM radius_accounting
		WHERE acct_stop_time IS NOT NULL AND acct_stop_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging accounting records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) UsageSince(ctx context.Context, username string, since time.Time) (uint64, uint64, time.Time, error) {
	var in, out int64
	var last sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(acct_input_octets), 0), COALESCE(SUM(acct_output_octets), 0),
			MAX(acct_update_time) FILTER (WHERE acct_stop_time IS NULL)
		FROM radius_accounting
		WHERE username = $1 AND acct_start_time >= $2`, username, since).
		Scan(&in, &out, &last)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("summing usage: %w", err)
	}
	return uint64(in), uint64(out), fromNullTime(last), nil
}

func (p *PostgresStore) queryAcctRecords(ctx context.Context, query string, args ...interface{}) ([]*AccountingRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounting records: %w", err)
	}
	defer rows.Close()

	var records []*AccountingRecord
	for rows.Next() {
		record, err := scanAcctRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanAcctRecord(row rowScanner) (*AccountingRecord, error) {
	var r AccountingRecord
	var updateTime, stopTime sql.NullTime
	var in, out int64
	err := row.Scan(&r.ID, &r.AcctSessionID, &r.Username, &r.NASIPAddress, &r.NASPortID,
		&r.CallingStationID, &r.AcctStartTime, &updateTime, &stopTime,
		&r.AcctSessionTime, &in, &out, &r.TerminateCause)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning accounting record: %w", err)
	}
	r.AcctUpdateTime = fromNullTime(updateTime)
	r.AcctStopTime = fromNullTime(stopTime)
	r.AcctInputOctets = uint64(in)
	r.AcctOutputOctets = uint64(out)
	return &r, nil
}

// --- Post-auth ---

func (p *PostgresStore) CreatePostAuthRecord(ctx context.Context, record *PostAuthRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.AuthDate.IsZero() {
		record.AuthDate = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO radius_postauth (id, username, reply, auth_date)
		VALUES ($1, $2, $3, $4)`,
		record.ID, record.Username, record.Reply, record.AuthDate)
	if err != nil {
		return fmt.Errorf("inserting postauth record: %w", err)
	}
	return nil
}

func (p *PostgresStore) PurgePostAuthRecords(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM radius_postauth WHERE auth_date < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging postauth records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
