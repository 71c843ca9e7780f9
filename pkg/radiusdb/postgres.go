package radiusdb

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// PostgresStore writes the radius_check, radius_reply and
// radius_usergroup tables FreeRADIUS reads from.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing database pool. The pool is shared
// with the session store so both live in the same database.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

const schema = `
CREATE TABLE IF NOT EXISTS radius_check (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	attribute TEXT NOT NULL,
	op VARCHAR(2) NOT NULL DEFAULT ':=',
	value TEXT NOT NULL,
	session_id UUID
);
CREATE INDEX IF NOT EXISTS radius_check_username_idx ON radius_check(username);

CREATE TABLE IF NOT EXISTS radius_reply (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	attribute TEXT NOT NULL,
	op VARCHAR(2) NOT NULL DEFAULT '=',
	value TEXT NOT NULL,
	session_id UUID
);
CREATE INDEX IF NOT EXISTS radius_reply_username_idx ON radius_reply(username);

CREATE TABLE IF NOT EXISTS radius_usergroup (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	groupname TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS radius_usergroup_username_idx ON radius_usergroup(username);
`

// Migrate creates the FreeRADIUS tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying radius schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Replace(ctx context.Context, set *AttributeSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := removeUser(ctx, tx, set.Username); err != nil {
		return err
	}

	var sessionID sql.NullString
	if set.SessionID != "" {
		sessionID = sql.NullString{String: set.SessionID, Valid: true}
	}

	for _, attr := range set.Check {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO radius_check (username, attribute, op, value, session_id)
			VALUES ($1, $2, $3, $4, $5)`,
			set.Username, attr.Name, attr.Op, attr.Value, sessionID); err != nil {
			return fmt.Errorf("inserting check attribute %s: %w", attr.Name, err)
		}
	}
	for _, attr := range set.Reply {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO radius_reply (username, attribute, op, value, session_id)
			VALUES ($1, $2, $3, $4, $5)`,
			set.Username, attr.Name, attr.Op, attr.Value, sessionID); err != nil {
			return fmt.Errorf("inserting reply attribute %s: %w", attr.Name, err)
		}
	}
	for i, group := range set.Groups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO radius_usergroup (username, groupname, priority)
			VALUES ($1, $2, $3)`,
			set.Username, group, i+1); err != nil {
			return fmt.Errorf("inserting usergroup %s: %w", group, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing attribute replace: %w", err)
	}

	p.logger.Debug("replaced radius attributes",
		zap.String("username", set.Username),
		zap.Int("check", len(set.Check)),
		zap.Int("reply", len(set.Reply)))
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, username string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := removeUser(ctx, tx, username); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing attribute removal: %w", err)
	}
	return nil
}

func removeUser(ctx context.Context, tx *sql.Tx, username string) error {
	for _, table := range []string{"radius_check", "radius_reply", "radius_usergroup"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE username = $1", table), username); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

func (p *PostgresStore) Lookup(ctx context.Context, username string) (*AttributeSet, error) {
	set := &AttributeSet{Username: username}

	check, sessionID, err := p.queryAttrs(ctx, "radius_check", username)
	if err != nil {
		return nil, err
	}
	set.Check = check
	set.SessionID = sessionID

	reply, _, err := p.queryAttrs(ctx, "radius_reply", username)
	if err != nil {
		return nil, err
	}
	set.Reply = reply

	rows, err := p.db.QueryContext(ctx, `
		SELECT groupname FROM radius_usergroup WHERE username = $1 ORDER BY priority`, username)
	if err != nil {
		return nil, fmt.Errorf("querying usergroups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scanning usergroup: %w", err)
		}
		set.Groups = append(set.Groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(set.Check) == 0 && len(set.Reply) == 0 && len(set.Groups) == 0 {
		return nil, ErrNoAttributes
	}
	return set, nil
}

func (p *PostgresStore) queryAttrs(ctx context.Context, table, username string) ([]Attribute, string, error) {
	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf("SELECT attribute, op, value, session_id FROM %s WHERE username = $1 ORDER BY id", table),
		username)
	if err != nil {
		return nil, "", fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var attrs []Attribute
	var sessionID string
	for rows.Next() {
		var attr Attribute
		var sid sql.NullString
		if err := rows.Scan(&attr.Name, &attr.Op, &attr.Value, &sid); err != nil {
			return nil, "", fmt.Errorf("scanning %s row: %w", table, err)
		}
		if sid.Valid {
			sessionID = sid.String
		}
		attrs = append(attrs, attr)
	}
	return attrs, sessionID, rows.Err()
}
