// Package store persists runs and audit events in SQL. Postgres (lib/pq) is
// the production backend; SQLite (modernc.org/sqlite) serves lite mode and
// tests. Both schemas enforce immutability in the database itself: audit
// events reject UPDATE and DELETE, and terminal runs reject UPDATE.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

var (
	// ErrAppendOnly is returned when the database refuses to change a ledger row.
	ErrAppendOnly = audit.ErrAppendOnly
	// ErrNotFound is returned for missing rows.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("store: conflict")
)

const (
	appendOnlyMessage = "audit_events is append-only"
	immutableMessage  = "runs: terminal run is immutable"
)

// Dialect selects SQL flavor.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DriverName is the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $N for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects to dsn. An empty dsn is not accepted; lite mode passes a
// SQLite file path.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: empty dsn for %s", d)
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d, err)
	}
	if d == SQLite {
		// One writer keeps the per-run sequence read and insert consistent.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates tables and immutability triggers.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := sqliteSchema
	if d == Postgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		parent_run_id TEXT,
		root_run_id TEXT NOT NULL,
		run_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		case_id TEXT,
		lane_id TEXT,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_parent_idx ON runs (parent_run_id)`,
	`CREATE TRIGGER IF NOT EXISTS runs_terminal_immutable
		BEFORE UPDATE ON runs
		WHEN OLD.status IN ('completed', 'failed', 'denied', 'cancelled')
		BEGIN SELECT RAISE(ABORT, '` + immutableMessage + `'); END`,
	`CREATE TRIGGER IF NOT EXISTS runs_no_delete
		BEFORE DELETE ON runs
		BEGIN SELECT RAISE(ABORT, '` + immutableMessage + `'); END`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		ts TEXT NOT NULL,
		action_type TEXT NOT NULL,
		case_id TEXT,
		lane_id TEXT,
		corrects_event_id TEXT,
		prev_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (run_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts)`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
		BEFORE UPDATE ON audit_events
		BEGIN SELECT RAISE(ABORT, '` + appendOnlyMessage + `'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
		BEFORE DELETE ON audit_events
		BEGIN SELECT RAISE(ABORT, '` + appendOnlyMessage + `'); END`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		parent_run_id TEXT,
		root_run_id TEXT NOT NULL,
		run_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		case_id TEXT,
		lane_id TEXT,
		created_at TEXT NOT NULL,
		body JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_parent_idx ON runs (parent_run_id)`,
	`CREATE OR REPLACE FUNCTION runs_guard_terminal() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' OR OLD.status IN ('completed', 'failed', 'denied', 'cancelled') THEN
			RAISE EXCEPTION '` + immutableMessage + `';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS runs_terminal_immutable ON runs`,
	`CREATE TRIGGER runs_terminal_immutable BEFORE UPDATE OR DELETE ON runs
		FOR EACH ROW EXECUTE FUNCTION runs_guard_terminal()`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		ts TEXT NOT NULL,
		action_type TEXT NOT NULL,
		case_id TEXT,
		lane_id TEXT,
		corrects_event_id TEXT,
		prev_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (run_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts)`,
	`CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '` + appendOnlyMessage + `';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events`,
	`CREATE TRIGGER audit_events_no_mutation BEFORE UPDATE OR DELETE ON audit_events
		FOR EACH ROW EXECUTE FUNCTION audit_events_append_only()`,
	`REVOKE UPDATE, DELETE, TRUNCATE ON audit_events FROM PUBLIC`,
}

// mapError translates driver errors into package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg = pqErr.Message
		if pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		}
	}
	switch {
	case strings.Contains(msg, appendOnlyMessage):
		return fmt.Errorf("%w: %v", ErrAppendOnly, err)
	case strings.Contains(msg, immutableMessage):
		return fmt.Errorf("%w: %v", run.ErrTerminalImmutable, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
