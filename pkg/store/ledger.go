package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// tsLayout is fixed-width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

const (
	appendAttempts = 3
	ledgerStripes  = 32
)

// SQLLedger is an audit.Ledger over database/sql. The row body is the
// canonical JSON of the event, so hashes verify against what was read back.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	opts    audit.Options
	stripes [ledgerStripes]sync.Mutex
}

// NewSQLLedger wraps db. Call Migrate before first use.
func NewSQLLedger(db *sql.DB, d Dialect, opts ...audit.Option) *SQLLedger {
	return &SQLLedger{db: db, dialect: d, opts: audit.ApplyOptions(opts...)}
}

func (l *SQLLedger) lock(runID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	m := &l.stripes[h.Sum32()%ledgerStripes]
	m.Lock()
	return m.Unlock
}

// Append implements audit.Ledger. The sequence read and the insert share a
// transaction; a concurrent writer in another process surfaces as a unique
// violation on (run_id, sequence) and the append is retried.
func (l *SQLLedger) Append(ctx context.Context, ev *contracts.AuditEvent) (string, error) {
	if err := audit.Validate(ev); err != nil {
		return "", err
	}
	unlock := l.lock(ev.RunID)
	defer unlock()

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var id string
		id, err = l.appendOnce(ctx, ev)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
	}
	return "", err
}

func (l *SQLLedger) appendOnce(ctx context.Context, ev *contracts.AuditEvent) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  uint64
		prev = audit.Genesis
	)
	row := tx.QueryRowContext(ctx, l.dialect.rebind(
		`SELECT sequence, event_hash FROM audit_events WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`), ev.RunID)
	if err := row.Scan(&seq, &prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("store: read chain head: %w", err)
		}
		seq, prev = 0, audit.Genesis
	}

	seq++
	id := l.opts.IDs.NextEventID(ev.RunID, seq)
	if err := audit.Seal(ev, id, seq, prev, l.opts.Clock()); err != nil {
		return "", err
	}
	body, err := canonicalize.JCS(ev)
	if err != nil {
		return "", fmt.Errorf("store: encode event: %w", err)
	}

	_, err = tx.ExecContext(ctx, l.dialect.rebind(`INSERT INTO audit_events
		(event_id, run_id, sequence, ts, action_type, case_id, lane_id, corrects_event_id, prev_hash, event_hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.EventID, ev.RunID, int64(ev.Sequence), ev.Timestamp.Format(tsLayout), string(ev.ActionType),
		nullString(ev.CaseID), nullString(ev.LaneID), nullString(ev.CorrectsEventID),
		ev.PrevHash, ev.EventHash, string(body))
	if err != nil {
		return "", mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", mapError(err))
	}
	return id, nil
}

// Query implements audit.Ledger.
func (l *SQLLedger) Query(ctx context.Context, f audit.Filter) ([]contracts.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.LaneID != "" {
		where = append(where, "lane_id = ?")
		args = append(args, f.LaneID)
	}
	if len(f.ActionTypes) > 0 {
		marks := make([]string, len(f.ActionTypes))
		for i, a := range f.ActionTypes {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action_type IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UTC().Format(tsLayout))
	}

	query := "SELECT body FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.RunID != "" {
		query += " ORDER BY sequence"
	} else {
		query += " ORDER BY ts, run_id, sequence"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one event by id.
func (l *SQLLedger) Get(ctx context.Context, eventID string) (contracts.AuditEvent, error) {
	var body string
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(`SELECT body FROM audit_events WHERE event_id = ?`), eventID).Scan(&body)
	if err != nil {
		return contracts.AuditEvent{}, mapError(err)
	}
	var ev contracts.AuditEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("store: decode event: %w", err)
	}
	return ev, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
