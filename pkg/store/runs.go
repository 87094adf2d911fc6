package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

// SQLRunStore is a run.Store over database/sql.
type SQLRunStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRunStore wraps db. Call Migrate before first use.
func NewSQLRunStore(db *sql.DB, d Dialect) *SQLRunStore {
	return &SQLRunStore{db: db, dialect: d}
}

func (s *SQLRunStore) Insert(ctx context.Context, r *contracts.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO runs
		(run_id, parent_run_id, root_run_id, run_kind, status, case_id, lane_id, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, nullString(r.ParentRunID), r.RootRunID, string(r.Kind), string(r.Status),
		nullString(r.CaseID), nullString(r.LaneID), formatTime(r.CreatedAt), string(body))
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: %s", run.ErrRunExists, r.RunID)
		}
		return err
	}
	return nil
}

func (s *SQLRunStore) Get(ctx context.Context, runID string) (*contracts.Run, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT body FROM runs WHERE run_id = ?`), runID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", run.ErrRunNotFound, runID)
		}
		return nil, err
	}
	var r contracts.Run
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("store: decode run: %w", err)
	}
	return &r, nil
}

// Update writes r if the stored status still equals expect. Terminal rows are
// rejected by the database trigger.
func (s *SQLRunStore) Update(ctx context.Context, r *contracts.Run, expect contracts.RunStatus) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE runs SET status = ?, case_id = ?, lane_id = ?, body = ? WHERE run_id = ? AND status = ?`),
		string(r.Status), nullString(r.CaseID), nullString(r.LaneID), string(body), r.RunID, string(expect))
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	cur, err := s.Get(ctx, r.RunID)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", run.ErrTerminalImmutable, r.RunID)
	}
	return fmt.Errorf("%w: %s is %s, expected %s", run.ErrConcurrentUpdate, r.RunID, cur.Status, expect)
}

func (s *SQLRunStore) Children(ctx context.Context, parentRunID string) ([]*contracts.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT body FROM runs WHERE parent_run_id = ? ORDER BY created_at, run_id`), parentRunID)
	if err != nil {
		return nil, fmt.Errorf("store: query children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Run, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r contracts.Run
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("store: decode run: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
