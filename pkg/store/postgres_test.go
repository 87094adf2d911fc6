package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

func TestSQLLedger_PostgresAppendFirstEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, Postgres, audit.WithIDGenerator(audit.SequentialIDs{}))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, event_hash FROM audit_events WHERE run_id = $1")).
		WithArgs("RUN_1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("EVT_RUN_1_001", "RUN_1", int64(1), sqlmock.AnyArg(), "run_created",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), audit.Genesis, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev := testEvent("RUN_1", contracts.ActionRunCreated)
	id, err := l.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "EVT_RUN_1_001", id)
	assert.Equal(t, audit.Genesis, ev.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_PostgresRetriesOnSequenceConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, Postgres, audit.WithIDGenerator(audit.SequentialIDs{}))
	head := regexp.QuoteMeta("SELECT sequence, event_hash FROM audit_events")

	mock.ExpectBegin()
	mock.ExpectQuery(head).WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_hash"}).AddRow(1, "sha256:one"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "audit_events_run_id_sequence_key"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(head).WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_hash"}).AddRow(2, "sha256:two"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("EVT_RUN_1_003", "RUN_1", int64(3), sqlmock.AnyArg(), "run_state_change",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:two", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev := testEvent("RUN_1", contracts.ActionRunStateChange)
	_, err = l.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapError_PostgresTriggers(t *testing.T) {
	assert.ErrorIs(t, mapError(&pq.Error{Message: appendOnlyMessage}), ErrAppendOnly)
	assert.ErrorIs(t, mapError(&pq.Error{Message: immutableMessage}), run.ErrTerminalImmutable)
	assert.ErrorIs(t, mapError(&pq.Error{Code: "23505"}), ErrConflict)
	assert.Nil(t, mapError(nil))
}

func TestSQLRunStore_PostgresUpdateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLRunStore(db, Postgres)
	r := &contracts.Run{RunID: "r1", Status: contracts.RunStatusRunning}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status = $1, case_id = $2, lane_id = $3, body = $4 WHERE run_id = $5 AND status = $6")).
		WithArgs("running", nil, nil, sqlmock.AnyArg(), "r1", "created").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM runs WHERE run_id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"run_id":"r1","status":"waiting"}`))

	err = s.Update(context.Background(), r, contracts.RunStatusCreated)
	assert.ErrorIs(t, err, run.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
