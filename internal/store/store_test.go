package store

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestAcquireLock_GrantsWhenUnderCap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM loader_execution_locks\s+WHERE loader_code`).
		WithArgs("SALES_HOURLY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM loader_execution_locks\s+WHERE released = FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO loader_execution_locks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lock, err := s.AcquireLock(context.Background(), "SALES_HOURLY", "replica-a", 3, 100)
	require.NoError(t, err)
	assert.Equal(t, "SALES_HOURLY", lock.LoaderCode)
	assert.Equal(t, "replica-a", lock.ReplicaName)
	assert.NotEmpty(t, lock.LockID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock_RefusesAtLoaderCap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM loader_execution_locks\s+WHERE loader_code`).
		WithArgs("SALES_HOURLY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	_, err := s.AcquireLock(context.Background(), "SALES_HOURLY", "replica-a", 3, 100)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock_RefusesAtGlobalCap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM loader_execution_locks\s+WHERE loader_code`).
		WithArgs("SALES_HOURLY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM loader_execution_locks\s+WHERE released = FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))
	mock.ExpectRollback()

	_, err := s.AcquireLock(context.Background(), "SALES_HOURLY", "replica-a", 3, 100)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSignals_SkipDuplicatesCountsIngested(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO signal_history .* ON CONFLICT .* DO NOTHING`)
	mock.ExpectExec(`INSERT INTO signal_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO signal_history`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate, skipped
	mock.ExpectCommit()

	signals := []*core.SignalHistory{
		{LoaderCode: "SALES_HOURLY", LoadTimestamp: 1700000000, SegmentCode: 1, RecCount: 10},
		{LoaderCode: "SALES_HOURLY", LoadTimestamp: 1700000000, SegmentCode: 2, RecCount: 4},
	}
	ingested, err := s.InsertSignals(context.Background(), signals, core.SkipDuplicates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ingested)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionApprovalRequest_GuardsCurrentStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE approval_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // someone else transitioned first
	mock.ExpectRollback()

	action := &core.ApprovalAction{ActionType: core.ActionApprove, ActionBy: "alice"}
	err := s.TransitionApprovalRequest(context.Background(), 42,
		core.PendingApproval, core.Approved, action, "")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeIllegalState))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBackfillJob_OnlyOneWinner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE backfill_jobs`).
		WithArgs(int64(7), "replica-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE backfill_jobs`).
		WithArgs(int64(7), "replica-b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.ClaimBackfillJob(context.Background(), 7, "replica-a")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimBackfillJob(context.Background(), 7, "replica-b")
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLock_UnknownLockIsWarnedNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE loader_execution_locks`).
		WithArgs("gone-lock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	require.NoError(t, s.ReleaseLock(context.Background(), "gone-lock"))
	assert.Contains(t, buf.String(), "gone-lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateSegmentCode_LostRaceReReadsWinner(t *testing.T) {
	s, mock := newMockStore(t)

	// This replica sees no row, tries to allocate, and loses the tuple
	// race on the unique index; the retry must return the winner's code.
	mock.ExpectQuery(`SELECT segment_code FROM segment_combinations`).
		WillReturnRows(sqlmock.NewRows([]string{"segment_code"}))
	mock.ExpectQuery(`INSERT INTO segment_combinations`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT segment_code FROM segment_combinations`).
		WillReturnRows(sqlmock.NewRows([]string{"segment_code"}).AddRow(7))

	var segments [10]*string
	eu := "EU"
	segments[0] = &eu
	code, err := s.GetOrCreateSegmentCode(context.Background(), "SALES_HOURLY", segments)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeReleasedLocks(t *testing.T) {
	s, mock := newMockStore(t)

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM loader_execution_locks`).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.PurgeReleasedLocks(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
