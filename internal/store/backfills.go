package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etlmon/backend/internal/core"
)

const backfillColumns = `id, loader_code, from_epoch, to_epoch, purge_strategy,
	status, requested_by, requested_at, replica_name, start_time, end_time,
	records_purged, records_loaded, records_ingested, error_message`

func scanBackfill(row interface{ Scan(...interface{}) error }) (*core.BackfillJob, error) {
	var j core.BackfillJob
	var startTime, endTime sql.NullTime
	err := row.Scan(&j.ID, &j.LoaderCode, &j.FromEpoch, &j.ToEpoch, &j.PurgeStrategy,
		&j.Status, &j.RequestedBy, &j.RequestedAt, &j.ReplicaName, &startTime, &endTime,
		&j.RecordsPurged, &j.RecordsLoaded, &j.RecordsIngested, &j.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if startTime.Valid {
		t := startTime.Time
		j.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		j.EndTime = &t
	}
	return &j, nil
}

// InsertBackfillJob queues a PENDING job and returns its id.
func (s *Store) InsertBackfillJob(ctx context.Context, j *core.BackfillJob) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO backfill_jobs (loader_code, from_epoch, to_epoch,
			purge_strategy, status, requested_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		j.LoaderCode, j.FromEpoch, j.ToEpoch, string(j.PurgeStrategy),
		string(core.BackfillPending), j.RequestedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert backfill job for %s: %w", j.LoaderCode, err)
	}
	return id, nil
}

// GetBackfillJob fetches one job by id.
func (s *Store) GetBackfillJob(ctx context.Context, id int64) (*core.BackfillJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backfillColumns+` FROM backfill_jobs WHERE id = $1`, id)
	j, err := scanBackfill(row)
	if err == sql.ErrNoRows {
		return nil, core.Errf(core.CodeNotFound, "backfill job %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill job %d: %w", id, err)
	}
	return j, nil
}

// ListBackfillJobs returns jobs for a loader, newest first. An empty
// loaderCode lists across all loaders.
func (s *Store) ListBackfillJobs(ctx context.Context, loaderCode string, limit int) ([]*core.BackfillJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + backfillColumns + ` FROM backfill_jobs`
	args := []interface{}{}
	if loaderCode != "" {
		query += ` WHERE loader_code = $1`
		args = append(args, loaderCode)
	}
	query += fmt.Sprintf(` ORDER BY requested_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backfill jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.BackfillJob
	for rows.Next() {
		j, err := scanBackfill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backfill row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimBackfillJob flips PENDING to RUNNING for exactly one worker. A false
// return means another replica got there first or the job was cancelled.
func (s *Store) ClaimBackfillJob(ctx context.Context, id int64, replicaName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'RUNNING', replica_name = $2, start_time = now()
		WHERE id = $1 AND status = 'PENDING'`, id, replicaName)
	if err != nil {
		return false, fmt.Errorf("claim backfill job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishBackfillJob records the terminal outcome of a running job.
func (s *Store) FinishBackfillJob(ctx context.Context, id int64, status core.BackfillStatus,
	purged, loaded, ingested int64, errMessage string) error {

	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET
			status = $2, end_time = now(),
			records_purged = $3, records_loaded = $4, records_ingested = $5,
			error_message = $6
		WHERE id = $1 AND status = 'RUNNING'`,
		id, string(status), purged, loaded, ingested, errMessage)
	if err != nil {
		return fmt.Errorf("finish backfill job %d: %w", id, err)
	}
	return nil
}

// CancelBackfillJob cancels a job that has not started running yet.
func (s *Store) CancelBackfillJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET status = 'CANCELLED', end_time = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return fmt.Errorf("cancel backfill job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errf(core.CodeIllegalState,
			"backfill job %d is not PENDING", id)
	}
	return nil
}

// NextPendingBackfillJob returns the oldest PENDING job, or nil.
func (s *Store) NextPendingBackfillJob(ctx context.Context) (*core.BackfillJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backfillColumns+` FROM backfill_jobs
		 WHERE status = 'PENDING' ORDER BY requested_at LIMIT 1`)
	j, err := scanBackfill(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending backfill job: %w", err)
	}
	return j, nil
}

// HasOpenBackfill reports whether the loader already has a PENDING or
// RUNNING job overlapping [fromEpoch, toEpoch).
func (s *Store) HasOpenBackfill(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backfill_jobs
		WHERE loader_code = $1
		  AND status IN ('PENDING','RUNNING')
		  AND from_epoch < $3 AND to_epoch > $2`,
		loaderCode, fromEpoch, toEpoch).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check open backfills for %s: %w", loaderCode, err)
	}
	return n > 0, nil
}

// CountActiveBackfills returns how many PENDING or RUNNING jobs a loader has.
func (s *Store) CountActiveBackfills(ctx context.Context, loaderCode string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backfill_jobs
		WHERE loader_code = $1 AND status IN ('PENDING','RUNNING')`,
		loaderCode).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active backfills for %s: %w", loaderCode, err)
	}
	return n, nil
}

// ReapStaleBackfills fails RUNNING jobs whose start_time is older than the
// threshold, covering replicas that died mid-backfill.
func (s *Store) ReapStaleBackfills(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET
			status = 'FAILED', end_time = now(),
			error_message = 'reaped: replica did not finish'
		WHERE status = 'RUNNING' AND start_time < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reap stale backfills: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
