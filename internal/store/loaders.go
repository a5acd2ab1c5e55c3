package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/etlmon/backend/internal/core"
)

const loaderColumns = `id, loader_code, sql_text, source_database_id,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds,
	max_parallel_executions, purge_strategy, source_timezone_offset_hours,
	aggregation_period_seconds, last_load_timestamp, failed_since,
	consecutive_zero_record_runs, load_status, enabled, approval_status,
	version_number, parent_version_id, version_status, description,
	created_by, created_at, updated_at`

func scanLoader(row interface{ Scan(...interface{}) error }) (*core.Loader, error) {
	var l core.Loader
	var aggPeriod sql.NullInt64
	var lastLoad, failedSince sql.NullTime
	var parentID sql.NullInt64

	err := row.Scan(
		&l.ID, &l.LoaderCode, &l.SQL, &l.SourceDatabaseID,
		&l.MinIntervalSeconds, &l.MaxIntervalSeconds, &l.MaxQueryPeriodSeconds,
		&l.MaxParallelExecutions, &l.PurgeStrategy, &l.SourceTimezoneOffsetHours,
		&aggPeriod, &lastLoad, &failedSince,
		&l.ConsecutiveZeroRecordRuns, &l.LoadStatus, &l.Enabled, &l.ApprovalStatus,
		&l.VersionNumber, &parentID, &l.VersionStatus, &l.Description,
		&l.CreatedBy, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if aggPeriod.Valid {
		v := int(aggPeriod.Int64)
		l.AggregationPeriodSeconds = &v
	}
	if lastLoad.Valid {
		t := lastLoad.Time
		l.LastLoadTimestamp = &t
	}
	if failedSince.Valid {
		t := failedSince.Time
		l.FailedSince = &t
	}
	if parentID.Valid {
		v := parentID.Int64
		l.ParentVersionID = &v
	}
	return &l, nil
}

// InsertLoader persists a new loader row and returns its id. The SQL field
// must already be encrypted by the caller.
func (s *Store) InsertLoader(ctx context.Context, l *core.Loader) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO loaders (loader_code, sql_text, source_database_id,
			min_interval_seconds, max_interval_seconds, max_query_period_seconds,
			max_parallel_executions, purge_strategy, source_timezone_offset_hours,
			aggregation_period_seconds, load_status, enabled, approval_status,
			version_number, parent_version_id, version_status, description, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING id`,
		l.LoaderCode, l.SQL, l.SourceDatabaseID,
		l.MinIntervalSeconds, l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds,
		l.MaxParallelExecutions, string(l.PurgeStrategy), l.SourceTimezoneOffsetHours,
		nullableInt(l.AggregationPeriodSeconds), string(l.LoadStatus), l.Enabled,
		string(l.ApprovalStatus), l.VersionNumber, nullableInt64(l.ParentVersionID),
		string(l.VersionStatus), l.Description, l.CreatedBy,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, core.Errf(core.CodeConflict, "loader %s already has an active version", l.LoaderCode)
		}
		return 0, fmt.Errorf("insert loader %s: %w", l.LoaderCode, err)
	}
	return id, nil
}

// GetActiveLoader returns the ACTIVE version for a loader code.
func (s *Store) GetActiveLoader(ctx context.Context, loaderCode string) (*core.Loader, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loaderColumns+` FROM loaders
		 WHERE loader_code = $1 AND version_status = 'ACTIVE'`, loaderCode)
	l, err := scanLoader(row)
	if err == sql.ErrNoRows {
		return nil, core.Errf(core.CodeNotFound, "loader %s not found", loaderCode)
	}
	if err != nil {
		return nil, fmt.Errorf("get loader %s: %w", loaderCode, err)
	}
	return l, nil
}

// GetLoaderByID fetches any version by primary key.
func (s *Store) GetLoaderByID(ctx context.Context, id int64) (*core.Loader, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loaderColumns+` FROM loaders WHERE id = $1`, id)
	l, err := scanLoader(row)
	if err == sql.ErrNoRows {
		return nil, core.Errf(core.CodeNotFound, "loader id %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get loader %d: %w", id, err)
	}
	return l, nil
}

// ListLoaders returns all ACTIVE-version loaders.
func (s *Store) ListLoaders(ctx context.Context) ([]*core.Loader, error) {
	return s.queryLoaders(ctx,
		`SELECT `+loaderColumns+` FROM loaders
		 WHERE version_status = 'ACTIVE' ORDER BY loader_code`)
}

// ListEligibleLoaders returns loaders the scheduler may consider:
// enabled, APPROVED and ACTIVE.
func (s *Store) ListEligibleLoaders(ctx context.Context) ([]*core.Loader, error) {
	return s.queryLoaders(ctx,
		`SELECT `+loaderColumns+` FROM loaders
		 WHERE enabled = TRUE
		   AND approval_status = 'APPROVED'
		   AND version_status = 'ACTIVE'
		 ORDER BY loader_code`)
}

func (s *Store) queryLoaders(ctx context.Context, query string, args ...interface{}) ([]*core.Loader, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query loaders: %w", err)
	}
	defer rows.Close()

	var out []*core.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loader: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLoaderEnabled flips the enabled flag. The DB never allows enabling a
// loader that is not APPROVED+ACTIVE.
func (s *Store) SetLoaderEnabled(ctx context.Context, loaderCode string, enabled bool) error {
	var query string
	if enabled {
		query = `UPDATE loaders SET enabled = TRUE, updated_at = now()
			 WHERE loader_code = $1 AND version_status = 'ACTIVE'
			   AND approval_status = 'APPROVED'`
	} else {
		query = `UPDATE loaders SET enabled = FALSE, updated_at = now()
			 WHERE loader_code = $1 AND version_status = 'ACTIVE'`
	}
	res, err := s.db.ExecContext(ctx, query, loaderCode)
	if err != nil {
		return fmt.Errorf("set loader %s enabled=%v: %w", loaderCode, enabled, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if enabled {
			return core.Errf(core.CodeIllegalState,
				"loader %s cannot be enabled: not APPROVED+ACTIVE", loaderCode)
		}
		return core.Errf(core.CodeNotFound, "loader %s not found", loaderCode)
	}
	return nil
}

// MarkLoaderRunning flips the coarse status hint before an execution.
func (s *Store) MarkLoaderRunning(ctx context.Context, loaderCode string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE loaders SET load_status = 'RUNNING', updated_at = now()
		 WHERE loader_code = $1 AND version_status = 'ACTIVE'`, loaderCode)
	if err != nil {
		return fmt.Errorf("mark loader %s running: %w", loaderCode, err)
	}
	return nil
}

// ApplyExecutionOutcome performs the atomic loader-state update. The
// GREATEST guard keeps lastLoadTimestamp monotonic when a slower worker
// commits an older window after a newer one.
func (s *Store) ApplyExecutionOutcome(ctx context.Context, o core.ExecutionOutcome) error {
	var err error
	switch {
	case o.Succeeded && !o.ZeroRecords:
		_, err = s.db.ExecContext(ctx, `
			UPDATE loaders SET
				last_load_timestamp = GREATEST(COALESCE(last_load_timestamp, 'epoch'::timestamptz), $2),
				consecutive_zero_record_runs = 0,
				load_status = 'IDLE',
				failed_since = NULL,
				updated_at = now()
			WHERE loader_code = $1 AND version_status = 'ACTIVE'`,
			o.LoaderCode, o.AdvanceTo)
	case o.Succeeded && o.ZeroRecords:
		_, err = s.db.ExecContext(ctx, `
			UPDATE loaders SET
				last_load_timestamp = GREATEST(COALESCE(last_load_timestamp, 'epoch'::timestamptz), $2),
				consecutive_zero_record_runs = consecutive_zero_record_runs + 1,
				load_status = 'IDLE',
				updated_at = now()
			WHERE loader_code = $1 AND version_status = 'ACTIVE'`,
			o.LoaderCode, o.AdvanceTo)
	default:
		_, err = s.db.ExecContext(ctx, `
			UPDATE loaders SET
				load_status = 'FAILED',
				failed_since = COALESCE(failed_since, $2),
				updated_at = now()
			WHERE loader_code = $1 AND version_status = 'ACTIVE'`,
			o.LoaderCode, o.FailedAtTime)
	}
	if err != nil {
		return fmt.Errorf("apply execution outcome for %s: %w", o.LoaderCode, err)
	}
	return nil
}

// InsertDraftVersion inserts a DRAFT row for an UPDATE approval, linked to
// the current ACTIVE version.
func (s *Store) InsertDraftVersion(ctx context.Context, draft *core.Loader) (int64, error) {
	draft.VersionStatus = core.VersionDraft
	draft.Enabled = false
	return s.InsertLoader(ctx, draft)
}

// PromoteDraftVersion archives the ACTIVE row (if any) and activates the
// draft with versionNumber = parent+1, in one transaction.
func (s *Store) PromoteDraftVersion(ctx context.Context, draftID int64, actor, reason string) error {
	return s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		draftRow := tx.QueryRowContext(ctx,
			`SELECT `+loaderColumns+` FROM loaders WHERE id = $1 FOR UPDATE`, draftID)
		draft, err := scanLoader(draftRow)
		if err == sql.ErrNoRows {
			return core.Errf(core.CodeNotFound, "draft loader %d not found", draftID)
		}
		if err != nil {
			return fmt.Errorf("load draft %d: %w", draftID, err)
		}
		if draft.VersionStatus != core.VersionDraft {
			return core.Errf(core.CodeIllegalState,
				"loader %d is %s, not DRAFT", draftID, draft.VersionStatus)
		}

		newVersion := 1
		activeRow := tx.QueryRowContext(ctx,
			`SELECT `+loaderColumns+` FROM loaders
			 WHERE loader_code = $1 AND version_status = 'ACTIVE' FOR UPDATE`,
			draft.LoaderCode)
		active, err := scanLoader(activeRow)
		switch {
		case err == sql.ErrNoRows:
			// First version for this code.
		case err != nil:
			return fmt.Errorf("load active version of %s: %w", draft.LoaderCode, err)
		default:
			newVersion = active.VersionNumber + 1
			if err := archiveLoaderTx(ctx, tx, active, core.VersionArchived, actor, reason, "", nil, ""); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM loaders WHERE id = $1`, active.ID); err != nil {
				return fmt.Errorf("retire active version of %s: %w", draft.LoaderCode, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE loaders SET
				version_status = 'ACTIVE',
				approval_status = 'APPROVED',
				version_number = $2,
				updated_at = now()
			WHERE id = $1`, draftID, newVersion)
		if err != nil {
			return fmt.Errorf("activate draft %d: %w", draftID, err)
		}
		return nil
	})
}

// RejectDraftVersion moves a draft into the archive with its rejection
// fields preserved, in one transaction.
func (s *Store) RejectDraftVersion(ctx context.Context, draftID int64, actor, reason string) error {
	return s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		draftRow := tx.QueryRowContext(ctx,
			`SELECT `+loaderColumns+` FROM loaders WHERE id = $1 FOR UPDATE`, draftID)
		draft, err := scanLoader(draftRow)
		if err == sql.ErrNoRows {
			return core.Errf(core.CodeNotFound, "draft loader %d not found", draftID)
		}
		if err != nil {
			return fmt.Errorf("load draft %d: %w", draftID, err)
		}
		if draft.VersionStatus != core.VersionDraft {
			return core.Errf(core.CodeIllegalState,
				"loader %d is %s, not DRAFT", draftID, draft.VersionStatus)
		}

		now := time.Now().UTC()
		if err := archiveLoaderTx(ctx, tx, draft, core.VersionRejected, "", "", actor, &now, reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM loaders WHERE id = $1`, draftID); err != nil {
			return fmt.Errorf("remove rejected draft %d: %w", draftID, err)
		}
		return nil
	})
}

// DeleteLoader removes a loader and its archive. Admin-only, destructive.
func (s *Store) DeleteLoader(ctx context.Context, loaderCode string) error {
	return s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM loaders WHERE loader_code = $1`, loaderCode)
		if err != nil {
			return fmt.Errorf("delete loader %s: %w", loaderCode, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Errf(core.CodeNotFound, "loader %s not found", loaderCode)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM loader_archive WHERE loader_code = $1`, loaderCode); err != nil {
			return fmt.Errorf("delete loader archive %s: %w", loaderCode, err)
		}
		return nil
	})
}

func archiveLoaderTx(ctx context.Context, tx *sql.Tx, l *core.Loader, status core.VersionStatus,
	archivedBy, archiveReason, rejectedBy string, rejectedAt *time.Time, rejectionReason string) error {

	snapshot, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("snapshot loader %s: %w", l.LoaderCode, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loader_archive (loader_code, version_number, source_database_id,
			sql_text, version_status, archived_by, archive_reason,
			rejected_by, rejected_at, rejection_reason, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.LoaderCode, l.VersionNumber, l.SourceDatabaseID,
		l.SQL, string(status), archivedBy, archiveReason,
		rejectedBy, nullableTime(rejectedAt), rejectionReason, string(snapshot))
	if err != nil {
		return fmt.Errorf("archive loader %s v%d: %w", l.LoaderCode, l.VersionNumber, err)
	}
	return nil
}

// ArchiveRejectedLoaderDraft writes a never-activated draft straight into
// the archive with its rejection fields. The archive version number is the
// next free one for the code so the (loaderCode, versionNumber) uniqueness
// holds against both live and archived rows.
func (s *Store) ArchiveRejectedLoaderDraft(ctx context.Context, draft *core.Loader, actor, reason string) error {
	return s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(GREATEST(
				(SELECT MAX(version_number) FROM loader_archive WHERE loader_code = $1),
				(SELECT MAX(version_number) FROM loaders WHERE loader_code = $1)
			), 0) + 1`, draft.LoaderCode).Scan(&next)
		if err != nil {
			return fmt.Errorf("next archive version for %s: %w", draft.LoaderCode, err)
		}
		cp := *draft
		cp.VersionNumber = next
		now := time.Now().UTC()
		return archiveLoaderTx(ctx, tx, &cp, core.VersionRejected, "", "", actor, &now, reason)
	})
}

// ListLoaderArchive returns archived versions for a loader, newest first.
func (s *Store) ListLoaderArchive(ctx context.Context, loaderCode string) ([]*core.LoaderArchive, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loader_code, version_number, source_database_id, sql_text,
		       version_status, archived_at, archived_by, archive_reason,
		       rejected_by, rejected_at, rejection_reason, snapshot
		FROM loader_archive WHERE loader_code = $1
		ORDER BY version_number DESC`, loaderCode)
	if err != nil {
		return nil, fmt.Errorf("list archive for %s: %w", loaderCode, err)
	}
	defer rows.Close()

	var out []*core.LoaderArchive
	for rows.Next() {
		var a core.LoaderArchive
		var rejectedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.LoaderCode, &a.VersionNumber, &a.SourceDatabaseID,
			&a.SQL, &a.VersionStatus, &a.ArchivedAt, &a.ArchivedBy, &a.ArchiveReason,
			&a.RejectedBy, &rejectedAt, &a.RejectionReason, &a.SnapshotJSON); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if rejectedAt.Valid {
			t := rejectedAt.Time
			a.RejectedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ---- nullable helpers ----

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "40001"
	}
	return false
}
