package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etlmon/backend/internal/core"
)

// BeginLoadHistory inserts a RUNNING history row and returns its id.
func (s *Store) BeginLoadHistory(ctx context.Context, h *core.LoadHistory) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO load_history (loader_code, replica_name, start_time,
			query_from_time, query_to_time, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		h.LoaderCode, h.ReplicaName, h.StartTime,
		h.QueryFromTime, h.QueryToTime, string(core.HistoryRunning)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("begin load history for %s: %w", h.LoaderCode, err)
	}
	return id, nil
}

// FinishLoadHistory records the outcome of a run.
func (s *Store) FinishLoadHistory(ctx context.Context, h *core.LoadHistory) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE load_history SET
			end_time = $2,
			actual_from_time = $3,
			actual_to_time = $4,
			records_loaded = $5,
			records_ingested = $6,
			status = $7,
			error_message = $8
		WHERE id = $1`,
		h.ID, nullableTime(h.EndTime), nullableTime(h.ActualFromTime),
		nullableTime(h.ActualToTime), h.RecordsLoaded, h.RecordsIngested,
		string(h.Status), h.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish load history %d: %w", h.ID, err)
	}
	return nil
}

// ListSuccessfulHistorySince returns SUCCESS runs whose query window starts
// after the cutoff, oldest first. The gap scanner walks these in time order.
func (s *Store) ListSuccessfulHistorySince(ctx context.Context, loaderCode string, since time.Time) ([]*core.LoadHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loader_code, replica_name, start_time, end_time,
		       query_from_time, query_to_time, actual_from_time, actual_to_time,
		       records_loaded, records_ingested, status, error_message
		FROM load_history
		WHERE loader_code = $1
		  AND status = 'SUCCESS'
		  AND query_from_time >= $2
		ORDER BY query_from_time`, loaderCode, since)
	if err != nil {
		return nil, fmt.Errorf("list successful history for %s: %w", loaderCode, err)
	}
	defer rows.Close()
	return collectHistoryRows(rows)
}

// ListLoadHistory returns the most recent runs for a loader, newest first.
func (s *Store) ListLoadHistory(ctx context.Context, loaderCode string, limit int) ([]*core.LoadHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loader_code, replica_name, start_time, end_time,
		       query_from_time, query_to_time, actual_from_time, actual_to_time,
		       records_loaded, records_ingested, status, error_message
		FROM load_history
		WHERE loader_code = $1
		ORDER BY start_time DESC
		LIMIT $2`, loaderCode, limit)
	if err != nil {
		return nil, fmt.Errorf("list load history for %s: %w", loaderCode, err)
	}
	defer rows.Close()
	return collectHistoryRows(rows)
}

func collectHistoryRows(rows *sql.Rows) ([]*core.LoadHistory, error) {
	var out []*core.LoadHistory
	for rows.Next() {
		var h core.LoadHistory
		var endTime, actualFrom, actualTo sql.NullTime
		if err := rows.Scan(&h.ID, &h.LoaderCode, &h.ReplicaName, &h.StartTime,
			&endTime, &h.QueryFromTime, &h.QueryToTime, &actualFrom, &actualTo,
			&h.RecordsLoaded, &h.RecordsIngested, &h.Status, &h.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan load history row: %w", err)
		}
		if endTime.Valid {
			t := endTime.Time
			h.EndTime = &t
		}
		if actualFrom.Valid {
			t := actualFrom.Time
			h.ActualFromTime = &t
		}
		if actualTo.Valid {
			t := actualTo.Time
			h.ActualToTime = &t
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
