package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/etlmon/backend/internal/core"
)

// GetOrCreateSegmentCode maps a segment tuple to its dense per-loader code,
// allocating the next code when the tuple is new. Lookup uses IS NOT
// DISTINCT FROM so NULL positions compare equal. Concurrent allocations of
// the same tuple collide on the unique index; the loser re-reads.
func (s *Store) GetOrCreateSegmentCode(ctx context.Context, loaderCode string, segments [10]*string) (int, error) {
	const lookupQuery = `
		SELECT segment_code FROM segment_combinations
		WHERE loader_code = $1
		  AND segment1 IS NOT DISTINCT FROM $2
		  AND segment2 IS NOT DISTINCT FROM $3
		  AND segment3 IS NOT DISTINCT FROM $4
		  AND segment4 IS NOT DISTINCT FROM $5
		  AND segment5 IS NOT DISTINCT FROM $6
		  AND segment6 IS NOT DISTINCT FROM $7
		  AND segment7 IS NOT DISTINCT FROM $8
		  AND segment8 IS NOT DISTINCT FROM $9
		  AND segment9 IS NOT DISTINCT FROM $10
		  AND segment10 IS NOT DISTINCT FROM $11`

	args := make([]interface{}, 0, 11)
	args = append(args, loaderCode)
	for _, seg := range segments {
		args = append(args, nullableString(seg))
	}

	for attempt := 0; attempt < 2; attempt++ {
		var code int
		err := s.db.QueryRowContext(ctx, lookupQuery, args...).Scan(&code)
		if err == nil {
			return code, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("lookup segment code for %s: %w", loaderCode, err)
		}

		err = s.db.QueryRowContext(ctx, `
			INSERT INTO segment_combinations (loader_code, segment_code,
				segment1, segment2, segment3, segment4, segment5,
				segment6, segment7, segment8, segment9, segment10)
			SELECT $1, COALESCE(MAX(segment_code), 0) + 1,
				$2, $3, $4, $5, $6, $7, $8, $9, $10, $11
			FROM segment_combinations WHERE loader_code = $1
			RETURNING segment_code`, args...).Scan(&code)
		if err == nil {
			return code, nil
		}
		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("allocate segment code for %s: %w", loaderCode, err)
		}
		// Lost the race on the code or the tuple; loop re-reads.
	}
	return 0, core.Errf(core.CodeConflict,
		"segment code allocation for %s kept colliding", loaderCode)
}

// ListSegmentCombinations returns every known tuple for a loader.
func (s *Store) ListSegmentCombinations(ctx context.Context, loaderCode string) ([]*core.SegmentCombination, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loader_code, segment_code,
		       segment1, segment2, segment3, segment4, segment5,
		       segment6, segment7, segment8, segment9, segment10
		FROM segment_combinations
		WHERE loader_code = $1 ORDER BY segment_code`, loaderCode)
	if err != nil {
		return nil, fmt.Errorf("list segment combinations for %s: %w", loaderCode, err)
	}
	defer rows.Close()

	var out []*core.SegmentCombination
	for rows.Next() {
		var c core.SegmentCombination
		var segs [10]sql.NullString
		dest := []interface{}{&c.ID, &c.LoaderCode, &c.SegmentCode}
		for i := range segs {
			dest = append(dest, &segs[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan segment combination: %w", err)
		}
		for i, ns := range segs {
			if ns.Valid {
				v := ns.String
				c.Segments[i] = &v
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// InsertSignals writes aggregated records under the given duplicate policy
// and returns how many rows were actually ingested. FAIL_ON_DUPLICATE
// aborts the whole batch on the first conflict; SKIP_DUPLICATES and
// PURGE_AND_RELOAD (whose purge already ran) use ON CONFLICT DO NOTHING.
func (s *Store) InsertSignals(ctx context.Context, signals []*core.SignalHistory, strategy core.PurgeStrategy) (int64, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	insert := `
		INSERT INTO signal_history (loader_code, load_timestamp, segment_code,
			rec_count, min_value, max_value, avg_value, sum_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if strategy != core.FailOnDuplicate {
		insert += ` ON CONFLICT (loader_code, load_timestamp, segment_code) DO NOTHING`
	}

	var ingested int64
	err := s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare signal insert: %w", err)
		}
		defer stmt.Close()

		for _, sig := range signals {
			res, err := stmt.ExecContext(ctx, sig.LoaderCode, sig.LoadTimestamp,
				sig.SegmentCode, sig.RecCount, sig.Min, sig.Max, sig.Avg, sig.Sum)
			if err != nil {
				if isUniqueViolation(err) {
					return core.Errf(core.CodeDuplicateData,
						"signal (%s, %d, %d) already exists",
						sig.LoaderCode, sig.LoadTimestamp, sig.SegmentCode)
				}
				return fmt.Errorf("insert signal (%s, %d, %d): %w",
					sig.LoaderCode, sig.LoadTimestamp, sig.SegmentCode, err)
			}
			n, _ := res.RowsAffected()
			ingested += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ingested, nil
}

// PurgeSignals deletes records with LoadTimestamp in [fromEpoch, toEpoch)
// and returns the count.
func (s *Store) PurgeSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM signal_history
		 WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3`,
		loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return 0, fmt.Errorf("purge signals for %s: %w", loaderCode, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountSignals counts records with LoadTimestamp in [fromEpoch, toEpoch).
func (s *Store) CountSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signal_history
		 WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3`,
		loaderCode, fromEpoch, toEpoch).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signals for %s: %w", loaderCode, err)
	}
	return n, nil
}

// QuerySignals returns records in [fromEpoch, toEpoch) ordered by timestamp
// then segment code.
func (s *Store) QuerySignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) ([]*core.SignalHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loader_code, load_timestamp, segment_code,
		       rec_count, min_value, max_value, avg_value, sum_value, create_time
		FROM signal_history
		WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3
		ORDER BY load_timestamp, segment_code`, loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return nil, fmt.Errorf("query signals for %s: %w", loaderCode, err)
	}
	defer rows.Close()

	var out []*core.SignalHistory
	for rows.Next() {
		var sig core.SignalHistory
		if err := rows.Scan(&sig.ID, &sig.LoaderCode, &sig.LoadTimestamp,
			&sig.SegmentCode, &sig.RecCount, &sig.Min, &sig.Max,
			&sig.Avg, &sig.Sum, &sig.CreateTime); err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		out = append(out, &sig)
	}
	return out, rows.Err()
}

// DistinctSignalTimestamps returns the sorted distinct LoadTimestamps for a
// loader inside [fromEpoch, toEpoch). The gap scanner walks this list.
func (s *Store) DistinctSignalTimestamps(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT load_timestamp FROM signal_history
		WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3
		ORDER BY load_timestamp`, loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return nil, fmt.Errorf("distinct timestamps for %s: %w", loaderCode, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
