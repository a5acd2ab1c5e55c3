package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/etlmon/backend/internal/core"
)

const acquireLockRetries = 3

// AcquireLock inserts an execution lock row iff doing so keeps the loader
// under both its own parallel cap and the global cap. The count and the
// insert run in one SERIALIZABLE transaction so two replicas racing on the
// last slot cannot both win; serialization failures are retried a few times
// before surfacing as CONFLICT.
func (s *Store) AcquireLock(ctx context.Context, loaderCode, replicaName string, maxParallel, globalLimit int) (*core.ExecutionLock, error) {
	var lock *core.ExecutionLock
	var lastErr error

	for attempt := 0; attempt < acquireLockRetries; attempt++ {
		lastErr = s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
			var held int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM loader_execution_locks
				 WHERE loader_code = $1 AND released = FALSE`, loaderCode).Scan(&held); err != nil {
				return fmt.Errorf("count locks for %s: %w", loaderCode, err)
			}
			if held >= maxParallel {
				return core.Errf(core.CodeConflict,
					"loader %s already holds %d of %d execution slots", loaderCode, held, maxParallel)
			}

			var total int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM loader_execution_locks
				 WHERE released = FALSE`).Scan(&total); err != nil {
				return fmt.Errorf("count total locks: %w", err)
			}
			if total >= globalLimit {
				return core.Errf(core.CodeConflict,
					"global execution limit %d reached", globalLimit)
			}

			l := &core.ExecutionLock{
				LockID:      uuid.NewString(),
				LoaderCode:  loaderCode,
				ReplicaName: replicaName,
				AcquiredAt:  time.Now().UTC(),
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO loader_execution_locks (lock_id, loader_code, replica_name, acquired_at)
				 VALUES ($1,$2,$3,$4)`,
				l.LockID, l.LoaderCode, l.ReplicaName, l.AcquiredAt); err != nil {
				return fmt.Errorf("insert lock for %s: %w", loaderCode, err)
			}
			lock = l
			return nil
		})

		if lastErr == nil {
			return lock, nil
		}
		if !isSerializationFailure(unwrapAll(lastErr)) {
			return nil, lastErr
		}
	}
	return nil, core.WrapErr(core.CodeConflict, lastErr,
		"lock acquisition for %s kept serializing", loaderCode)
}

// ReleaseLock marks a lock released. Releasing an already-released or
// unknown lock is a no-op that emits a warning.
func (s *Store) ReleaseLock(ctx context.Context, lockID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loader_execution_locks
		 SET released = TRUE, released_at = now()
		 WHERE lock_id = $1 AND released = FALSE`, lockID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[STORE] release of lock %s was a no-op (already released or unknown)", lockID)
	}
	return nil
}

// ListActiveLocks returns unreleased locks, optionally filtered by loader.
func (s *Store) ListActiveLocks(ctx context.Context, loaderCode string) ([]*core.ExecutionLock, error) {
	query := `SELECT lock_id, loader_code, replica_name, acquired_at, released_at, released
		  FROM loader_execution_locks WHERE released = FALSE`
	args := []interface{}{}
	if loaderCode != "" {
		query += ` AND loader_code = $1`
		args = append(args, loaderCode)
	}
	query += ` ORDER BY acquired_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active locks: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindStaleLocks returns unreleased locks older than the threshold.
func (s *Store) FindStaleLocks(ctx context.Context, olderThan time.Time) ([]*core.ExecutionLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lock_id, loader_code, replica_name, acquired_at, released_at, released
		 FROM loader_execution_locks
		 WHERE released = FALSE AND acquired_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale locks: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PurgeReleasedLocks deletes released rows older than the cutoff and
// returns how many went.
func (s *Store) PurgeReleasedLocks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM loader_execution_locks
		 WHERE released = TRUE AND released_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge released locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLock(rows *sql.Rows) (*core.ExecutionLock, error) {
	var l core.ExecutionLock
	var releasedAt sql.NullTime
	if err := rows.Scan(&l.LockID, &l.LoaderCode, &l.ReplicaName,
		&l.AcquiredAt, &releasedAt, &l.Released); err != nil {
		return nil, fmt.Errorf("scan lock row: %w", err)
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		l.ReleasedAt = &t
	}
	return &l, nil
}

// unwrapAll digs to the innermost cause so driver error codes stay visible
// through the wrapping layers.
func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
