// Package lock bounds parallel loader executions across replicas. The
// authoritative locks live in the control-plane DB; this package adds the
// in-process cancel handles that let the stale reaper abort a local run
// whose lock it is about to revoke.
package lock

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/etlmon/backend/internal/core"
)

// Locks is the persistence surface the manager needs.
type Locks interface {
	AcquireLock(ctx context.Context, loaderCode, replicaName string, maxParallel, globalLimit int) (*core.ExecutionLock, error)
	ReleaseLock(ctx context.Context, lockID string) error
	ListActiveLocks(ctx context.Context, loaderCode string) ([]*core.ExecutionLock, error)
	FindStaleLocks(ctx context.Context, olderThan time.Time) ([]*core.ExecutionLock, error)
	PurgeReleasedLocks(ctx context.Context, before time.Time) (int64, error)
}

// Manager hands out execution locks and reaps the ones left behind by
// dead replicas.
type Manager struct {
	locks       Locks
	replicaName string
	globalLimit int
	staleAfter  time.Duration
	retention   time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // lockID -> local execution cancel

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a lock manager for this replica.
func NewManager(locks Locks, replicaName string, staleAfter, retention time.Duration) *Manager {
	return &Manager{
		locks:       locks,
		replicaName: replicaName,
		globalLimit: core.GlobalParallelLimit,
		staleAfter:  staleAfter,
		retention:   retention,
		logger:      log.New(log.Writer(), "[LOCKS] ", log.LstdFlags),
		cancels:     make(map[string]context.CancelFunc),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Acquire tries to take an execution slot for the loader. On success the
// returned context is cancelled if the reaper later revokes the lock.
func (m *Manager) Acquire(ctx context.Context, loaderCode string, maxParallel int) (*core.ExecutionLock, context.Context, error) {
	lock, err := m.locks.AcquireLock(ctx, loaderCode, m.replicaName, maxParallel, m.globalLimit)
	if err != nil {
		return nil, nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[lock.LockID] = cancel
	m.mu.Unlock()

	return lock, execCtx, nil
}

// Release marks the lock released and forgets its cancel handle. Safe to
// call twice; the second call is a no-op.
func (m *Manager) Release(ctx context.Context, lockID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[lockID]
	if ok {
		delete(m.cancels, lockID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return m.locks.ReleaseLock(ctx, lockID)
}

// ActiveLocks lists unreleased locks, optionally filtered by loader code.
func (m *Manager) ActiveLocks(ctx context.Context, loaderCode string) ([]*core.ExecutionLock, error) {
	return m.locks.ListActiveLocks(ctx, loaderCode)
}

// Start runs the reaper loop until Stop.
func (m *Manager) Start(interval time.Duration) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runReaper(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Printf("reaper started (stale after %s, retention %s)", m.staleAfter, m.retention)
}

// Stop halts the reaper and waits for the current pass to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// runReaper releases stale locks and purges old released rows. A stale
// lock held by this replica means the execution wedged; its context is
// cancelled before the release so the worker cannot commit afterwards.
func (m *Manager) runReaper(ctx context.Context) {
	stale, err := m.locks.FindStaleLocks(ctx, time.Now().Add(-m.staleAfter))
	if err != nil {
		m.logger.Printf("stale scan failed: %v", err)
		return
	}
	for _, l := range stale {
		m.mu.Lock()
		cancel, local := m.cancels[l.LockID]
		if local {
			delete(m.cancels, l.LockID)
		}
		m.mu.Unlock()
		if local {
			cancel()
		}
		if err := m.locks.ReleaseLock(ctx, l.LockID); err != nil {
			m.logger.Printf("release stale lock %s: %v", l.LockID, err)
			continue
		}
		m.logger.Printf("reaped stale lock %s (loader=%s replica=%s held=%s)",
			l.LockID, l.LoaderCode, l.ReplicaName, time.Since(l.AcquiredAt).Truncate(time.Second))
	}

	if n, err := m.locks.PurgeReleasedLocks(ctx, time.Now().Add(-m.retention)); err != nil {
		m.logger.Printf("retention purge failed: %v", err)
	} else if n > 0 {
		m.logger.Printf("purged %d released locks", n)
	}
}
