// Package scheduler drives loader executions: a single ticking goroutine
// per replica finds due loaders, takes execution locks, and hands
// (loader, window) pairs to a bounded worker pool.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/etlmon/backend/internal/configplan"
	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/pipeline"
)

// Loaders lists schedulable loaders and flips their coarse status.
type Loaders interface {
	ListEligibleLoaders(ctx context.Context) ([]*core.Loader, error)
	MarkLoaderRunning(ctx context.Context, loaderCode string) error
}

// Locker grants per-loader execution slots.
type Locker interface {
	Acquire(ctx context.Context, loaderCode string, maxParallel int) (*core.ExecutionLock, context.Context, error)
	Release(ctx context.Context, lockID string) error
}

// Executor runs one loader window.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// RuntimeConfig reads tunables; the configplan cache makes per-tick reads
// cheap and a plan switch takes effect on the next tick.
type RuntimeConfig interface {
	GetInt(ctx context.Context, parent, key string, def int) int
}

const defaultPollingIntervalSeconds = 1

// Scheduler owns the tick loop and the worker pool.
type Scheduler struct {
	loaders Loaders
	locker  Locker
	exec    Executor
	cfg     RuntimeConfig
	replica string
	logger  *log.Logger

	sem    chan struct{} // worker slots
	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a scheduler with a pool of workerPoolSize workers.
func New(loaders Loaders, locker Locker, exec Executor, cfg RuntimeConfig, replica string, workerPoolSize int) *Scheduler {
	if workerPoolSize <= 0 || workerPoolSize > core.GlobalParallelLimit {
		workerPoolSize = core.GlobalParallelLimit
	}
	return &Scheduler{
		loaders: loaders,
		locker:  locker,
		exec:    exec,
		cfg:     cfg,
		replica: replica,
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		sem:     make(chan struct{}, workerPoolSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.doneCh)
		for {
			interval := s.pollingInterval()
			select {
			case <-time.After(interval):
				s.Tick(context.Background(), time.Now().UTC())
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Printf("started (replica=%s, workers=%d)", s.replica, cap(s.sem))
}

// Stop halts the loop and waits for in-flight workers to drain.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.wg.Wait()
	s.logger.Printf("stopped")
}

func (s *Scheduler) pollingInterval() time.Duration {
	secs := s.cfg.GetInt(context.Background(), configplan.ParentScheduler,
		configplan.KeyPollingIntervalSeconds, defaultPollingIntervalSeconds)
	if secs <= 0 {
		secs = defaultPollingIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// Tick runs one scheduling pass. Exported so tests can drive the clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	loaders, err := s.loaders.ListEligibleLoaders(ctx)
	if err != nil {
		s.logger.Printf("list loaders: %v", err)
		return
	}

	// Shuffle so no loader starves behind a prefix of always-due ones.
	rand.Shuffle(len(loaders), func(i, j int) {
		loaders[i], loaders[j] = loaders[j], loaders[i]
	})

	for _, l := range loaders {
		if !pipeline.Due(l, now) {
			continue
		}
		window, due := pipeline.ComputeWindow(l, now)
		if !due {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			return // pool exhausted, rest of the pass waits for next tick
		}

		lock, execCtx, err := s.locker.Acquire(ctx, l.LoaderCode, l.MaxParallelExecutions)
		if err != nil {
			<-s.sem
			if !core.IsCode(err, core.CodeConflict) {
				s.logger.Printf("acquire for %s: %v", l.LoaderCode, err)
			}
			continue
		}

		if err := s.loaders.MarkLoaderRunning(ctx, l.LoaderCode); err != nil {
			s.logger.Printf("mark %s running: %v", l.LoaderCode, err)
		}

		s.wg.Add(1)
		go s.runWorker(execCtx, l, window, lock.LockID)
	}
}

func (s *Scheduler) runWorker(ctx context.Context, l *core.Loader, window core.TimeWindow, lockID string) {
	defer func() {
		// Release must survive a cancelled execution context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := s.locker.Release(releaseCtx, lockID); err != nil {
			s.logger.Printf("release lock for %s: %v", l.LoaderCode, err)
		}
		cancel()
		<-s.sem
		s.wg.Done()
	}()

	res := s.exec.Execute(ctx, pipeline.Request{
		Loader:            l,
		Window:            window,
		Strategy:          l.PurgeStrategy,
		Replica:           s.replica,
		UpdateLoaderState: true,
	})
	if res.Err != nil {
		s.logger.Printf("loader=%s status=%s: %v", l.LoaderCode, res.Status, res.Err)
	}
}
