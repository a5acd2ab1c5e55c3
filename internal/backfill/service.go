// Package backfill reloads historical time ranges: operator-submitted jobs
// and scanner-detected gaps both land in one queue that any replica may
// drain. Backfill runs never move a loader's own cursor forward.
package backfill

import (
	"context"
	"log"
	"time"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
	"github.com/etlmon/backend/internal/pipeline"
)

const (
	workerPollInterval = 5 * time.Second
	staleAfter         = 2 * time.Hour
)

// Jobs is the backfill persistence slice.
type Jobs interface {
	InsertBackfillJob(ctx context.Context, j *core.BackfillJob) (int64, error)
	GetBackfillJob(ctx context.Context, id int64) (*core.BackfillJob, error)
	ListBackfillJobs(ctx context.Context, loaderCode string, limit int) ([]*core.BackfillJob, error)
	ClaimBackfillJob(ctx context.Context, id int64, replicaName string) (bool, error)
	FinishBackfillJob(ctx context.Context, id int64, status core.BackfillStatus, purged, loaded, ingested int64, errMessage string) error
	CancelBackfillJob(ctx context.Context, id int64) error
	NextPendingBackfillJob(ctx context.Context) (*core.BackfillJob, error)
	CountActiveBackfills(ctx context.Context, loaderCode string) (int, error)
	ReapStaleBackfills(ctx context.Context, olderThan time.Time) (int64, error)
}

// Loaders resolves loader codes for submission checks.
type Loaders interface {
	GetActiveLoader(ctx context.Context, loaderCode string) (*core.Loader, error)
}

// Executor runs one explicit window through the pipeline.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// Service owns the queue and the single per-replica drain worker.
type Service struct {
	jobs    Jobs
	loaders Loaders
	exec    Executor
	bus     events.Bus
	replica string
	logger  *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewService wires the backfill service.
func NewService(jobs Jobs, loaders Loaders, exec Executor, bus events.Bus, replica string) *Service {
	return &Service{
		jobs:    jobs,
		loaders: loaders,
		exec:    exec,
		bus:     bus,
		replica: replica,
		logger:  log.New(log.Writer(), "[BACKFILL] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Submit queues a PENDING job. Strategy defaults to PURGE_AND_RELOAD.
func (s *Service) Submit(ctx context.Context, loaderCode string, from, to time.Time,
	strategy core.PurgeStrategy, requestedBy string) (*core.BackfillJob, error) {

	if _, err := s.loaders.GetActiveLoader(ctx, loaderCode); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, core.Errf(core.CodeValidation,
			"backfill range is empty: from=%s to=%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if strategy == "" {
		strategy = core.PurgeAndReload
	}
	if !strategy.Valid() {
		return nil, core.Errf(core.CodeValidation, "unknown purge strategy %q", strategy)
	}

	job := &core.BackfillJob{
		LoaderCode:    loaderCode,
		FromEpoch:     from.Unix(),
		ToEpoch:       to.Unix(),
		PurgeStrategy: strategy,
		Status:        core.BackfillPending,
		RequestedBy:   requestedBy,
	}
	id, err := s.jobs.InsertBackfillJob(ctx, job)
	if err != nil {
		return nil, err
	}
	job.ID = id

	if s.bus != nil {
		s.bus.Publish(ctx, events.New(events.TypeBackfillSubmitted, loaderCode, map[string]string{
			"loader":       loaderCode,
			"requested_by": requestedBy,
		}))
	}
	s.logger.Printf("job %d queued: loader=%s range=[%d,%d) strategy=%s by=%s",
		id, loaderCode, job.FromEpoch, job.ToEpoch, strategy, requestedBy)
	return job, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id int64) (*core.BackfillJob, error) {
	return s.jobs.GetBackfillJob(ctx, id)
}

// List returns jobs, newest first; empty loaderCode means all loaders.
func (s *Service) List(ctx context.Context, loaderCode string, limit int) ([]*core.BackfillJob, error) {
	return s.jobs.ListBackfillJobs(ctx, loaderCode, limit)
}

// Cancel withdraws a job that has not started yet.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	return s.jobs.CancelBackfillJob(ctx, id)
}

// Execute claims and runs one job. Callers get an ILLEGAL_STATE error when
// the job is not PENDING, matching the claim semantics of the queue.
func (s *Service) Execute(ctx context.Context, id int64) (*core.BackfillJob, error) {
	job, err := s.jobs.GetBackfillJob(ctx, id)
	if err != nil {
		return nil, err
	}
	won, err := s.jobs.ClaimBackfillJob(ctx, id, s.replica)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, core.Errf(core.CodeIllegalState, "backfill job %d is not PENDING", id)
	}
	s.runClaimed(ctx, job)
	return s.jobs.GetBackfillJob(ctx, id)
}

// runClaimed executes a job this replica already owns. The loader's own
// scheduling cursor is left untouched; only the job row records the outcome.
func (s *Service) runClaimed(ctx context.Context, job *core.BackfillJob) {
	loader, err := s.loaders.GetActiveLoader(ctx, job.LoaderCode)
	if err != nil {
		s.finish(ctx, job.ID, core.BackfillFailed, 0, 0, 0, err.Error())
		return
	}

	res := s.exec.Execute(ctx, pipeline.Request{
		Loader: loader,
		Window: core.TimeWindow{
			From: time.Unix(job.FromEpoch, 0).UTC(),
			To:   time.Unix(job.ToEpoch, 0).UTC(),
		},
		Strategy:          job.PurgeStrategy,
		Replica:           s.replica,
		UpdateLoaderState: false,
	})

	status := core.BackfillSuccess
	errMessage := ""
	if res.Status == core.HistoryFailed {
		status = core.BackfillFailed
		if res.Err != nil {
			errMessage = res.Err.Error()
		}
	}
	s.finish(ctx, job.ID, status, res.RecordsPurged, res.RecordsLoaded, res.RecordsIngested, errMessage)
	s.logger.Printf("job %d finished: loader=%s status=%s loaded=%d ingested=%d purged=%d",
		job.ID, job.LoaderCode, status, res.RecordsLoaded, res.RecordsIngested, res.RecordsPurged)
}

func (s *Service) finish(ctx context.Context, id int64, status core.BackfillStatus,
	purged, loaded, ingested int64, errMessage string) {
	if err := s.jobs.FinishBackfillJob(ctx, id, status, purged, loaded, ingested, errMessage); err != nil {
		s.logger.Printf("finish job %d: %v", id, err)
	}
}

// Start launches the drain worker. Each pass claims at most one job so the
// queue spreads across replicas.
func (s *Service) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(workerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.DrainOne(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Printf("worker started (replica=%s)", s.replica)
}

// Stop halts the drain worker.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Printf("worker stopped")
}

// DrainOne claims and runs the oldest PENDING job, if any. Also reaps jobs
// stuck RUNNING since before the stale threshold.
func (s *Service) DrainOne(ctx context.Context) {
	if n, err := s.jobs.ReapStaleBackfills(ctx, time.Now().UTC().Add(-staleAfter)); err != nil {
		s.logger.Printf("reap stale jobs: %v", err)
	} else if n > 0 {
		s.logger.Printf("reaped %d stale running jobs", n)
	}

	job, err := s.jobs.NextPendingBackfillJob(ctx)
	if err != nil {
		s.logger.Printf("poll queue: %v", err)
		return
	}
	if job == nil {
		return
	}
	won, err := s.jobs.ClaimBackfillJob(ctx, job.ID, s.replica)
	if err != nil {
		s.logger.Printf("claim job %d: %v", job.ID, err)
		return
	}
	if !won {
		return // another replica took it
	}
	s.runClaimed(ctx, job)
}
