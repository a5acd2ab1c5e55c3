package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/source"
)

// Sources runs queries against registered source databases.
type Sources interface {
	RunQuery(ctx context.Context, sourceID int64, sqlText string, args ...interface{}) (*source.ResultSet, error)
}

// Signals is the slice of the signals store the pipeline writes through.
type Signals interface {
	SegmentResolver
	InsertSignals(ctx context.Context, signals []*core.SignalHistory, strategy core.PurgeStrategy) (int64, error)
	PurgeSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error)
	CountSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error)
}

// History records execution attempts.
type History interface {
	BeginLoadHistory(ctx context.Context, h *core.LoadHistory) (int64, error)
	FinishLoadHistory(ctx context.Context, h *core.LoadHistory) error
}

// LoaderState applies the post-execution loader update.
type LoaderState interface {
	ApplyExecutionOutcome(ctx context.Context, o core.ExecutionOutcome) error
}

// Metrics receives execution observations.
type Metrics interface {
	ObserveExecution(loaderCode string, status core.HistoryStatus, duration time.Duration, loaded, ingested int64)
}

// Request is one pipeline invocation.
type Request struct {
	Loader   *core.Loader
	Window   core.TimeWindow
	Strategy core.PurgeStrategy
	Replica  string

	// UpdateLoaderState is set by the scheduler; backfills leave the
	// loader's own cursor alone.
	UpdateLoaderState bool
}

// Result summarizes one invocation. Err is also folded into Status and the
// history row; callers that only care about bookkeeping can ignore it.
type Result struct {
	Status          core.HistoryStatus
	RecordsLoaded   int64
	RecordsIngested int64
	RecordsPurged   int64
	ActualFrom      *time.Time
	ActualTo        *time.Time
	Err             error
}

// Pipeline executes loader windows.
type Pipeline struct {
	sources Sources
	signals Signals
	history History
	loaders LoaderState
	codec   *crypto.FieldCodec
	metrics Metrics
	logger  *log.Logger
}

// New wires a pipeline.
func New(sources Sources, signals Signals, history History, loaders LoaderState, codec *crypto.FieldCodec, metrics Metrics) *Pipeline {
	return &Pipeline{
		sources: sources,
		signals: signals,
		history: history,
		loaders: loaders,
		codec:   codec,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Execute runs one (loader, window) pair. It always writes a history row;
// failures are folded into the row and the returned Result rather than
// panicking up the scheduler loop.
func (p *Pipeline) Execute(ctx context.Context, req Request) *Result {
	runID := uuid.NewString()[:8]
	start := time.Now().UTC()
	l := req.Loader

	hist := &core.LoadHistory{
		LoaderCode:    l.LoaderCode,
		ReplicaName:   req.Replica,
		StartTime:     start,
		QueryFromTime: req.Window.From,
		QueryToTime:   req.Window.To,
	}
	histID, err := p.history.BeginLoadHistory(ctx, hist)
	if err != nil {
		// Without a history row there is nothing to update later; bail.
		return &Result{Status: core.HistoryFailed, Err: err}
	}
	hist.ID = histID

	res := p.run(ctx, req, runID)
	p.finish(ctx, req, hist, res, start)
	return res
}

func (p *Pipeline) run(ctx context.Context, req Request, runID string) *Result {
	l := req.Loader

	sqlText, err := p.codec.Decrypt(l.SQL)
	if err != nil {
		return &Result{Status: core.HistoryFailed,
			Err: core.WrapErr(core.CodeEncryption, err, "decrypt SQL for %s", l.LoaderCode)}
	}
	if err := CheckQuerySafety(sqlText); err != nil {
		return &Result{Status: core.HistoryFailed, Err: err}
	}
	query := SubstitutePlaceholders(sqlText, req.Window, l.SourceTimezoneOffsetHours)

	p.logger.Printf("run=%s loader=%s window=[%s, %s)", runID, l.LoaderCode,
		req.Window.From.Format(time.RFC3339), req.Window.To.Format(time.RFC3339))

	rs, err := p.sources.RunQuery(ctx, l.SourceDatabaseID, query)
	if err != nil {
		return &Result{Status: core.HistoryFailed, Err: err}
	}

	tr, err := Transform(ctx, l, rs, req.Window, p.signals)
	if err != nil {
		return &Result{Status: core.HistoryFailed, Err: err}
	}

	res := &Result{
		RecordsLoaded: int64(len(rs.Rows)),
		ActualFrom:    tr.ActualFrom,
		ActualTo:      tr.ActualTo,
	}

	fromEpoch, toEpoch := req.Window.From.Unix(), req.Window.To.Unix()
	switch req.Strategy {
	case core.PurgeAndReload:
		purged, err := p.signals.PurgeSignals(ctx, l.LoaderCode, fromEpoch, toEpoch)
		if err != nil {
			res.Status, res.Err = core.HistoryFailed, err
			return res
		}
		res.RecordsPurged = purged
	case core.FailOnDuplicate:
		existing, err := p.signals.CountSignals(ctx, l.LoaderCode, fromEpoch, toEpoch)
		if err != nil {
			res.Status, res.Err = core.HistoryFailed, err
			return res
		}
		if existing > 0 {
			res.Status = core.HistoryFailed
			res.Err = core.Errf(core.CodeDuplicateData,
				"%d signals already exist for %s in [%d, %d)",
				existing, l.LoaderCode, fromEpoch, toEpoch)
			return res
		}
	}

	ingested, err := p.signals.InsertSignals(ctx, tr.Signals, req.Strategy)
	if err != nil {
		res.Status, res.Err = core.HistoryFailed, err
		return res
	}
	res.RecordsIngested = ingested

	if (tr.Skipped > 0 || tr.OutOfWindow > 0) && ingested > 0 {
		res.Status = core.HistoryPartial
		p.logger.Printf("run=%s loader=%s dropped %d unparseable and %d out-of-window rows",
			runID, l.LoaderCode, tr.Skipped, tr.OutOfWindow)
	} else {
		res.Status = core.HistorySuccess
	}
	return res
}

// finish writes the terminal history row and, when asked, the atomic
// loader state update. Cancellation surfaces as FAILED/"cancelled".
func (p *Pipeline) finish(ctx context.Context, req Request, hist *core.LoadHistory, res *Result, start time.Time) {
	// The run's context may be dead (cancelled worker); bookkeeping still
	// has to land, so use a fresh deadline detached from it.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if ctx.Err() != nil && res.Err == nil {
		res.Status = core.HistoryFailed
		res.Err = ctx.Err()
	}

	end := time.Now().UTC()
	hist.EndTime = &end
	hist.ActualFromTime = res.ActualFrom
	hist.ActualToTime = res.ActualTo
	hist.RecordsLoaded = res.RecordsLoaded
	hist.RecordsIngested = res.RecordsIngested
	hist.Status = res.Status
	if res.Err != nil {
		if ctx.Err() != nil {
			hist.ErrorMessage = "cancelled"
		} else {
			hist.ErrorMessage = res.Err.Error()
		}
	}
	if err := p.history.FinishLoadHistory(finishCtx, hist); err != nil {
		p.logger.Printf("loader=%s: history update failed: %v", req.Loader.LoaderCode, err)
	}

	if req.UpdateLoaderState {
		outcome := core.ExecutionOutcome{
			LoaderCode:   req.Loader.LoaderCode,
			FailedAtTime: end,
		}
		switch res.Status {
		case core.HistorySuccess, core.HistoryPartial:
			outcome.Succeeded = true
			if res.RecordsIngested > 0 && res.ActualTo != nil {
				outcome.AdvanceTo = *res.ActualTo
			} else {
				outcome.ZeroRecords = true
				outcome.AdvanceTo = req.Window.To
			}
		}
		if err := p.loaders.ApplyExecutionOutcome(finishCtx, outcome); err != nil {
			p.logger.Printf("loader=%s: state update failed: %v", req.Loader.LoaderCode, err)
		}
	}

	if p.metrics != nil {
		p.metrics.ObserveExecution(req.Loader.LoaderCode, res.Status,
			end.Sub(start), res.RecordsLoaded, res.RecordsIngested)
	}
}
