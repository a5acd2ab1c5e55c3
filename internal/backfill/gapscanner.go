package backfill

import (
	"context"
	"log"
	"time"

	"github.com/etlmon/backend/internal/configplan"
	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
)

const (
	scanInterval   = 6 * time.Hour
	scanLookback   = 7 * 24 * time.Hour
	defaultMinGap  = 5 // minutes
	maxActiveJobs  = 5
	scannerAccount = "SYSTEM_GAP_SCANNER_"
)

// GapKind labels which edge of the history the gap sits on.
type GapKind string

const (
	StartGap    GapKind = "START_GAP"
	EndGap      GapKind = "END_GAP"
	TimelineGap GapKind = "TIMELINE_GAP"
)

// Gap is one detected hole in a loader's loaded history.
type Gap struct {
	LoaderCode string
	Kind       GapKind
	From       time.Time
	To         time.Time
}

// ScanLoaders lists loaders whose history gets scanned.
type ScanLoaders interface {
	ListEligibleLoaders(ctx context.Context) ([]*core.Loader, error)
}

// ScanHistory reads successful runs in time order.
type ScanHistory interface {
	ListSuccessfulHistorySince(ctx context.Context, loaderCode string, since time.Time) ([]*core.LoadHistory, error)
}

// Submitter queues the repair jobs; the backfill Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, loaderCode string, from, to time.Time, strategy core.PurgeStrategy, requestedBy string) (*core.BackfillJob, error)
}

// ScanConfig reads the minimum gap size.
type ScanConfig interface {
	GetInt(ctx context.Context, parent, key string, def int) int
}

// GapScanner walks recent load history and submits PURGE_AND_RELOAD
// backfills for ranges a run queried but did not actually load.
type GapScanner struct {
	loaders   ScanLoaders
	history   ScanHistory
	jobs      Jobs
	submitter Submitter
	cfg       ScanConfig
	bus       events.Bus
	logger    *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewGapScanner wires the scanner.
func NewGapScanner(loaders ScanLoaders, history ScanHistory, jobs Jobs,
	submitter Submitter, cfg ScanConfig, bus events.Bus) *GapScanner {
	return &GapScanner{
		loaders:   loaders,
		history:   history,
		jobs:      jobs,
		submitter: submitter,
		cfg:       cfg,
		bus:       bus,
		logger:    log.New(log.Writer(), "[GAPSCAN] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the periodic scan loop.
func (g *GapScanner) Start() {
	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.ScanForGaps(context.Background(), time.Now().UTC())
			case <-g.stopCh:
				return
			}
		}
	}()
	g.logger.Printf("started (interval=%s, lookback=%s)", scanInterval, scanLookback)
}

// Stop halts the loop.
func (g *GapScanner) Stop() {
	close(g.stopCh)
	<-g.doneCh
	g.logger.Printf("stopped")
}

// ScanForGaps runs one full pass and returns how many backfills it queued.
func (g *GapScanner) ScanForGaps(ctx context.Context, now time.Time) int {
	minGap := time.Duration(g.minGapMinutes(ctx)) * time.Minute
	loaders, err := g.loaders.ListEligibleLoaders(ctx)
	if err != nil {
		g.logger.Printf("list loaders: %v", err)
		return 0
	}

	submitted := 0
	for _, l := range loaders {
		n, err := g.scanLoader(ctx, l.LoaderCode, now, minGap)
		if err != nil {
			g.logger.Printf("loader %s: %v", l.LoaderCode, err)
			continue
		}
		submitted += n
	}
	if submitted > 0 {
		g.logger.Printf("pass complete: %d backfills queued", submitted)
	}
	return submitted
}

func (g *GapScanner) scanLoader(ctx context.Context, loaderCode string, now time.Time, minGap time.Duration) (int, error) {
	active, err := g.jobs.CountActiveBackfills(ctx, loaderCode)
	if err != nil {
		return 0, err
	}
	if active > maxActiveJobs {
		g.logger.Printf("loader %s skipped: %d jobs already active", loaderCode, active)
		return 0, nil
	}

	runs, err := g.history.ListSuccessfulHistorySince(ctx, loaderCode, now.Add(-scanLookback))
	if err != nil {
		return 0, err
	}

	gaps := DetectGaps(loaderCode, runs, minGap)
	submitted := 0
	for _, gap := range gaps {
		requestedBy := scannerAccount + string(gap.Kind)
		if _, err := g.submitter.Submit(ctx, gap.LoaderCode, gap.From, gap.To,
			core.PurgeAndReload, requestedBy); err != nil {
			g.logger.Printf("submit %s gap for %s: %v", gap.Kind, gap.LoaderCode, err)
			continue
		}
		if g.bus != nil {
			g.bus.Publish(ctx, events.New(events.TypeGapDetected, gap.LoaderCode, map[string]string{
				"loader": gap.LoaderCode,
				"kind":   string(gap.Kind),
			}))
		}
		submitted++
	}
	return submitted, nil
}

// DetectGaps finds START, END and TIMELINE gaps in a time-ordered slice of
// SUCCESS runs. Zero-record runs are skipped entirely: an empty window most
// likely means source downtime and the next natural run retries it.
func DetectGaps(loaderCode string, runs []*core.LoadHistory, minGap time.Duration) []Gap {
	var gaps []Gap
	var prev *core.LoadHistory

	for _, run := range runs {
		if run.RecordsLoaded == 0 || run.ActualFromTime == nil || run.ActualToTime == nil {
			continue
		}

		if run.ActualFromTime.Sub(run.QueryFromTime) >= minGap {
			gaps = append(gaps, Gap{
				LoaderCode: loaderCode, Kind: StartGap,
				From: run.QueryFromTime, To: *run.ActualFromTime,
			})
		}
		if run.QueryToTime.Sub(*run.ActualToTime) >= minGap {
			gaps = append(gaps, Gap{
				LoaderCode: loaderCode, Kind: EndGap,
				From: *run.ActualToTime, To: run.QueryToTime,
			})
		}
		if prev != nil && run.ActualFromTime.Sub(*prev.ActualToTime) >= minGap {
			gaps = append(gaps, Gap{
				LoaderCode: loaderCode, Kind: TimelineGap,
				From: *prev.ActualToTime, To: *run.ActualFromTime,
			})
		}
		prev = run
	}
	return gaps
}

func (g *GapScanner) minGapMinutes(ctx context.Context) int {
	m := g.cfg.GetInt(ctx, configplan.ParentBackfill, configplan.KeyGapScanMinGapMinutes, defaultMinGap)
	if m <= 0 {
		m = defaultMinGap
	}
	return m
}
