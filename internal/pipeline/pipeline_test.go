package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/source"
)

// ---- fakes ----

type fakeSources struct {
	rs      *source.ResultSet
	err     error
	lastSQL string
}

func (f *fakeSources) RunQuery(_ context.Context, _ int64, sqlText string, _ ...interface{}) (*source.ResultSet, error) {
	f.lastSQL = sqlText
	return f.rs, f.err
}

type fakeSignals struct {
	mu       sync.Mutex
	codes    map[string]int
	existing map[string]bool // "ts|seg" keys already present
	inserted []*core.SignalHistory
	purged   int64
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{codes: map[string]int{}, existing: map[string]bool{}}
}

func (f *fakeSignals) GetOrCreateSegmentCode(_ context.Context, loaderCode string, segments [10]*string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := loaderCode + bucketKey(0, segments)
	if code, ok := f.codes[key]; ok {
		return code, nil
	}
	code := len(f.codes) + 1
	f.codes[key] = code
	return code, nil
}

func (f *fakeSignals) InsertSignals(_ context.Context, signals []*core.SignalHistory, strategy core.PurgeStrategy) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, sig := range signals {
		key := fmt.Sprintf("%d|%d", sig.LoadTimestamp, sig.SegmentCode)
		if f.existing[key] {
			if strategy == core.FailOnDuplicate {
				return 0, core.Errf(core.CodeDuplicateData, "duplicate %s", key)
			}
			continue
		}
		f.existing[key] = true
		f.inserted = append(f.inserted, sig)
		n++
	}
	return n, nil
}

func (f *fakeSignals) PurgeSignals(_ context.Context, _ string, fromEpoch, toEpoch int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key := range f.existing {
		var ts, seg int64
		fmt.Sscanf(key, "%d|%d", &ts, &seg)
		if ts >= fromEpoch && ts < toEpoch {
			delete(f.existing, key)
			n++
		}
	}
	f.purged += n
	return n, nil
}

func (f *fakeSignals) CountSignals(_ context.Context, _ string, fromEpoch, toEpoch int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key := range f.existing {
		var ts, seg int64
		fmt.Sscanf(key, "%d|%d", &ts, &seg)
		if ts >= fromEpoch && ts < toEpoch {
			n++
		}
	}
	return n, nil
}

type fakeHistory struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*core.LoadHistory
}

func newFakeHistory() *fakeHistory { return &fakeHistory{rows: map[int64]*core.LoadHistory{}} }

func (f *fakeHistory) BeginLoadHistory(_ context.Context, h *core.LoadHistory) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *h
	cp.ID = f.nextID
	cp.Status = core.HistoryRunning
	f.rows[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeHistory) FinishLoadHistory(_ context.Context, h *core.LoadHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *h
	f.rows[h.ID] = &cp
	return nil
}

type fakeLoaderState struct {
	mu       sync.Mutex
	outcomes []core.ExecutionOutcome
}

func (f *fakeLoaderState) ApplyExecutionOutcome(_ context.Context, o core.ExecutionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

// ---- fixtures ----

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testLoader(t *testing.T, codec *crypto.FieldCodec, sqlText string) *core.Loader {
	t.Helper()
	enc, err := codec.Encrypt(sqlText)
	require.NoError(t, err)
	last := t0
	return &core.Loader{
		LoaderCode:            "SALES_HOURLY",
		SQL:                   enc,
		SourceDatabaseID:      1,
		MinIntervalSeconds:    10,
		MaxIntervalSeconds:    60,
		MaxQueryPeriodSeconds: 3600,
		MaxParallelExecutions: 1,
		PurgeStrategy:         core.SkipDuplicates,
		LoadStatus:            core.LoadIdle,
		LastLoadTimestamp:     &last,
	}
}

func newTestPipeline(t *testing.T, src *fakeSources) (*Pipeline, *fakeSignals, *fakeHistory, *fakeLoaderState, *crypto.FieldCodec) {
	t.Helper()
	codec, err := crypto.NewFieldCodec("test-passphrase")
	require.NoError(t, err)
	signals := newFakeSignals()
	history := newFakeHistory()
	loaders := &fakeLoaderState{}
	return New(src, signals, history, loaders, codec, nil), signals, history, loaders, codec
}

func rowsAt(times ...time.Time) *source.ResultSet {
	rs := &source.ResultSet{Columns: []string{"ts", "seg1", "val"}}
	for i, ts := range times {
		rs.Rows = append(rs.Rows, map[string]interface{}{
			"ts": ts, "seg1": "EU", "val": float64(i + 1),
		})
	}
	return rs
}

// ---- tests ----

func TestExecute_HappyScheduledRun(t *testing.T) {
	src := &fakeSources{rs: rowsAt(t0.Add(5*time.Second), t0.Add(6*time.Second), t0.Add(7*time.Second))}
	p, signals, history, loaders, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "SELECT ts, seg1, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

	window := core.TimeWindow{From: t0, To: t0.Add(60 * time.Second)}
	res := p.Execute(context.Background(), Request{
		Loader: l, Window: window, Strategy: l.PurgeStrategy,
		Replica: "replica-a", UpdateLoaderState: true,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, core.HistorySuccess, res.Status)
	assert.Equal(t, int64(3), res.RecordsLoaded)
	assert.Equal(t, int64(3), res.RecordsIngested)
	require.NotNil(t, res.ActualFrom)
	assert.Equal(t, t0.Add(5*time.Second), *res.ActualFrom)
	assert.Equal(t, t0.Add(7*time.Second), *res.ActualTo)

	// Placeholders were substituted with quoted ISO timestamps.
	assert.NotContains(t, src.lastSQL, ":fromTime")
	assert.Contains(t, src.lastSQL, "'2026-08-01 12:00:00'")

	require.Len(t, history.rows, 1)
	for _, h := range history.rows {
		assert.Equal(t, core.HistorySuccess, h.Status)
		assert.Equal(t, int64(3), h.RecordsIngested)
	}
	assert.Len(t, signals.inserted, 3)

	require.Len(t, loaders.outcomes, 1)
	o := loaders.outcomes[0]
	assert.True(t, o.Succeeded)
	assert.False(t, o.ZeroRecords)
	assert.Equal(t, t0.Add(7*time.Second), o.AdvanceTo)
}

func TestExecute_ZeroRowsAdvancesToWindowEnd(t *testing.T) {
	src := &fakeSources{rs: &source.ResultSet{Columns: []string{"ts", "val"}}}
	p, _, _, loaders, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "SELECT ts, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

	window := core.TimeWindow{From: t0, To: t0.Add(time.Minute)}
	res := p.Execute(context.Background(), Request{
		Loader: l, Window: window, Strategy: l.PurgeStrategy,
		Replica: "replica-a", UpdateLoaderState: true,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, core.HistorySuccess, res.Status)
	assert.Nil(t, res.ActualFrom)

	require.Len(t, loaders.outcomes, 1)
	o := loaders.outcomes[0]
	assert.True(t, o.Succeeded)
	assert.True(t, o.ZeroRecords)
	assert.Equal(t, window.To, o.AdvanceTo)
}

func TestExecute_RowsOutsideWindowAreDropped(t *testing.T) {
	window := core.TimeWindow{From: t0, To: t0.Add(time.Minute)}
	src := &fakeSources{rs: rowsAt(
		t0.Add(-time.Hour),          // before the window
		t0.Add(30*time.Second),      // inside
		t0.Add(time.Minute + time.Hour), // after
	)}
	p, signals, _, _, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "SELECT ts, seg1, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

	res := p.Execute(context.Background(), Request{
		Loader: l, Window: window, Strategy: l.PurgeStrategy, Replica: "replica-a",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, core.HistoryPartial, res.Status)
	assert.Equal(t, int64(3), res.RecordsLoaded)
	assert.Equal(t, int64(1), res.RecordsIngested)
	require.Len(t, signals.inserted, 1)
	assert.Equal(t, t0.Add(30*time.Second).Unix(), signals.inserted[0].LoadTimestamp)

	// Actual bounds describe only the kept rows.
	require.NotNil(t, res.ActualFrom)
	assert.Equal(t, t0.Add(30*time.Second), *res.ActualFrom)
	assert.Equal(t, t0.Add(30*time.Second), *res.ActualTo)
}

func TestExecute_SourceFailureWritesFailedHistory(t *testing.T) {
	src := &fakeSources{err: core.Errf(core.CodeSourceUnavailable, "connection refused")}
	p, _, history, loaders, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "SELECT ts, val FROM t WHERE ts > :fromTime")

	res := p.Execute(context.Background(), Request{
		Loader: l, Window: core.TimeWindow{From: t0, To: t0.Add(time.Minute)},
		Strategy: l.PurgeStrategy, Replica: "replica-a", UpdateLoaderState: true,
	})

	assert.Equal(t, core.HistoryFailed, res.Status)
	assert.True(t, core.IsCode(res.Err, core.CodeSourceUnavailable))

	for _, h := range history.rows {
		assert.Equal(t, core.HistoryFailed, h.Status)
		assert.NotEmpty(t, h.ErrorMessage)
	}
	require.Len(t, loaders.outcomes, 1)
	assert.False(t, loaders.outcomes[0].Succeeded)
}

func TestExecute_RejectsUnsafeSQL(t *testing.T) {
	src := &fakeSources{}
	p, _, _, _, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "DELETE FROM t WHERE ts < :fromTime")

	res := p.Execute(context.Background(), Request{
		Loader: l, Window: core.TimeWindow{From: t0, To: t0.Add(time.Minute)},
		Strategy: l.PurgeStrategy, Replica: "replica-a",
	})

	assert.Equal(t, core.HistoryFailed, res.Status)
	assert.True(t, core.IsCode(res.Err, core.CodeValidation))
	assert.Empty(t, src.lastSQL)
}

func TestExecute_PurgeStrategies(t *testing.T) {
	seed := func(signals *fakeSignals) {
		signals.existing["1500|1"] = true
		signals.existing["1600|1"] = true
	}
	window := core.TimeWindow{From: time.Unix(1000, 0).UTC(), To: time.Unix(2000, 0).UTC()}
	incoming := rowsAt(time.Unix(1500, 0).UTC(), time.Unix(1700, 0).UTC())

	t.Run("purge and reload", func(t *testing.T) {
		src := &fakeSources{rs: incoming}
		p, signals, _, _, codec := newTestPipeline(t, src)
		seed(signals)
		l := testLoader(t, codec, "SELECT ts, seg1, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

		res := p.Execute(context.Background(), Request{
			Loader: l, Window: window, Strategy: core.PurgeAndReload, Replica: "replica-a",
		})
		require.NoError(t, res.Err)
		assert.Equal(t, int64(2), res.RecordsPurged)
		assert.Equal(t, int64(2), res.RecordsIngested)
	})

	t.Run("fail on duplicate", func(t *testing.T) {
		src := &fakeSources{rs: incoming}
		p, signals, _, _, codec := newTestPipeline(t, src)
		seed(signals)
		l := testLoader(t, codec, "SELECT ts, seg1, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

		res := p.Execute(context.Background(), Request{
			Loader: l, Window: window, Strategy: core.FailOnDuplicate, Replica: "replica-a",
		})
		assert.Equal(t, core.HistoryFailed, res.Status)
		assert.True(t, core.IsCode(res.Err, core.CodeDuplicateData))
		assert.Empty(t, signals.inserted)
	})

	t.Run("skip duplicates", func(t *testing.T) {
		src := &fakeSources{rs: incoming}
		p, signals, _, _, codec := newTestPipeline(t, src)
		l := testLoader(t, codec, "SELECT ts, seg1, val FROM t WHERE ts BETWEEN :fromTime AND :toTime")

		// First run lands both; the replay only skips.
		res := p.Execute(context.Background(), Request{
			Loader: l, Window: window, Strategy: core.SkipDuplicates, Replica: "replica-a",
		})
		require.NoError(t, res.Err)
		assert.Equal(t, int64(2), res.RecordsIngested)
		assert.Len(t, signals.inserted, 2)

		res = p.Execute(context.Background(), Request{
			Loader: l, Window: window, Strategy: core.SkipDuplicates, Replica: "replica-a",
		})
		require.NoError(t, res.Err)
		assert.Equal(t, int64(0), res.RecordsIngested)
		assert.Len(t, signals.inserted, 2)
	})
}

func TestExecute_CancelledRunWritesCancelledHistory(t *testing.T) {
	src := &fakeSources{err: context.Canceled}
	p, _, history, _, codec := newTestPipeline(t, src)
	l := testLoader(t, codec, "SELECT ts, val FROM t WHERE ts > :fromTime")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Execute(ctx, Request{
		Loader: l, Window: core.TimeWindow{From: t0, To: t0.Add(time.Minute)},
		Strategy: l.PurgeStrategy, Replica: "replica-a",
	})

	assert.Equal(t, core.HistoryFailed, res.Status)
	for _, h := range history.rows {
		assert.Equal(t, "cancelled", h.ErrorMessage)
	}
}

func TestComputeWindow(t *testing.T) {
	now := t0.Add(time.Hour)

	t.Run("caps at max query period", func(t *testing.T) {
		last := t0
		l := &core.Loader{MinIntervalSeconds: 10, MaxQueryPeriodSeconds: 600, LastLoadTimestamp: &last}
		w, due := ComputeWindow(l, now)
		require.True(t, due)
		assert.Equal(t, t0, w.From)
		assert.Equal(t, t0.Add(600*time.Second), w.To)
	})

	t.Run("not due inside min interval", func(t *testing.T) {
		last := now.Add(-5 * time.Second)
		l := &core.Loader{MinIntervalSeconds: 10, MaxQueryPeriodSeconds: 600, LastLoadTimestamp: &last}
		_, due := ComputeWindow(l, now)
		assert.False(t, due)
	})

	t.Run("nil cursor starts one interval back", func(t *testing.T) {
		l := &core.Loader{MinIntervalSeconds: 30, MaxQueryPeriodSeconds: 600}
		w, due := ComputeWindow(l, now)
		require.True(t, due)
		assert.Equal(t, now.Add(-30*time.Second), w.From)
		assert.Equal(t, now, w.To)
	})
}

func TestDue_FailedLoaderRecoversAfterTwentyMinutes(t *testing.T) {
	now := t0
	recent := now.Add(-5 * time.Minute)
	old := now.Add(-25 * time.Minute)

	assert.True(t, Due(&core.Loader{LoadStatus: core.LoadIdle}, now))
	assert.False(t, Due(&core.Loader{LoadStatus: core.LoadFailed, FailedSince: &recent}, now))
	assert.True(t, Due(&core.Loader{LoadStatus: core.LoadFailed, FailedSince: &old}, now))
	assert.False(t, Due(&core.Loader{LoadStatus: core.LoadPaused}, now))
	assert.False(t, Due(&core.Loader{LoadStatus: core.LoadRunning}, now))
}

func TestCheckQuerySafety(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		ok   bool
	}{
		{"plain select", "SELECT 1", true},
		{"leading whitespace", "   select ts from t", true},
		{"leading line comment", "-- note\nSELECT ts FROM t", true},
		{"leading block comment", "/* note */ SELECT ts FROM t", true},
		{"update statement", "UPDATE t SET x=1", false},
		{"embedded delete", "SELECT * FROM t; DELETE FROM t", false},
		{"embedded drop", "SELECT 1 WHERE EXISTS (DROP TABLE t)", false},
		{"keyword as substring is fine", "SELECT created_at, updated_by FROM t", true},
		{"cte rejected by prefix rule", "WITH x AS (SELECT 1) SELECT * FROM x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckQuerySafety(tc.sql)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSubstitutePlaceholders_TzVariants(t *testing.T) {
	w := core.TimeWindow{
		From: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC),
	}
	out := SubstitutePlaceholders(
		"SELECT * FROM t WHERE a > :fromTime AND b > :fromTimeTz AND c < :toTimeTz", w, 3)

	assert.Contains(t, out, "a > '2026-08-01 00:00:00'")
	assert.Contains(t, out, "b > '2026-08-01 03:00:00'")
	assert.Contains(t, out, "c < '2026-08-01 04:00:00'")
	assert.NotContains(t, out, ":fromTime")
}

func BenchmarkCheckQuerySafety(b *testing.B) {
	sqlText := "SELECT ts, seg1, seg2, val FROM metrics WHERE ts BETWEEN :fromTime AND :toTime AND region = 'EU'"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := CheckQuerySafety(sqlText); err != nil {
			b.Fatal(err)
		}
	}
}
