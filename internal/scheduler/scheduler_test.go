package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/pipeline"
)

type fakeLoaders struct {
	mu      sync.Mutex
	list    []*core.Loader
	running []string
}

func (f *fakeLoaders) ListEligibleLoaders(context.Context) ([]*core.Loader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Loader, len(f.list))
	copy(out, f.list)
	return out, nil
}

func (f *fakeLoaders) MarkLoaderRunning(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, code)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]int // loaderCode -> active locks
	owns map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]int{}, owns: map[string]string{}}
}

func (f *fakeLocker) Acquire(ctx context.Context, loaderCode string, maxParallel int) (*core.ExecutionLock, context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[loaderCode] >= maxParallel {
		return nil, nil, core.Errf(core.CodeConflict, "loader %s at cap", loaderCode)
	}
	f.held[loaderCode]++
	id := uuid.NewString()
	f.owns[id] = loaderCode
	return &core.ExecutionLock{LockID: id, LoaderCode: loaderCode}, ctx, nil
}

func (f *fakeLocker) Release(_ context.Context, lockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.owns[lockID]; ok {
		f.held[code]--
		delete(f.owns, lockID)
	}
	return nil
}

func (f *fakeLocker) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.held {
		n += c
	}
	return n
}

type fakeExecutor struct {
	mu       sync.Mutex
	requests []pipeline.Request
	block    chan struct{} // nil means return immediately
}

func (f *fakeExecutor) Execute(ctx context.Context, req pipeline.Request) *pipeline.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return &pipeline.Result{Status: core.HistorySuccess}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type staticConfig struct{ interval int }

func (c staticConfig) GetInt(context.Context, string, string, int) int { return c.interval }

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func eligibleLoader(code string, lastLoadAgo time.Duration) *core.Loader {
	last := now.Add(-lastLoadAgo)
	return &core.Loader{
		LoaderCode:            code,
		MinIntervalSeconds:    10,
		MaxQueryPeriodSeconds: 3600,
		MaxParallelExecutions: 1,
		PurgeStrategy:         core.SkipDuplicates,
		LoadStatus:            core.LoadIdle,
		LastLoadTimestamp:     &last,
		Enabled:               true,
		ApprovalStatus:        core.Approved,
		VersionStatus:         core.VersionActive,
	}
}

func TestTick_DispatchesDueLoaderOnce(t *testing.T) {
	loaders := &fakeLoaders{list: []*core.Loader{eligibleLoader("L1", time.Minute)}}
	locker := newFakeLocker()
	exec := &fakeExecutor{}
	s := New(loaders, locker, exec, staticConfig{1}, "replica-a", 10)

	s.Tick(context.Background(), now)
	s.wg.Wait()

	assert.Equal(t, 1, exec.count())
	assert.Equal(t, []string{"L1"}, loaders.running)
	assert.Equal(t, 0, locker.active(), "lock released after the run")

	req := exec.requests[0]
	assert.True(t, req.UpdateLoaderState)
	assert.Equal(t, now.Add(-time.Minute), req.Window.From)
	assert.Equal(t, now, req.Window.To)
}

func TestTick_SkipsNotDueLoader(t *testing.T) {
	loaders := &fakeLoaders{list: []*core.Loader{eligibleLoader("L1", 5 * time.Second)}}
	exec := &fakeExecutor{}
	s := New(loaders, newFakeLocker(), exec, staticConfig{1}, "replica-a", 10)

	s.Tick(context.Background(), now)
	s.wg.Wait()

	assert.Zero(t, exec.count(), "window shorter than minInterval must not dispatch")
}

func TestTick_LockConflictSkipsQuietly(t *testing.T) {
	l := eligibleLoader("L1", time.Minute)
	loaders := &fakeLoaders{list: []*core.Loader{l}}
	locker := newFakeLocker()
	exec := &fakeExecutor{block: make(chan struct{})}
	s := New(loaders, locker, exec, staticConfig{1}, "replica-a", 10)

	s.Tick(context.Background(), now) // first dispatch holds the lock
	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)

	s.Tick(context.Background(), now) // cap of 1 reached, skipped
	assert.Equal(t, 1, exec.count())

	close(exec.block)
	s.wg.Wait()

	s.Tick(context.Background(), now) // slot free again
	s.wg.Wait()
	assert.Equal(t, 2, exec.count())
}

func TestTick_FailedLoaderRecoversViaPredicate(t *testing.T) {
	l := eligibleLoader("L1", time.Minute)
	l.LoadStatus = core.LoadFailed
	failedAt := now.Add(-25 * time.Minute)
	l.FailedSince = &failedAt
	loaders := &fakeLoaders{list: []*core.Loader{l}}
	exec := &fakeExecutor{}
	s := New(loaders, newFakeLocker(), exec, staticConfig{1}, "replica-a", 10)

	s.Tick(context.Background(), now)
	s.wg.Wait()
	assert.Equal(t, 1, exec.count())
}

func TestTick_WorkerPoolBoundsDispatch(t *testing.T) {
	var list []*core.Loader
	for _, code := range []string{"L1", "L2", "L3", "L4"} {
		list = append(list, eligibleLoader(code, time.Minute))
	}
	loaders := &fakeLoaders{list: list}
	exec := &fakeExecutor{block: make(chan struct{})}
	s := New(loaders, newFakeLocker(), exec, staticConfig{1}, "replica-a", 2)

	s.Tick(context.Background(), now)
	require.Eventually(t, func() bool { return exec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, exec.count(), "only two workers may run at once")

	close(exec.block)
	s.wg.Wait()
}

func TestStartStop(t *testing.T) {
	loaders := &fakeLoaders{}
	s := New(loaders, newFakeLocker(), &fakeExecutor{}, staticConfig{1}, "replica-a", 2)
	s.Start()
	s.Stop()
}
