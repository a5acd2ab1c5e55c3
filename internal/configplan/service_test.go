package configplan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
)

type fakePlans struct {
	mu     sync.Mutex
	nextID int64
	plans  map[string]*core.ConfigPlan          // parent/name
	values map[int64]map[string]string          // planID -> kv
	active map[string]string                    // parent -> active name
	loads  int                                  // GetActiveConfigValues calls
}

func newFakePlans() *fakePlans {
	return &fakePlans{
		plans:  map[string]*core.ConfigPlan{},
		values: map[int64]map[string]string{},
		active: map[string]string{},
	}
}

func (f *fakePlans) InsertConfigPlan(_ context.Context, plan *core.ConfigPlan, values map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := plan.Parent + "/" + plan.PlanName
	if _, ok := f.plans[key]; ok {
		return 0, core.Errf(core.CodeConflict, "plan %s exists", key)
	}
	f.nextID++
	cp := *plan
	cp.ID = f.nextID
	f.plans[key] = &cp
	vals := map[string]string{}
	for k, v := range values {
		vals[k] = v
	}
	f.values[cp.ID] = vals
	return cp.ID, nil
}

func (f *fakePlans) ActivateConfigPlan(_ context.Context, parent, planName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.plans[parent+"/"+planName]; !ok {
		return core.Errf(core.CodeNotFound, "plan %s/%s not found", parent, planName)
	}
	f.active[parent] = planName
	return nil
}

func (f *fakePlans) GetActiveConfigValues(_ context.Context, parent string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	name, ok := f.active[parent]
	if !ok {
		return map[string]string{}, nil
	}
	plan := f.plans[parent+"/"+name]
	return f.values[plan.ID], nil
}

func (f *fakePlans) ListConfigPlans(_ context.Context, parent string) ([]*core.ConfigPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.ConfigPlan
	for _, p := range f.plans {
		if p.Parent == parent {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePlans) UpsertConfigValue(_ context.Context, planID int64, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[planID][key] = value
	return nil
}

func (f *fakePlans) DeleteConfigPlan(_ context.Context, parent, planName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.plans, parent+"/"+planName)
	return nil
}

func seedPlan(t *testing.T, s *Service, parent, name string, values map[string]string) {
	t.Helper()
	_, err := s.CreatePlan(context.Background(),
		&core.ConfigPlan{Parent: parent, PlanName: name, CreatedBy: "ops"}, values)
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background(), parent, name, "ops"))
}

func TestService_TypedGettersWithDefaults(t *testing.T) {
	s := NewService(newFakePlans(), nil)
	seedPlan(t, s, ParentScheduler, "fast", map[string]string{
		KeyPollingIntervalSeconds: "5",
		"scheduler.verbose":       "true",
		"scheduler.jitter":        "0.25",
		"scheduler.bad-int":       "not-a-number",
	})
	ctx := context.Background()

	assert.Equal(t, 5, s.GetInt(ctx, ParentScheduler, KeyPollingIntervalSeconds, 1))
	assert.Equal(t, true, s.GetBool(ctx, ParentScheduler, "scheduler.verbose", false))
	assert.Equal(t, 0.25, s.GetFloat(ctx, ParentScheduler, "scheduler.jitter", 0))
	assert.Equal(t, "fast", s.GetString(ctx, ParentScheduler, "missing", "fast"))

	// Parse failure falls back to the default.
	assert.Equal(t, 42, s.GetInt(ctx, ParentScheduler, "scheduler.bad-int", 42))
	assert.Equal(t, int64(9), s.GetInt64(ctx, ParentScheduler, "missing", 9))
}

func TestService_CachesUntilSwitch(t *testing.T) {
	plans := newFakePlans()
	s := NewService(plans, nil)
	seedPlan(t, s, ParentScheduler, "fast", map[string]string{KeyPollingIntervalSeconds: "5"})
	ctx := context.Background()

	before := plans.loads
	for i := 0; i < 10; i++ {
		s.GetInt(ctx, ParentScheduler, KeyPollingIntervalSeconds, 1)
	}
	assert.Equal(t, 1, plans.loads-before, "reads after the first should hit the cache")

	// Switching plans invalidates and the new values win.
	_, err := s.CreatePlan(ctx, &core.ConfigPlan{Parent: ParentScheduler, PlanName: "slow"},
		map[string]string{KeyPollingIntervalSeconds: "30"})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, ParentScheduler, "slow", "ops"))
	assert.Equal(t, 30, s.GetInt(ctx, ParentScheduler, KeyPollingIntervalSeconds, 1))
}

func TestService_SwitchEventInvalidatesOtherReplica(t *testing.T) {
	// Two services sharing a bus model two replicas with separate caches.
	plans := newFakePlans()
	bus := events.NewLocalBus()
	defer bus.Close()

	a := NewService(plans, bus)
	b := NewService(plans, bus)
	ctx := context.Background()

	_, err := a.CreatePlan(ctx, &core.ConfigPlan{Parent: ParentBackfill, PlanName: "v1"},
		map[string]string{KeyGapScanMinGapMinutes: "5"})
	require.NoError(t, err)
	require.NoError(t, a.Activate(ctx, ParentBackfill, "v1", "ops"))

	// Warm b's cache.
	assert.Equal(t, 5, b.GetInt(ctx, ParentBackfill, KeyGapScanMinGapMinutes, 1))

	_, err = a.CreatePlan(ctx, &core.ConfigPlan{Parent: ParentBackfill, PlanName: "v2"},
		map[string]string{KeyGapScanMinGapMinutes: "15"})
	require.NoError(t, err)
	require.NoError(t, a.Activate(ctx, ParentBackfill, "v2", "ops"))

	assert.Eventually(t, func() bool {
		return b.GetInt(ctx, ParentBackfill, KeyGapScanMinGapMinutes, 1) == 15
	}, time.Second, 10*time.Millisecond, "replica b should observe the switch via the bus")
}

func TestService_ActivateUnknownPlanFails(t *testing.T) {
	s := NewService(newFakePlans(), nil)
	err := s.Activate(context.Background(), ParentScheduler, "nope", "ops")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeNotFound))
}
