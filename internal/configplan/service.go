// Package configplan serves runtime-tunable settings from DB-backed named
// plans. At most one plan per parent namespace is active; switching plans
// is transactional and announced on the event bus so every replica drops
// its cache.
package configplan

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
)

// Parent namespaces used by the platform.
const (
	ParentScheduler = "scheduler"
	ParentLocking   = "locking"
	ParentBackfill  = "backfill"
	ParentSources   = "sources"
)

// Well-known keys.
const (
	KeyPollingIntervalSeconds = "scheduler.polling-interval-seconds"
	KeyStaleThresholdHours    = "locking.stale-lock-threshold-hours"
	KeyGapScanMinGapMinutes   = "backfill.gap-scan.min-gap-minutes"
	KeyQueryTimeoutSeconds    = "sources.query-timeout-seconds"
)

// Plans is the persistence slice this service needs.
type Plans interface {
	InsertConfigPlan(ctx context.Context, plan *core.ConfigPlan, values map[string]string) (int64, error)
	ActivateConfigPlan(ctx context.Context, parent, planName string) error
	GetActiveConfigValues(ctx context.Context, parent string) (map[string]string, error)
	ListConfigPlans(ctx context.Context, parent string) ([]*core.ConfigPlan, error)
	UpsertConfigValue(ctx context.Context, planID int64, key, value string) error
	DeleteConfigPlan(ctx context.Context, parent, planName string) error
}

// Service is the cached view over the plan tables.
type Service struct {
	plans  Plans
	bus    events.Bus
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]map[string]string // parent -> active values
}

// NewService wires the service and subscribes to cross-replica switch
// events for cache invalidation.
func NewService(plans Plans, bus events.Bus) *Service {
	s := &Service{
		plans:  plans,
		bus:    bus,
		logger: log.New(log.Writer(), "[CONFIGPLAN] ", log.LstdFlags),
		cache:  make(map[string]map[string]string),
	}
	if bus != nil {
		bus.Subscribe(events.TypeConfigPlanSwitched, func(e events.Event) {
			s.RefreshCache(e.Data["parent"])
		})
	}
	return s
}

// CreatePlan stores a new inactive plan with its values.
func (s *Service) CreatePlan(ctx context.Context, plan *core.ConfigPlan, values map[string]string) (int64, error) {
	return s.plans.InsertConfigPlan(ctx, plan, values)
}

// ListPlans returns the plans of a parent namespace.
func (s *Service) ListPlans(ctx context.Context, parent string) ([]*core.ConfigPlan, error) {
	return s.plans.ListConfigPlans(ctx, parent)
}

// SetValue updates one key on a plan. The cache is refreshed lazily; if
// the plan is active the next read after RefreshCache sees it.
func (s *Service) SetValue(ctx context.Context, planID int64, key, value string) error {
	return s.plans.UpsertConfigValue(ctx, planID, key, value)
}

// DeletePlan removes an inactive plan.
func (s *Service) DeletePlan(ctx context.Context, parent, planName string) error {
	return s.plans.DeleteConfigPlan(ctx, parent, planName)
}

// Activate switches the parent's active plan and publishes the switch.
func (s *Service) Activate(ctx context.Context, parent, planName, actor string) error {
	if err := s.plans.ActivateConfigPlan(ctx, parent, planName); err != nil {
		return err
	}
	s.RefreshCache(parent)

	if s.bus != nil {
		err := s.bus.Publish(ctx, events.New(events.TypeConfigPlanSwitched, parent, map[string]string{
			"parent": parent,
			"plan":   planName,
			"actor":  actor,
		}))
		if err != nil {
			s.logger.Printf("publish switch of %s/%s: %v", parent, planName, err)
		}
	}
	s.logger.Printf("activated %s/%s (by %s)", parent, planName, actor)
	return nil
}

// RefreshCache drops the cached values of a parent; empty parent drops all.
func (s *Service) RefreshCache(parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent == "" {
		s.cache = make(map[string]map[string]string)
		return
	}
	delete(s.cache, parent)
}

// ActiveValues returns the active plan's values for a parent, cached.
func (s *Service) ActiveValues(ctx context.Context, parent string) (map[string]string, error) {
	s.mu.RLock()
	vals, ok := s.cache[parent]
	s.mu.RUnlock()
	if ok {
		return vals, nil
	}

	vals, err := s.plans.GetActiveConfigValues(ctx, parent)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[parent] = vals
	s.mu.Unlock()
	return vals, nil
}

// lookup returns the raw value, or "" when missing or on load failure.
func (s *Service) lookup(ctx context.Context, parent, key string) (string, bool) {
	vals, err := s.ActiveValues(ctx, parent)
	if err != nil {
		s.logger.Printf("load %s values: %v, using defaults", parent, err)
		return "", false
	}
	v, ok := vals[key]
	return v, ok
}

// GetString returns the configured string or def on miss.
func (s *Service) GetString(ctx context.Context, parent, key, def string) string {
	if v, ok := s.lookup(ctx, parent, key); ok {
		return v
	}
	return def
}

// GetInt returns the configured int, or def on miss or parse failure.
func (s *Service) GetInt(ctx context.Context, parent, key string, def int) int {
	v, ok := s.lookup(ctx, parent, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Printf("key %s/%s=%q is not an int, using %d", parent, key, v, def)
		return def
	}
	return n
}

// GetInt64 returns the configured int64, or def on miss or parse failure.
func (s *Service) GetInt64(ctx context.Context, parent, key string, def int64) int64 {
	v, ok := s.lookup(ctx, parent, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.logger.Printf("key %s/%s=%q is not an int64, using %d", parent, key, v, def)
		return def
	}
	return n
}

// GetFloat returns the configured float, or def on miss or parse failure.
func (s *Service) GetFloat(ctx context.Context, parent, key string, def float64) float64 {
	v, ok := s.lookup(ctx, parent, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.logger.Printf("key %s/%s=%q is not a float, using %v", parent, key, v, def)
		return def
	}
	return f
}

// GetBool returns the configured bool, or def on miss or parse failure.
func (s *Service) GetBool(ctx context.Context, parent, key string, def bool) bool {
	v, ok := s.lookup(ctx, parent, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.logger.Printf("key %s/%s=%q is not a bool, using %v", parent, key, v, def)
		return def
	}
	return b
}
