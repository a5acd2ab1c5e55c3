// Package circuitbreaker guards source database queries. A source that
// keeps failing gets its circuit opened so loaders fail fast instead of
// piling up connections against a dead database.
package circuitbreaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/etlmon/backend/internal/core"
)

// State of one breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes one breaker.
type Config struct {
	Name string

	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// HalfOpenProbes successes in half-open close the breaker; one
	// failure reopens it. At most this many probes run concurrently.
	HalfOpenProbes uint32

	// OnStateChange is invoked outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig matches the tuning used for source databases.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   2,
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER] %s: %s -> %s", name, from, to)
		},
	}
}

// Counts is a snapshot of the current generation's tallies.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

// Requests is incremented in before() when a call is admitted; success and
// failure only move the outcome tallies, so in half-open the Requests count
// caps admitted probes without double counting completions.
func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is one circuit. Generations invalidate results from requests
// that started before the last state change.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 2
	}
	return &Breaker{cfg: cfg}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, applying the open→half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a snapshot of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn under the breaker. When the circuit is open it returns a
// CIRCUIT_OPEN error without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn(ctx)
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	switch {
	case state == StateOpen:
		return gen, core.Errf(core.CodeCircuitOpen,
			"circuit for %s is open", b.cfg.Name)
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.HalfOpenProbes:
		return gen, core.Errf(core.CodeCircuitOpen,
			"circuit for %s is probing, try later", b.cfg.Name)
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	var notify func()
	b.mu.Lock()
	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		b.mu.Unlock()
		return
	}

	switch {
	case success && state == StateClosed:
		b.counts.success()
	case success && state == StateHalfOpen:
		b.counts.success()
		if b.counts.ConsecutiveSuccesses >= b.cfg.HalfOpenProbes {
			notify = b.setState(StateClosed, now)
		}
	case !success && state == StateClosed:
		b.counts.failure()
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			notify = b.setState(StateOpen, now)
		}
	case !success && state == StateHalfOpen:
		notify = b.setState(StateOpen, now)
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && b.expiry.Before(now) {
		if notify := b.setState(StateHalfOpen, now); notify != nil {
			// Transition discovered lazily; fire inline, lock is held by
			// callers that call us so keep it cheap.
			go notify()
		}
	}
	return b.state, b.generation
}

// setState transitions and returns the deferred notification callback.
func (b *Breaker) setState(state State, now time.Time) func() {
	if b.state == state {
		return nil
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts.clear()
	if state == StateOpen {
		b.expiry = now.Add(b.cfg.OpenTimeout)
	} else {
		b.expiry = time.Time{}
	}

	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb, name := b.cfg.OnStateChange, b.cfg.Name
	return func() { cb(name, prev, state) }
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Breaker[%s state=%s failures=%d]",
		b.cfg.Name, b.state, b.counts.TotalFailures)
}

// Registry holds one breaker per source database code.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
}

// NewRegistry creates a registry; new breakers copy the template config.
func NewRegistry(template Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for a source, creating it on first use.
func (r *Registry) Get(sourceCode string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[sourceCode]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[sourceCode]; ok {
		return b
	}
	cfg := r.template
	cfg.Name = sourceCode
	b = New(cfg)
	r.breakers[sourceCode] = b
	return b
}

// Remove drops a breaker, typically when its source is deleted.
func (r *Registry) Remove(sourceCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, sourceCode)
}

// States returns the state of every breaker, for health reporting.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for code, b := range r.breakers {
		out[code] = b.State().String()
	}
	return out
}
