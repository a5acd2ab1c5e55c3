// Package events is the platform event bus. A single-process deployment
// uses the in-memory LocalBus; multi-replica deployments use the Redis
// variant so a config-plan switch on one replica reaches the schedulers on
// all of them, or the Pub/Sub variant when durable delivery matters.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the platform.
const (
	TypeConfigPlanSwitched = "etl.configplan.switched"
	TypeLoaderApproved     = "etl.loader.approved"
	TypeLoaderRejected     = "etl.loader.rejected"
	TypeBackfillSubmitted  = "etl.backfill.submitted"
	TypeGapDetected        = "etl.gap.detected"
)

// Event is the envelope published on the bus.
type Event struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Subject string            `json:"subject,omitempty"`
	Time    time.Time         `json:"time"`
	Data    map[string]string `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, subject string, data map[string]string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// JSON serializes the envelope.
func (e Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Bus publishes events and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for one event type; empty type means
	// all events. The returned function unsubscribes.
	Subscribe(eventType string, handler func(Event)) (unsubscribe func())

	Close() error
}

type subscriber struct {
	id      string
	handler func(Event)
}

// LocalBus is the in-process bus. Handlers run on a dispatch goroutine per
// publish so a slow subscriber cannot stall the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber // eventType -> handlers; "" is the firehose
	logger *log.Logger
	closed bool
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:   make(map[string][]subscriber),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Publish fans the event out to type subscribers and firehose subscribers.
func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	targets := make([]subscriber, 0, len(b.subs[event.Type])+len(b.subs[""]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[""]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s subscriber) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Printf("subscriber panic on %s: %v", event.Type, r)
				}
			}()
			s.handler(event)
		}(sub)
	}
	return nil
}

// Subscribe registers a handler.
func (b *LocalBus) Subscribe(eventType string, handler func(Event)) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[eventType]
		for i, s := range list {
			if s.id == id {
				b.subs[eventType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Close drops all subscribers.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]subscriber)
	return nil
}
