package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across replicas over Redis Pub/Sub, while
// also fanning out in-process through an embedded LocalBus so co-located
// subscribers see their own events without a network round trip. The
// subscriber goroutine filters out self-published messages by event id.
type RedisBus struct {
	*LocalBus

	client  *redis.Client
	channel string
	logger  *log.Logger

	selfCancel context.CancelFunc
	seen       *recentIDs
}

// NewRedisBus connects and starts the receive loop.
func NewRedisBus(addr, password string, db int, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = "etlmon:events"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	b := &RedisBus{
		LocalBus:   NewLocalBus(),
		client:     client,
		channel:    channel,
		logger:     log.New(log.Writer(), "[EVENTS:REDIS] ", log.LstdFlags),
		selfCancel: cancel,
		seen:       newRecentIDs(512),
	}
	go b.receive(ctx)

	b.logger.Printf("connected to %s, channel %s", addr, channel)
	return b, nil
}

// Publish sends the event to Redis and to local subscribers.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	b.seen.add(event.ID)
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", event.Type, err)
	}
	return b.LocalBus.Publish(ctx, event)
}

func (b *RedisBus) receive(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Printf("receive failed: %v", err)
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Printf("drop malformed payload: %v", err)
			continue
		}
		// Locally published events already fanned out.
		if b.seen.has(event.ID) {
			continue
		}
		b.LocalBus.Publish(ctx, event)
	}
}

// Close stops the receive loop and releases the client.
func (b *RedisBus) Close() error {
	b.selfCancel()
	b.LocalBus.Close()
	return b.client.Close()
}

// recentIDs is a fixed-size ring of recently published event ids.
type recentIDs struct {
	mu   sync.Mutex
	ids  []string
	set  map[string]struct{}
	next int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		ids: make([]string, size),
		set: make(map[string]struct{}, size),
	}
}

func (r *recentIDs) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}

func (r *recentIDs) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}
