package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubBus distributes events across replicas over a Google Cloud Pub/Sub
// topic, while the embedded LocalBus keeps in-process fan-out immediate.
// Each process owns a throwaway subscription on the shared topic so every
// replica receives every event; the receive loop filters self-published
// messages by event id, like the Redis variant. Publish errors on the
// Pub/Sub leg are logged, not returned; local delivery must not depend on
// Google availability.
type PubSubBus struct {
	*LocalBus

	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *log.Logger

	selfCancel context.CancelFunc
	seen       *recentIDs
}

// NewPubSubBus connects to the project, ensures the topic exists, creates a
// per-process subscription and starts the receive loop.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	setupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(setupCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client for %s: %w", projectID, err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(setupCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		if topic, err = client.CreateTopic(setupCtx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic %s: %w", topicID, err)
		}
	}

	// Per-process subscription; the expiration policy garbage-collects
	// subscriptions left behind by replicas that died without Close.
	subID := fmt.Sprintf("%s-%s", topicID, uuid.NewString()[:8])
	sub, err := client.CreateSubscription(setupCtx, subID, pubsub.SubscriptionConfig{
		Topic:            topic,
		AckDeadline:      10 * time.Second,
		ExpirationPolicy: 24 * time.Hour,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create subscription %s: %w", subID, err)
	}

	receiveCtx, receiveCancel := context.WithCancel(context.Background())
	b := &PubSubBus{
		LocalBus:   NewLocalBus(),
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     log.New(log.Writer(), "[EVENTS:PUBSUB] ", log.LstdFlags),
		selfCancel: receiveCancel,
		seen:       newRecentIDs(512),
	}
	go b.receive(receiveCtx)

	b.logger.Printf("connected to projects/%s/topics/%s (subscription %s)", projectID, topicID, subID)
	return b, nil
}

// Publish sends the event to Pub/Sub and to local subscribers.
func (b *PubSubBus) Publish(ctx context.Context, event Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	b.seen.add(event.ID)
	result := b.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":    event.Type,
			"subject": event.Subject,
		},
	})
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(waitCtx); err != nil {
			b.logger.Printf("publish %s failed: %v", event.Type, err)
		}
	}()

	return b.LocalBus.Publish(ctx, event)
}

func (b *PubSubBus) receive(ctx context.Context) {
	err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		b.handleRemote(ctx, msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Printf("receive stopped: %v", err)
	}
}

// handleRemote fans a payload from the wire out to local subscribers,
// dropping malformed envelopes and events this process published itself.
func (b *PubSubBus) handleRemote(ctx context.Context, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Printf("drop malformed payload: %v", err)
		return
	}
	if b.seen.has(event.ID) {
		return
	}
	b.LocalBus.Publish(ctx, event)
}

// Close stops the receive loop, deletes the per-process subscription,
// flushes pending publishes and releases the client.
func (b *PubSubBus) Close() error {
	b.selfCancel()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.sub.Delete(cleanupCtx); err != nil {
		b.logger.Printf("delete subscription: %v", err)
	}

	b.topic.Stop()
	b.LocalBus.Close()
	return b.client.Close()
}
