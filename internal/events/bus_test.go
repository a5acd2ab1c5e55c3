package events

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within a second")
		return Event{}
	}
}

func TestLocalBus_DeliversToTypeSubscriber(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(TypeConfigPlanSwitched, func(e Event) { got <- e })

	err := bus.Publish(context.Background(),
		New(TypeConfigPlanSwitched, "scheduler", map[string]string{"plan": "fast"}))
	require.NoError(t, err)

	e := collectOne(t, got)
	assert.Equal(t, TypeConfigPlanSwitched, e.Type)
	assert.Equal(t, "fast", e.Data["plan"])
	assert.NotEmpty(t, e.ID)
}

func TestLocalBus_TypeFilterAndFirehose(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var mu sync.Mutex
	byType := map[string]int{}
	all := 0
	done := make(chan struct{}, 4)

	bus.Subscribe(TypeLoaderApproved, func(e Event) {
		mu.Lock()
		byType[e.Type]++
		mu.Unlock()
		done <- struct{}{}
	})
	bus.Subscribe("", func(Event) {
		mu.Lock()
		all++
		mu.Unlock()
		done <- struct{}{}
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, New(TypeLoaderApproved, "L1", nil)))
	require.NoError(t, bus.Publish(ctx, New(TypeBackfillSubmitted, "L1", nil)))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("deliveries incomplete")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, byType[TypeLoaderApproved])
	assert.Equal(t, 2, all)
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan Event, 2)
	unsub := bus.Subscribe(TypeGapDetected, func(e Event) { got <- e })

	require.NoError(t, bus.Publish(context.Background(), New(TypeGapDetected, "L1", nil)))
	collectOne(t, got)

	unsub()
	require.NoError(t, bus.Publish(context.Background(), New(TypeGapDetected, "L1", nil)))

	select {
	case <-got:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(TypeLoaderRejected, func(Event) { panic("boom") })
	bus.Subscribe(TypeLoaderRejected, func(e Event) { got <- e })

	require.NoError(t, bus.Publish(context.Background(), New(TypeLoaderRejected, "L1", nil)))
	collectOne(t, got)
}

func TestPubSubBus_RemotePayloadReachesLocalSubscribers(t *testing.T) {
	b := &PubSubBus{
		LocalBus: NewLocalBus(),
		logger:   log.New(log.Writer(), "[EVENTS:PUBSUB] ", log.LstdFlags),
		seen:     newRecentIDs(8),
	}
	defer b.LocalBus.Close()

	got := make(chan Event, 2)
	b.Subscribe(TypeConfigPlanSwitched, func(e Event) { got <- e })

	remote := New(TypeConfigPlanSwitched, "scheduler", map[string]string{"plan": "slow"})
	payload, err := remote.JSON()
	require.NoError(t, err)

	// A message published by another replica fans out locally once.
	b.handleRemote(context.Background(), payload)
	e := collectOne(t, got)
	assert.Equal(t, remote.ID, e.ID)
	assert.Equal(t, "slow", e.Data["plan"])

	// Our own message echoed back from the wire is dropped, and malformed
	// payloads never reach subscribers.
	b.seen.add(remote.ID)
	b.handleRemote(context.Background(), payload)
	b.handleRemote(context.Background(), []byte("{not json"))
	select {
	case <-got:
		t.Fatal("self-published or malformed payload was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewLocalBus()
	bus.Subscribe("", func(Event) { t.Fatal("should not deliver") })
	require.NoError(t, bus.Close())
	assert.NoError(t, bus.Publish(context.Background(), New(TypeGapDetected, "L1", nil)))
	time.Sleep(50 * time.Millisecond)
}
