package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"exact", "server.abc.console", "server.abc.console", true},
		{"wildcard id", "server.*.status", "server.abc.status", true},
		{"wildcard mismatch suffix", "server.*.status", "server.abc.console", false},
		{"different length", "server.*", "server.abc.status", false},
		{"global topic", "system.stats", "system.stats", true},
		{"proxy wildcard", "proxy.*.status", "proxy.p1.status", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.pattern, tt.topic))
		})
	}
}

func TestBusDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("server.abc.console")
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{
		Topic:   ConsoleTopic("abc"),
		Type:    EventConsoleLine,
		Payload: ConsoleLine{InstanceID: "abc", Stream: "stdout", Line: "hello"},
	})
	bus.Publish(Event{
		Topic:   ConsoleTopic("other"),
		Type:    EventConsoleLine,
		Payload: ConsoleLine{InstanceID: "other", Stream: "stdout", Line: "nope"},
	})

	select {
	case ev := <-sub.C():
		line, ok := ev.Payload.(ConsoleLine)
		require.True(t, ok)
		assert.Equal(t, "hello", line.Line)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected event was not delivered")
	}

	// The non-matching topic must not arrive.
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event on topic %s", ev.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusPerTopicOrdering(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("server.s1.console")
	defer bus.Unsubscribe(sub)

	lines := []string{"one", "two", "three", "four"}
	for _, l := range lines {
		bus.Publish(Event{
			Topic:   ConsoleTopic("s1"),
			Type:    EventConsoleLine,
			Payload: ConsoleLine{InstanceID: "s1", Line: l},
		})
	}

	for _, want := range lines {
		select {
		case ev := <-sub.C():
			assert.Equal(t, want, ev.Payload.(ConsoleLine).Line)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %q", want)
		}
	}
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("server.s1.console")
	defer bus.Unsubscribe(sub)

	// Overflow the per-subscriber queue without consuming.
	total := 200
	for i := 0; i < total; i++ {
		bus.Publish(Event{
			Topic:   ConsoleTopic("s1"),
			Type:    EventConsoleLine,
			Payload: ConsoleLine{InstanceID: "s1", Line: "x"},
		})
	}

	// Give the broadcast goroutine time to drain the publish queue.
	time.Sleep(200 * time.Millisecond)

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}

	assert.Greater(t, received, 0)
	assert.Less(t, received, total, "slow subscriber must drop events")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("system.stats")
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)

	// Unsubscribing twice must not panic.
	bus.Unsubscribe(sub)
}
