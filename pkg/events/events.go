package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cubeforge/minefleet/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventConsoleLine    EventType = "console.line"
	EventStatusChange   EventType = "status.change"
	EventResourceSample EventType = "resource.sample"
	EventPlayerJoin     EventType = "player.join"
	EventPlayerLeave    EventType = "player.leave"
	EventProxyStatus    EventType = "proxy.status"
	EventSystemStats    EventType = "system.stats"
	EventBackupDone     EventType = "backup.done"
	EventBackupFailed   EventType = "backup.failed"
)

// Event is a single bus message. Payload holds one of the typed payload
// structs below depending on Type.
type Event struct {
	Topic     string
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// ConsoleLine is the payload for console output events
type ConsoleLine struct {
	InstanceID string `json:"serverId"`
	Stream     string `json:"type"` // "stdout" or "stderr"
	Line       string `json:"message"`
}

// StatusChange is the payload for lifecycle transition events
type StatusChange struct {
	InstanceID string       `json:"serverId"`
	Name       string       `json:"name"`
	Kind       types.Kind   `json:"kind"`
	Status     types.Status `json:"status"`
	ExitCode   *int         `json:"exitCode,omitempty"`
}

// ResourceSample is the payload for per-instance telemetry events
type ResourceSample struct {
	InstanceID string             `json:"serverId"`
	Process    types.ProcessStats `json:"process"`
	TPS        float64            `json:"tps"`
}

// PlayerEvent is the payload for join/leave events scanned from stdout
type PlayerEvent struct {
	InstanceID string `json:"serverId"`
	Player     string `json:"player"`
}

// ProxyStatus is the payload for backend liveness events
type ProxyStatus struct {
	ProxyID  string                `json:"proxyId"`
	Backends []types.BackendStatus `json:"backends"`
}

// BackupEvent is the payload for backup completion and failure events
type BackupEvent struct {
	InstanceID string `json:"serverId"`
	BackupID   string `json:"backupId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Topic constructors. Subscription patterns may replace the id segment
// with "*" to match every instance.
func ConsoleTopic(id string) string { return fmt.Sprintf("server.%s.console", id) }
func StatusTopic(id string) string  { return fmt.Sprintf("server.%s.status", id) }
func ResourceTopic(id string) string {
	return fmt.Sprintf("server.%s.resource", id)
}
func ProxyStatusTopic(id string) string { return fmt.Sprintf("proxy.%s.status", id) }

// SystemStatsTopic is the global host telemetry topic
const SystemStatsTopic = "system.stats"

// TopicMatches reports whether a concrete topic matches a subscription
// pattern. Patterns are dot-separated; a "*" segment matches any single
// segment.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// Subscriber receives events for its subscribed topic patterns. Its
// queue is bounded; when full the oldest undelivered event is dropped.
type Subscriber struct {
	ch       chan Event
	patterns []string
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) matches(topic string) bool {
	for _, p := range s.patterns {
		if TopicMatches(p, topic) {
			return true
		}
	}
	return false
}

// Bus manages topic-keyed event subscriptions and distribution.
// Delivery is per-topic FIFO; cross-topic ordering is not guaranteed.
type Bus struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]bool),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's event distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription covering the given topic patterns
func (b *Bus) Subscribe(patterns ...string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ch:       make(chan Event, 64),
		patterns: patterns,
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish enqueues an event for distribution to matching subscribers
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.matches(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Queue full: drop the oldest event to make room. The
			// retried send may still lose a race with the consumer,
			// in which case the event is dropped instead.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
