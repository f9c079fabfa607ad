package notifier

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

const (
	// WebhooksFile is the persisted subscription table under the data
	// directory.
	WebhooksFile = "webhooks.json"
	// PostTimeout bounds each outbound delivery.
	PostTimeout = 5 * time.Second
)

// Notifier matches bus events against webhook subscriptions and POSTs
// dialect-specific payloads.
type Notifier struct {
	dataDir  string
	registry *registry.Store
	bus      *events.Bus
	client   *http.Client

	mu   sync.Mutex
	subs map[string]*types.WebhookSubscription

	busSub *events.Subscriber
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Open loads the subscription table from dataDir.
func Open(dataDir string, reg *registry.Store, bus *events.Bus) (*Notifier, error) {
	n := &Notifier{
		dataDir:  dataDir,
		registry: reg,
		bus:      bus,
		client:   &http.Client{Timeout: PostTimeout},
		subs:     make(map[string]*types.WebhookSubscription),
		logger:   log.WithComponent("notifier"),
	}
	if err := n.load(); err != nil {
		return nil, err
	}
	return n, nil
}

// Start subscribes to lifecycle topics and begins dispatching.
func (n *Notifier) Start() {
	n.busSub = n.bus.Subscribe("server.*.status")
	go n.watch()
}

// Stop unsubscribes and waits for in-flight deliveries.
func (n *Notifier) Stop() {
	if n.busSub != nil {
		n.bus.Unsubscribe(n.busSub)
	}
	n.wg.Wait()
}

func (n *Notifier) watch() {
	for event := range n.busSub.C() {
		switch payload := event.Payload.(type) {
		case events.StatusChange:
			n.onStatusChange(payload)
		case events.PlayerEvent:
			kind := types.EventPlayerJoin
			if event.Type == events.EventPlayerLeave {
				kind = types.EventPlayerLeave
			}
			n.onInstanceEvent(payload.InstanceID, kind, map[string]any{
				"player": payload.Player,
			})
		case events.BackupEvent:
			kind := types.EventBackupComplete
			data := map[string]any{"backupId": payload.BackupID}
			if event.Type == events.EventBackupFailed {
				kind = types.EventBackupFailed
				data = map[string]any{"error": payload.Error}
			}
			n.onInstanceEvent(payload.InstanceID, kind, data)
		}
	}
}

// onStatusChange maps a lifecycle transition to a webhook event kind.
// Intermediate states never notify; a stop with a non-zero exit code is
// a crash.
func (n *Notifier) onStatusChange(change events.StatusChange) {
	var kind types.WebhookEvent
	data := map[string]any{}

	switch change.Status {
	case types.StatusRunning:
		kind = types.EventStart
	case types.StatusStopped:
		kind = types.EventStop
		if change.ExitCode != nil && *change.ExitCode != 0 {
			kind = types.EventCrash
			data["exitCode"] = *change.ExitCode
		}
	default:
		return
	}

	n.dispatch(kind, change.InstanceID, change.Name, change.Kind, data)
}

// onInstanceEvent resolves the instance row for name and kind, then
// dispatches. A deleted instance still notifies, just without them.
func (n *Notifier) onInstanceEvent(instanceID string, kind types.WebhookEvent, data map[string]any) {
	name := ""
	var instKind types.Kind
	if inst, err := n.registry.Get(instanceID); err == nil {
		name = inst.Name
		instKind = inst.Kind
	}
	n.dispatch(kind, instanceID, name, instKind, data)
}

// dispatch fans an event out to every enabled matching subscription.
// Deliveries run concurrently; failures are logged and swallowed.
func (n *Notifier) dispatch(kind types.WebhookEvent, instanceID, name string, instKind types.Kind, data map[string]any) {
	n.mu.Lock()
	var matched []types.WebhookSubscription
	for _, sub := range n.subs {
		if !sub.Enabled || !sub.Wants(kind) {
			continue
		}
		if sub.TargetID != "" && sub.TargetID != instanceID {
			continue
		}
		matched = append(matched, *sub)
	}
	n.mu.Unlock()

	for _, sub := range matched {
		body, contentType, err := buildPayload(sub.Dialect, kind, name, instKind, data)
		if err != nil {
			n.logger.Error().Err(err).Str("webhook_id", sub.ID).Msg("payload build failed")
			continue
		}
		n.wg.Add(1)
		go func(sub types.WebhookSubscription, body []byte, contentType string) {
			defer n.wg.Done()
			n.post(sub, body, contentType)
		}(sub, body, contentType)
	}
}

func (n *Notifier) post(sub types.WebhookSubscription, body []byte, contentType string) {
	resp, err := n.client.Post(sub.URL, contentType, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Err(err).Str("webhook_id", sub.ID).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn().
			Int("status", resp.StatusCode).
			Str("webhook_id", sub.ID).
			Msg("webhook rejected")
	}
}

// Create validates and persists a new subscription.
func (n *Notifier) Create(sub types.WebhookSubscription) (*types.WebhookSubscription, error) {
	if sub.URL == "" {
		return nil, fmt.Errorf("webhook url required: %w", types.ErrInvalidArgument)
	}
	switch sub.Dialect {
	case types.DialectDiscord, types.DialectGeneric:
	default:
		return nil, fmt.Errorf("webhook dialect %q: %w", sub.Dialect, types.ErrInvalidArgument)
	}
	if len(sub.Events) == 0 {
		return nil, fmt.Errorf("webhook needs at least one event: %w", types.ErrInvalidArgument)
	}

	sub.ID = uuid.New().String()
	sub.CreatedAt = time.Now().UTC()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[sub.ID] = &sub
	if err := n.saveLocked(); err != nil {
		delete(n.subs, sub.ID)
		return nil, err
	}
	out := sub
	return &out, nil
}

// Enable toggles a subscription.
func (n *Notifier) Enable(id string, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, types.ErrNotFound)
	}
	if sub.Enabled == enabled {
		return nil
	}
	sub.Enabled = enabled
	if err := n.saveLocked(); err != nil {
		sub.Enabled = !enabled
		return err
	}
	return nil
}

// Delete removes a subscription.
func (n *Notifier) Delete(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, types.ErrNotFound)
	}
	delete(n.subs, id)
	if err := n.saveLocked(); err != nil {
		n.subs[id] = sub
		return err
	}
	return nil
}

// List returns all subscriptions.
func (n *Notifier) List() []*types.WebhookSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*types.WebhookSubscription, 0, len(n.subs))
	for _, sub := range n.subs {
		s := *sub
		out = append(out, &s)
	}
	return out
}
