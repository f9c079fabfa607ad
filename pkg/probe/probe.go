package probe

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

const (
	// ProbeInterval is the per-proxy polling period.
	ProbeInterval = 30 * time.Second
	// DialTimeout bounds each backend connect attempt.
	DialTimeout = 3 * time.Second
)

// BackendLister resolves a proxy's backend edge set from disk.
type BackendLister interface {
	ListBackends(proxyID string) ([]types.BackendEdge, error)
}

// Commander issues a single RCON command against an instance.
type Commander interface {
	ExecInstance(inst *types.Instance, command string) (string, error)
}

// Prober polls backend edges of running proxies and caches the results.
type Prober struct {
	registry *registry.Store
	backends BackendLister
	rcon     Commander
	bus      *events.Bus

	interval    time.Duration
	dialTimeout time.Duration

	mu    sync.Mutex
	cache map[string][]types.BackendStatus
	loops map[string]chan struct{}

	sub    *events.Subscriber
	logger zerolog.Logger
}

// New creates a prober over the given registry, edge lister, and RCON
// channel.
func New(reg *registry.Store, backends BackendLister, rcon Commander, bus *events.Bus) *Prober {
	return &Prober{
		registry:    reg,
		backends:    backends,
		rcon:        rcon,
		bus:         bus,
		interval:    ProbeInterval,
		dialTimeout: DialTimeout,
		cache:       make(map[string][]types.BackendStatus),
		loops:       make(map[string]chan struct{}),
		logger:      log.WithComponent("probe"),
	}
}

// Start subscribes to lifecycle transitions and begins managing
// per-proxy probe loops.
func (p *Prober) Start() {
	p.sub = p.bus.Subscribe("server.*.status")
	go p.watch()
}

// Stop unsubscribes from the bus and stops every probe loop.
func (p *Prober) Stop() {
	if p.sub != nil {
		p.bus.Unsubscribe(p.sub)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, stop := range p.loops {
		close(stop)
		delete(p.loops, id)
	}
}

// watch starts a loop when a proxy transitions to running and stops it
// on any other transition.
func (p *Prober) watch() {
	for event := range p.sub.C() {
		change, ok := event.Payload.(events.StatusChange)
		if !ok || !change.Kind.IsProxy() {
			continue
		}
		if change.Status == types.StatusRunning {
			p.startLoop(change.InstanceID)
		} else {
			p.stopLoop(change.InstanceID)
		}
	}
}

func (p *Prober) startLoop(proxyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.loops[proxyID]; running {
		return
	}
	stop := make(chan struct{})
	p.loops[proxyID] = stop
	go p.probeLoop(proxyID, stop)
	p.logger.Debug().Str("proxy_id", proxyID).Msg("probe loop started")
}

func (p *Prober) stopLoop(proxyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, running := p.loops[proxyID]; running {
		close(stop)
		delete(p.loops, proxyID)
		delete(p.cache, proxyID)
		p.logger.Debug().Str("proxy_id", proxyID).Msg("probe loop stopped")
	}
}

func (p *Prober) probeLoop(proxyID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeOnce(proxyID)
	for {
		select {
		case <-ticker.C:
			p.probeOnce(proxyID)
		case <-stop:
			return
		}
	}
}

// probeOnce re-reads the edge set from disk, probes every edge, caches
// the result, and publishes it.
func (p *Prober) probeOnce(proxyID string) {
	edges, err := p.backends.ListBackends(proxyID)
	if err != nil {
		p.logger.Warn().Err(err).Str("proxy_id", proxyID).Msg("backend listing failed")
		return
	}

	statuses := make([]types.BackendStatus, 0, len(edges))
	for _, edge := range edges {
		statuses = append(statuses, p.ping(edge))
	}

	p.mu.Lock()
	if _, running := p.loops[proxyID]; !running {
		p.mu.Unlock()
		return
	}
	p.cache[proxyID] = statuses
	p.mu.Unlock()

	p.bus.Publish(events.Event{
		Topic: events.ProxyStatusTopic(proxyID),
		Type:  events.EventProxyStatus,
		Payload: events.ProxyStatus{
			ProxyID:  proxyID,
			Backends: statuses,
		},
	})
}

// ping connects to the edge, sends a handshake and status request, and
// records the elapsed time. A refused or timed-out connect marks the
// edge offline with the elapsed wait as latency.
func (p *Prober) ping(edge types.BackendEdge) types.BackendStatus {
	status := types.BackendStatus{
		Name:      edge.Name,
		Address:   edge.Address,
		CheckedAt: time.Now().UTC(),
	}

	start := time.Now()
	conn, err := net.DialTimeout("tcp", edge.Address, p.dialTimeout)
	status.Latency = time.Since(start)
	if err != nil {
		return status
	}
	defer conn.Close()

	status.Online = true
	if frame, err := statusHandshake(edge.Address); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(p.dialTimeout))
		_, _ = conn.Write(frame)
	}
	return status
}

// Backends returns the cached edge statuses for a proxy. The second
// return is false when no probe loop has populated the cache yet.
func (p *Prober) Backends(proxyID string) ([]types.BackendStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses, ok := p.cache[proxyID]
	if !ok {
		return nil, false
	}
	out := make([]types.BackendStatus, len(statuses))
	copy(out, statuses)
	return out, true
}
