package topology

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/configgen"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

// Lifecycle is the supervisor port the coordinator drives during
// cascades and adoption.
type Lifecycle interface {
	Start(id string) error
	Stop(id string, skipBackends bool) error
	Restart(id string) error
	IsRunning(id string) bool
}

// Downloader is the artifact-acquisition port; implementations fetch
// the kind-specific jar into a workspace.
type Downloader interface {
	Download(kind types.Kind, version, workspace string) error
}

// placeholderSecret seeds an adopted backend until the proxy has
// written its real forwarding secret.
const placeholderSecret = "minefleet-pending-secret"

// Coordinator owns proxy↔backend composition
type Coordinator struct {
	registry   *registry.Store
	lifecycle  Lifecycle
	downloader Downloader

	// stagger sits between consecutive cascaded backend transitions;
	// settle lets game ticks stabilize after a cascaded start.
	stagger         time.Duration
	settle          time.Duration
	secretSyncDelay time.Duration

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger zerolog.Logger
}

// New creates a coordinator over the given registry and ports.
func New(reg *registry.Store, lifecycle Lifecycle, downloader Downloader) *Coordinator {
	return &Coordinator{
		registry:        reg,
		lifecycle:       lifecycle,
		downloader:      downloader,
		stagger:         500 * time.Millisecond,
		settle:          5 * time.Second,
		secretSyncDelay: 3 * time.Second,
		locks:           make(map[string]*sync.Mutex),
		logger:          log.WithComponent("topology"),
	}
}

// proxyLock returns the per-proxy mutex guarding config read-modify-write.
func (c *Coordinator) proxyLock(proxyID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[proxyID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[proxyID] = l
	}
	return l
}

func (c *Coordinator) proxy(proxyID string) (*types.Instance, error) {
	inst, err := c.registry.Get(proxyID)
	if err != nil {
		return nil, err
	}
	if !inst.Kind.IsProxy() {
		return nil, fmt.Errorf("instance %s is not a proxy: %w", proxyID, types.ErrInvalidArgument)
	}
	return inst, nil
}

// ListBackends reconstructs the backend edge set from the proxy's
// on-disk config.
func (c *Coordinator) ListBackends(proxyID string) ([]types.BackendEdge, error) {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return nil, err
	}
	if proxy.Kind.IsBungeeFamily() {
		return listBungeeBackends(proxy.Workspace)
	}
	return listVelocityBackends(proxy.Workspace)
}

func listBungeeBackends(dir string) ([]types.BackendEdge, error) {
	cfg, err := configgen.LoadBungeeConfig(dir)
	if err != nil {
		return nil, err
	}

	defaultName := ""
	if len(cfg.Listeners) > 0 && len(cfg.Listeners[0].Priorities) > 0 {
		defaultName = cfg.Listeners[0].Priorities[0]
	}

	edges := make([]types.BackendEdge, 0, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		edges = append(edges, types.BackendEdge{
			Name:       name,
			Address:    srv.Address,
			MOTD:       srv.MOTD,
			Restricted: srv.Restricted,
			Default:    name == defaultName,
		})
	}
	return edges, nil
}

func listVelocityBackends(dir string) ([]types.BackendEdge, error) {
	doc, err := configgen.LoadVelocityConfig(dir)
	if err != nil {
		return nil, err
	}

	try := configgen.VelocityTry(doc)
	defaultName := ""
	if len(try) > 0 {
		defaultName = try[0]
	}

	servers := configgen.VelocityServers(doc)
	var edges []types.BackendEdge
	for _, name := range configgen.VelocityServerNames(doc) {
		addr, _ := servers[name].(string)
		edges = append(edges, types.BackendEdge{
			Name:    name,
			Address: addr,
			Default: name == defaultName,
		})
	}
	return edges, nil
}

// AddBackend inserts an edge into the proxy config. For velocity, the
// first real backend atomically replaces the placeholder entry and
// becomes the sole try target; velocity refuses to start with an empty
// try list, which is the whole point of the placeholder.
func (c *Coordinator) AddBackend(proxyID string, edge types.BackendEdge) error {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return err
	}

	l := c.proxyLock(proxyID)
	l.Lock()
	defer l.Unlock()

	if proxy.Kind.IsBungeeFamily() {
		return addBungeeBackend(proxy.Workspace, edge)
	}
	return addVelocityBackend(proxy.Workspace, edge)
}

func addBungeeBackend(dir string, edge types.BackendEdge) error {
	cfg, err := configgen.LoadBungeeConfig(dir)
	if err != nil {
		return err
	}
	if _, exists := cfg.Servers[edge.Name]; exists {
		return fmt.Errorf("backend %q already exists: %w", edge.Name, types.ErrConflict)
	}

	cfg.Servers[edge.Name] = configgen.BungeeServer{
		Address:    edge.Address,
		MOTD:       edge.MOTD,
		Restricted: edge.Restricted,
	}
	if edge.Default && len(cfg.Listeners) > 0 {
		cfg.Listeners[0].Priorities = prepend(cfg.Listeners[0].Priorities, edge.Name)
	}
	return configgen.SaveBungeeConfig(dir, cfg)
}

func addVelocityBackend(dir string, edge types.BackendEdge) error {
	doc, err := configgen.LoadVelocityConfig(dir)
	if err != nil {
		return err
	}
	servers := configgen.VelocityServers(doc)
	placeholderOnly := onlyPlaceholder(doc)
	if _, exists := servers[edge.Name]; exists && !placeholderOnly {
		return fmt.Errorf("backend %q already exists: %w", edge.Name, types.ErrConflict)
	}

	if placeholderOnly {
		delete(servers, configgen.PlaceholderBackend)
		servers[edge.Name] = edge.Address
		configgen.SetVelocityTry(doc, []string{edge.Name})
	} else {
		servers[edge.Name] = edge.Address
		if edge.Default {
			configgen.SetVelocityTry(doc, prepend(remove(configgen.VelocityTry(doc), edge.Name), edge.Name))
		}
	}
	return configgen.SaveVelocityConfig(dir, doc)
}

// onlyPlaceholder reports whether the velocity [servers] table still
// holds nothing but the seeded placeholder.
func onlyPlaceholder(doc map[string]any) bool {
	names := configgen.VelocityServerNames(doc)
	return len(names) == 1 && names[0] == configgen.PlaceholderBackend
}

// UpdateBackend rewrites an existing edge's address, MOTD, and
// restricted flag.
func (c *Coordinator) UpdateBackend(proxyID, name string, edge types.BackendEdge) error {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return err
	}

	l := c.proxyLock(proxyID)
	l.Lock()
	defer l.Unlock()

	if proxy.Kind.IsBungeeFamily() {
		cfg, err := configgen.LoadBungeeConfig(proxy.Workspace)
		if err != nil {
			return err
		}
		if _, exists := cfg.Servers[name]; !exists {
			return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
		}
		cfg.Servers[name] = configgen.BungeeServer{
			Address:    edge.Address,
			MOTD:       edge.MOTD,
			Restricted: edge.Restricted,
		}
		return configgen.SaveBungeeConfig(proxy.Workspace, cfg)
	}

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	if err != nil {
		return err
	}
	servers := configgen.VelocityServers(doc)
	if _, exists := servers[name]; !exists || name == "try" {
		return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
	}
	servers[name] = edge.Address
	return configgen.SaveVelocityConfig(proxy.Workspace, doc)
}

// RemoveBackend deletes an edge and scrubs it from the routing order.
func (c *Coordinator) RemoveBackend(proxyID, name string) error {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return err
	}

	l := c.proxyLock(proxyID)
	l.Lock()
	defer l.Unlock()

	if proxy.Kind.IsBungeeFamily() {
		cfg, err := configgen.LoadBungeeConfig(proxy.Workspace)
		if err != nil {
			return err
		}
		if _, exists := cfg.Servers[name]; !exists {
			return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
		}
		delete(cfg.Servers, name)
		for i := range cfg.Listeners {
			cfg.Listeners[i].Priorities = remove(cfg.Listeners[i].Priorities, name)
		}
		return configgen.SaveBungeeConfig(proxy.Workspace, cfg)
	}

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	if err != nil {
		return err
	}
	servers := configgen.VelocityServers(doc)
	if _, exists := servers[name]; !exists || name == "try" {
		return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
	}
	delete(servers, name)
	configgen.SetVelocityTry(doc, remove(configgen.VelocityTry(doc), name))
	return configgen.SaveVelocityConfig(proxy.Workspace, doc)
}

// SetDefault promotes an edge to the head of the routing order: the
// listener priorities for the bungee family, the try list for velocity
// (which has no per-edge default flag upstream).
func (c *Coordinator) SetDefault(proxyID, name string) error {
	proxy, err := c.proxy(proxyID)
	if err != nil {
		return err
	}

	l := c.proxyLock(proxyID)
	l.Lock()
	defer l.Unlock()

	if proxy.Kind.IsBungeeFamily() {
		cfg, err := configgen.LoadBungeeConfig(proxy.Workspace)
		if err != nil {
			return err
		}
		if _, exists := cfg.Servers[name]; !exists {
			return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
		}
		for i := range cfg.Listeners {
			cfg.Listeners[i].Priorities = prepend(remove(cfg.Listeners[i].Priorities, name), name)
		}
		return configgen.SaveBungeeConfig(proxy.Workspace, cfg)
	}

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	if err != nil {
		return err
	}
	if _, exists := configgen.VelocityServers(doc)[name]; !exists || name == "try" {
		return fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
	}
	configgen.SetVelocityTry(doc, prepend(remove(configgen.VelocityTry(doc), name), name))
	return configgen.SaveVelocityConfig(proxy.Workspace, doc)
}

func prepend(list []string, name string) []string {
	return append([]string{name}, list...)
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

// edgePort extracts the numeric port from an edge address.
func edgePort(address string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", address, types.ErrInvalidArgument)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", address, types.ErrInvalidArgument)
	}
	return uint16(port), nil
}

// CascadeStart starts every backend edge that resolves to a registered
// instance, staggered to avoid a thundering herd, then waits for game
// ticks to settle. Already-running backends are skipped, making the
// cascade idempotent. Per-backend failures are logged and reported but
// never abort the remaining backends.
func (c *Coordinator) CascadeStart(proxyID string) error {
	edges, err := c.ListBackends(proxyID)
	if err != nil {
		return err
	}

	var failed []string
	started := 0
	for _, edge := range edges {
		inst, err := c.resolveEdge(edge)
		if err != nil {
			continue // placeholder or externally managed backend
		}
		if c.lifecycle.IsRunning(inst.ID) {
			continue
		}
		if started > 0 {
			time.Sleep(c.stagger)
		}
		if err := c.lifecycle.Start(inst.ID); err != nil {
			c.logger.Warn().Err(err).
				Str("proxy_id", proxyID).
				Str("backend", edge.Name).
				Msg("cascaded start failed")
			failed = append(failed, edge.Name)
			continue
		}
		started++
	}

	if started > 0 {
		time.Sleep(c.settle)
	}
	if len(failed) > 0 {
		return fmt.Errorf("backends failed to start: %v", failed)
	}
	return nil
}

// CascadeStop stops every running backend edge, staggered. Each stop
// passes skipBackends so a backend that is itself a proxy can never
// recurse into this cascade.
func (c *Coordinator) CascadeStop(proxyID string) error {
	edges, err := c.ListBackends(proxyID)
	if err != nil {
		return err
	}

	var failed []string
	stopped := 0
	for _, edge := range edges {
		inst, err := c.resolveEdge(edge)
		if err != nil {
			continue
		}
		if !c.lifecycle.IsRunning(inst.ID) {
			continue
		}
		if stopped > 0 {
			time.Sleep(c.stagger)
		}
		if err := c.lifecycle.Stop(inst.ID, true); err != nil {
			c.logger.Warn().Err(err).
				Str("proxy_id", proxyID).
				Str("backend", edge.Name).
				Msg("cascaded stop failed")
			failed = append(failed, edge.Name)
			continue
		}
		stopped++
	}

	if len(failed) > 0 {
		return fmt.Errorf("backends failed to stop: %v", failed)
	}
	return nil
}

// resolveEdge maps an edge to a registered instance by declared port.
func (c *Coordinator) resolveEdge(edge types.BackendEdge) (*types.Instance, error) {
	port, err := edgePort(edge.Address)
	if err != nil {
		return nil, err
	}
	return c.registry.GetByPort(port)
}
