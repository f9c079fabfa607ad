package topology

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeforge/minefleet/pkg/configgen"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	running  map[string]bool
	starts   []string
	stops    []string
	restarts []string
	skips    []bool
	startErr error
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{running: make(map[string]bool)}
}

func (f *fakeLifecycle) Start(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, id)
	f.running[id] = true
	return nil
}

func (f *fakeLifecycle) Stop(id string, skipBackends bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	f.skips = append(f.skips, skipBackends)
	f.running[id] = false
	return nil
}

func (f *fakeLifecycle) Restart(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return nil
}

func (f *fakeLifecycle) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

type fakeDownloader struct {
	calls []string
	err   error
}

func (f *fakeDownloader) Download(kind types.Kind, version, workspace string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, workspace)
	return os.WriteFile(filepath.Join(workspace, kind.JarName()), []byte("jar"), 0o644)
}

func newFixture(t *testing.T) (*registry.Store, *Coordinator, *fakeLifecycle, *fakeDownloader) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "data"), filepath.Join(dir, "servers"))
	require.NoError(t, err)

	lc := newFakeLifecycle()
	dl := &fakeDownloader{}
	coord := New(reg, lc, dl)
	coord.stagger = 0
	coord.settle = 0
	coord.secretSyncDelay = 0
	return reg, coord, lc, dl
}

func createInstance(t *testing.T, reg *registry.Store, name string, kind types.Kind, port uint16) *types.Instance {
	t.Helper()
	inst, err := reg.Create(types.InstanceSpec{
		Name:         name,
		Kind:         kind,
		Version:      "1.21.4",
		Port:         port,
		RconPort:     port + 10000,
		RconPassword: "secret",
		Memory:       "1G",
	}, "owner-1")
	require.NoError(t, err)
	return inst
}

func TestVelocityPlaceholderSwap(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	// The freshly written config routes to the seeded placeholder.
	edges, err := coord.ListBackends(proxy.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, configgen.PlaceholderBackend, edges[0].Name)

	err = coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"})
	require.NoError(t, err)

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	require.NoError(t, err)
	servers := configgen.VelocityServers(doc)
	assert.Equal(t, "0.0.0.0:25566", servers["survival"])
	assert.NotContains(t, servers, configgen.PlaceholderBackend)
	assert.Equal(t, []string{"survival"}, configgen.VelocityTry(doc))

	edges, err = coord.ListBackends(proxy.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Default)
}

func TestVelocitySecondBackendKeepsTry(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"}))
	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "creative", Address: "0.0.0.0:25567"}))

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.Equal(t, []string{"survival"}, configgen.VelocityTry(doc))
	assert.Len(t, configgen.VelocityServerNames(doc), 2)
}

func TestVelocityAddDuplicateConflict(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"}))
	err := coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25567"})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestVelocitySetDefaultAndRemove(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"}))
	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "creative", Address: "0.0.0.0:25567"}))

	require.NoError(t, coord.SetDefault(proxy.ID, "creative"))
	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.Equal(t, "creative", configgen.VelocityTry(doc)[0])

	require.NoError(t, coord.RemoveBackend(proxy.ID, "creative"))
	doc, err = configgen.LoadVelocityConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.NotContains(t, configgen.VelocityServers(doc), "creative")
	assert.NotContains(t, configgen.VelocityTry(doc), "creative")

	err = coord.RemoveBackend(proxy.ID, "creative")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBungeeBackendRoundTrip(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindBungeecord, 25565)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{
		Name:    "survival",
		Address: "0.0.0.0:25566",
		MOTD:    "Survival",
		Default: true,
	}))

	edges, err := coord.ListBackends(proxy.ID)
	require.NoError(t, err)

	var found *types.BackendEdge
	for i := range edges {
		if edges[i].Name == "survival" {
			found = &edges[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "0.0.0.0:25566", found.Address)
	assert.Equal(t, "Survival", found.MOTD)
	assert.True(t, found.Default)

	require.NoError(t, coord.UpdateBackend(proxy.ID, "survival", types.BackendEdge{
		Address:    "0.0.0.0:25570",
		Restricted: true,
	}))
	cfg, err := configgen.LoadBungeeConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:25570", cfg.Servers["survival"].Address)
	assert.True(t, cfg.Servers["survival"].Restricted)

	require.NoError(t, coord.RemoveBackend(proxy.ID, "survival"))
	cfg, err = configgen.LoadBungeeConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.NotContains(t, cfg.Servers, "survival")
	assert.NotContains(t, cfg.Listeners[0].Priorities, "survival")
}

func TestBackendOpsRejectNonProxy(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	game := createInstance(t, reg, "survival", types.KindPaper, 25566)

	_, err := coord.ListBackends(game.ID)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	err = coord.AddBackend(game.ID, types.BackendEdge{Name: "x", Address: "0.0.0.0:25567"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestCascadeStartSkipsRunning(t *testing.T) {
	reg, coord, lc, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)
	survival := createInstance(t, reg, "survival", types.KindPaper, 25566)
	creative := createInstance(t, reg, "creative", types.KindPaper, 25567)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"}))
	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "creative", Address: "0.0.0.0:25567"}))

	lc.running[survival.ID] = true
	require.NoError(t, coord.CascadeStart(proxy.ID))
	assert.Equal(t, []string{creative.ID}, lc.starts)

	// A second cascade is a no-op once everything runs.
	lc.starts = nil
	require.NoError(t, coord.CascadeStart(proxy.ID))
	assert.Empty(t, lc.starts)
}

func TestCascadeStartIgnoresUnresolvedEdges(t *testing.T) {
	reg, coord, lc, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	// Only the placeholder edge exists; it resolves to no instance.
	require.NoError(t, coord.CascadeStart(proxy.ID))
	assert.Empty(t, lc.starts)
}

func TestCascadeStopPassesSkipBackends(t *testing.T) {
	reg, coord, lc, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)
	survival := createInstance(t, reg, "survival", types.KindPaper, 25566)

	require.NoError(t, coord.AddBackend(proxy.ID, types.BackendEdge{Name: "survival", Address: "0.0.0.0:25566"}))
	lc.running[survival.ID] = true

	require.NoError(t, coord.CascadeStop(proxy.ID))
	require.Equal(t, []string{survival.ID}, lc.stops)
	assert.Equal(t, []bool{true}, lc.skips)
}

func TestCreateAndAdoptVelocity(t *testing.T) {
	reg, coord, lc, dl := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	// Simulate a proxy that already wrote its forwarding secret.
	lc.running[proxy.ID] = true
	secretPath := filepath.Join(proxy.Workspace, configgen.ForwardingSecretFile)
	require.NoError(t, os.WriteFile(secretPath, []byte("real-secret\n"), 0o600))

	backend, err := coord.CreateAndAdopt(proxy.ID, AdoptSpec{
		Name:    "survival",
		Kind:    types.KindPaper,
		Version: "1.21.4",
		Port:    25566,
	})
	require.NoError(t, err)
	assert.Equal(t, proxy.OwnerID, backend.OwnerID)
	assert.Equal(t, uint16(26566), backend.RconPort)
	require.Len(t, dl.calls, 1)

	// The backend defers authentication to the proxy.
	mode, err := configgen.GetServerProperty(backend.Workspace, "online-mode")
	require.NoError(t, err)
	assert.Equal(t, "false", mode)

	secret, err := configgen.ReadPaperGlobalSecret(backend.Workspace)
	require.NoError(t, err)
	assert.Equal(t, "real-secret", secret)

	doc, err := configgen.LoadVelocityConfig(proxy.Workspace)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:25566", configgen.VelocityServers(doc)["survival"])
	assert.Equal(t, []string{"survival"}, configgen.VelocityTry(doc))

	assert.Equal(t, []string{proxy.ID}, lc.restarts)
}

func TestCreateAndAdoptBungee(t *testing.T) {
	reg, coord, lc, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindBungeecord, 25565)

	backend, err := coord.CreateAndAdopt(proxy.ID, AdoptSpec{
		Name:    "survival",
		Kind:    types.KindPaper,
		Version: "1.21.4",
		Port:    25566,
	})
	require.NoError(t, err)

	// Spigot-side forwarding is enabled for the bungee family.
	data, err := os.ReadFile(filepath.Join(backend.Workspace, "spigot.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "bungeecord: true")

	// Stopped proxy, no restart.
	assert.Empty(t, lc.restarts)
}

func TestCreateAndAdoptValidation(t *testing.T) {
	reg, coord, _, _ := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)

	_, err := coord.CreateAndAdopt(proxy.ID, AdoptSpec{Name: "x", Kind: types.KindVelocity, Port: 25566})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = coord.CreateAndAdopt(proxy.ID, AdoptSpec{Name: "x", Kind: types.KindPaper, Port: 80})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = coord.CreateAndAdopt(proxy.ID, AdoptSpec{Name: "x", Kind: types.KindPaper, Port: 65000})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestCreateAndAdoptDownloadRollback(t *testing.T) {
	reg, coord, _, dl := newFixture(t)
	proxy := createInstance(t, reg, "edge", types.KindVelocity, 25565)
	dl.err = os.ErrDeadlineExceeded

	_, err := coord.CreateAndAdopt(proxy.ID, AdoptSpec{
		Name: "survival",
		Kind: types.KindPaper,
		Port: 25566,
	})
	require.ErrorIs(t, err, types.ErrDownload)

	_, err = reg.GetByPort(25566)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
