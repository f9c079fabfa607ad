package probe

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

type fakeLister struct {
	edges map[string][]types.BackendEdge
}

func (f *fakeLister) ListBackends(proxyID string) ([]types.BackendEdge, error) {
	return f.edges[proxyID], nil
}

type fakeCommander struct {
	reply string
	err   error
	last  string
}

func (f *fakeCommander) ExecInstance(inst *types.Instance, command string) (string, error) {
	f.last = command
	return f.reply, f.err
}

func newProbeFixture(t *testing.T) (*registry.Store, *Prober, *fakeLister, *fakeCommander, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "data"), filepath.Join(dir, "servers"))
	require.NoError(t, err)

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	lister := &fakeLister{edges: make(map[string][]types.BackendEdge)}
	cmd := &fakeCommander{}
	p := New(reg, lister, cmd, bus)
	p.interval = 50 * time.Millisecond
	p.dialTimeout = 500 * time.Millisecond
	return reg, p, lister, cmd, bus
}

// acceptLoop drains connections so pings complete their writes.
func listenTCP(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(done)
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				_, _ = c.Read(buf)
				_ = c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String(), func() {
		_ = ln.Close()
		<-done
	}
}

func TestPingOnline(t *testing.T) {
	_, p, _, _, _ := newProbeFixture(t)
	addr, stop := listenTCP(t)
	defer stop()

	status := p.ping(types.BackendEdge{Name: "survival", Address: addr})
	assert.True(t, status.Online)
	assert.Greater(t, status.Latency, time.Duration(0))
	assert.False(t, status.CheckedAt.IsZero())
}

func TestPingOffline(t *testing.T) {
	_, p, _, _, _ := newProbeFixture(t)

	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	status := p.ping(types.BackendEdge{Name: "survival", Address: addr})
	assert.False(t, status.Online)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestLoopFollowsProxyLifecycle(t *testing.T) {
	reg, p, lister, _, bus := newProbeFixture(t)
	proxy, err := reg.Create(types.InstanceSpec{
		Name:         "edge",
		Kind:         types.KindVelocity,
		Version:      "3.3.0",
		Port:         25565,
		RconPort:     25575,
		RconPassword: "secret",
		Memory:       "1G",
	}, "owner-1")
	require.NoError(t, err)

	addr, stopListener := listenTCP(t)
	defer stopListener()
	lister.edges[proxy.ID] = []types.BackendEdge{{Name: "survival", Address: addr}}

	sub := bus.Subscribe(events.ProxyStatusTopic(proxy.ID))
	defer bus.Unsubscribe(sub)

	p.Start()
	defer p.Stop()

	bus.Publish(events.Event{
		Topic: events.StatusTopic(proxy.ID),
		Type:  events.EventStatusChange,
		Payload: events.StatusChange{
			InstanceID: proxy.ID,
			Kind:       types.KindVelocity,
			Status:     types.StatusRunning,
		},
	})

	select {
	case event := <-sub.C():
		payload, ok := event.Payload.(events.ProxyStatus)
		require.True(t, ok)
		assert.Equal(t, proxy.ID, payload.ProxyID)
		require.Len(t, payload.Backends, 1)
		assert.True(t, payload.Backends[0].Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no proxy status event")
	}

	cached, ok := p.Backends(proxy.ID)
	require.True(t, ok)
	assert.Equal(t, "survival", cached[0].Name)

	bus.Publish(events.Event{
		Topic: events.StatusTopic(proxy.ID),
		Type:  events.EventStatusChange,
		Payload: events.StatusChange{
			InstanceID: proxy.ID,
			Kind:       types.KindVelocity,
			Status:     types.StatusStopped,
		},
	})

	require.Eventually(t, func() bool {
		_, ok := p.Backends(proxy.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "cache not cleared after stop")
}

func TestWatchIgnoresGameServers(t *testing.T) {
	_, p, _, _, bus := newProbeFixture(t)
	p.Start()
	defer p.Stop()

	bus.Publish(events.Event{
		Topic: events.StatusTopic("abc"),
		Type:  events.EventStatusChange,
		Payload: events.StatusChange{
			InstanceID: "abc",
			Kind:       types.KindPaper,
			Status:     types.StatusRunning,
		},
	})

	time.Sleep(100 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.loops)
}

func TestPlayerQueries(t *testing.T) {
	reg, p, _, cmd, _ := newProbeFixture(t)
	proxy, err := reg.Create(types.InstanceSpec{
		Name:         "edge",
		Kind:         types.KindBungeecord,
		Version:      "latest",
		Port:         25565,
		RconPort:     25575,
		RconPassword: "secret",
		Memory:       "1G",
	}, "owner-1")
	require.NoError(t, err)

	cmd.reply = "[lobby] (2): Alice, Bob\n[survival] (1): Carol\nTotal players online: 3"

	count, err := p.PlayerCount(proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, "glist all", cmd.last)

	list, err := p.PlayerList(proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, list["lobby"])
	assert.Equal(t, []string{"Carol"}, list["survival"])
}

func TestParsePlayerCount(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{"total footer", "Total players online: 7", 7, false},
		{"velocity phrasing", "There are 4 players currently online.", 4, false},
		{"per-server sum", "[a] (2): x, y\n[b] (3): p, q, r", 5, false},
		{"empty server", "[a] (0):", 0, false},
		{"garbage", "no players here", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePlayerCount(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusHandshakeFraming(t *testing.T) {
	frame, err := statusHandshake("127.0.0.1:25565")
	require.NoError(t, err)

	// Last two bytes are the status request frame.
	require.Greater(t, len(frame), 2)
	assert.Equal(t, []byte{0x01, 0x00}, frame[len(frame)-2:])

	// The length prefix covers exactly the handshake body.
	bodyLen, n := readVarInt(frame)
	assert.Equal(t, len(frame)-n-2, int(bodyLen))
}

func TestAppendVarInt(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xFF, 0x01}},
		{25565, []byte{0xDD, 0xC7, 0x01}},
		{0xFFFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, appendVarInt(nil, tt.v), "value %d", tt.v)
	}
}

// readVarInt is the test-side inverse of appendVarInt.
func readVarInt(b []byte) (uint32, int) {
	var v uint32
	for i := 0; i < len(b); i++ {
		v |= uint32(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return v, len(b)
}
