package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// fakeTracker records sampler port calls.
type fakeTracker struct {
	mu       sync.Mutex
	tracked  map[string]int32
	untracks []string
	tps      map[string]float64
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: map[string]int32{}, tps: map[string]float64{}}
}

func (f *fakeTracker) Track(id string, pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[id] = pid
}

func (f *fakeTracker) Untrack(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untracks = append(f.untracks, id)
}

func (f *fakeTracker) SetTPS(id string, tps float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tps[id] = tps
}

func (f *fakeTracker) lastTPS(id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.tps[id]
	return v, ok
}

// fakeJava writes a shell script that mimics a well-behaved server jar:
// it prints a few log lines, then exits cleanly when "stop" arrives on
// stdin.
func fakeJava(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
echo '[12:00:00] [Server thread/INFO]: Done (3.14s)! For help, type "help"'
echo '[12:00:00] [Server thread/INFO]: TPS from last 1m, 5m, 15m: 19.5, 20.0, 20.0'
echo '[12:00:01] [Server thread/INFO]: Alice joined the game'
echo '[12:00:02] [Server thread/INFO]: Alice left the game'
while read line; do
	if [ "$line" = "stop" ]; then
		exit 0
	fi
done
`
	return writeScript(t, script)
}

// fakeCrashingJava exits immediately with a non-zero code.
func fakeCrashingJava(t *testing.T) string {
	t.Helper()
	return writeScript(t, "#!/bin/sh\necho 'boom'\nexit 3\n")
}

// fakeStubbornJava ignores the stop command.
func fakeStubbornJava(t *testing.T) string {
	t.Helper()
	return writeScript(t, "#!/bin/sh\nwhile true; do sleep 1; done\n")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-java")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

type fixture struct {
	reg     *registry.Store
	bus     *events.Bus
	tracker *fakeTracker
	sup     *Supervisor
}

func newFixture(t *testing.T, java string) *fixture {
	t.Helper()

	reg, err := registry.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	tracker := newFakeTracker()
	sup := New(reg, bus, tracker)
	sup.java = java
	t.Cleanup(sup.StopAll)

	return &fixture{reg: reg, bus: bus, tracker: tracker, sup: sup}
}

func (f *fixture) createInstance(t *testing.T, name string, port, rconPort uint16) *types.Instance {
	t.Helper()
	inst, err := f.reg.Create(types.InstanceSpec{
		Name: name, Kind: types.KindPaper, Version: "1.20.4",
		Port: port, RconPort: rconPort, RconPassword: "pw", Memory: "2G",
	}, "owner")
	require.NoError(t, err)

	// The jar only has to exist; the fake java never reads it.
	require.NoError(t, os.WriteFile(filepath.Join(inst.Workspace, "server.jar"), []byte("jar"), 0644))
	return inst
}

func waitForStatus(t *testing.T, sub *events.Subscriber, want types.Status) events.StatusChange {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if sc, ok := ev.Payload.(events.StatusChange); ok && sc.Status == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("status %s never observed", want)
		}
	}
}

func TestStartMissingJar(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst, err := f.reg.Create(types.InstanceSpec{
		Name: "nojar", Kind: types.KindPaper, Version: "1.20.4",
		Port: 25565, RconPort: 25575, RconPassword: "pw", Memory: "2G",
	}, "owner")
	require.NoError(t, err)

	assert.ErrorIs(t, f.sup.Start(inst.ID), types.ErrJarMissing)
}

func TestStartUnknownInstance(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	assert.ErrorIs(t, f.sup.Start("missing"), types.ErrNotFound)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	statusSub := f.bus.Subscribe(events.StatusTopic(inst.ID))
	defer f.bus.Unsubscribe(statusSub)
	consoleSub := f.bus.Subscribe(events.ConsoleTopic(inst.ID))
	defer f.bus.Unsubscribe(consoleSub)

	require.NoError(t, f.sup.Start(inst.ID))
	assert.True(t, f.sup.IsRunning(inst.ID))

	got, err := f.reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.NotNil(t, got.LastStarted)

	// Console lines arrive in emission order.
	select {
	case ev := <-consoleSub.C():
		line := ev.Payload.(events.ConsoleLine)
		assert.Contains(t, line.Line, "Done")
	case <-time.After(5 * time.Second):
		t.Fatal("no console line observed")
	}

	// The TPS matcher feeds the tracker.
	require.Eventually(t, func() bool {
		v, ok := f.tracker.lastTPS(inst.ID)
		return ok && v == 19.5
	}, 5*time.Second, 50*time.Millisecond)

	pid, err := f.sup.PID(inst.ID)
	require.NoError(t, err)
	f.tracker.mu.Lock()
	assert.Equal(t, int32(pid), f.tracker.tracked[inst.ID])
	f.tracker.mu.Unlock()

	require.NoError(t, f.sup.Stop(inst.ID, false))

	sc := waitForStatus(t, statusSub, types.StatusStopped)
	require.NotNil(t, sc.ExitCode)
	assert.Equal(t, 0, *sc.ExitCode)

	assert.False(t, f.sup.IsRunning(inst.ID))
	got, err = f.reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestStartAlreadyRunning(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	require.NoError(t, f.sup.Start(inst.ID))
	assert.ErrorIs(t, f.sup.Start(inst.ID), types.ErrAlreadyRunning)

	require.NoError(t, f.sup.Stop(inst.ID, false))
}

func TestStopNotRunning(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	assert.ErrorIs(t, f.sup.Stop(inst.ID, false), types.ErrNotRunning)
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	assert.ErrorIs(t, f.sup.SendCommand(inst.ID, "say hi"), types.ErrNotRunning)

	require.NoError(t, f.sup.Start(inst.ID))
	assert.NoError(t, f.sup.SendCommand(inst.ID, "say hi"))
	require.NoError(t, f.sup.Stop(inst.ID, false))
}

func TestCrashEmitsNonZeroExit(t *testing.T) {
	f := newFixture(t, fakeCrashingJava(t))
	inst := f.createInstance(t, "crashy", 25565, 25575)

	statusSub := f.bus.Subscribe(events.StatusTopic(inst.ID))
	defer f.bus.Unsubscribe(statusSub)

	require.NoError(t, f.sup.Start(inst.ID))

	sc := waitForStatus(t, statusSub, types.StatusStopped)
	require.NotNil(t, sc.ExitCode)
	assert.Equal(t, 3, *sc.ExitCode)

	// Handle is gone and the sampler was untracked.
	require.Eventually(t, func() bool {
		return !f.sup.IsRunning(inst.ID)
	}, 5*time.Second, 50*time.Millisecond)

	f.tracker.mu.Lock()
	assert.Contains(t, f.tracker.untracks, inst.ID)
	f.tracker.mu.Unlock()
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t, fakeStubbornJava(t))
	f.sup.grace = 300 * time.Millisecond
	inst := f.createInstance(t, "stubborn", 25565, 25575)

	require.NoError(t, f.sup.Start(inst.ID))
	require.NoError(t, f.sup.Stop(inst.ID, false))

	assert.False(t, f.sup.IsRunning(inst.ID))
}

func TestSessionLockCleanup(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	lock := filepath.Join(inst.Workspace, "world", "session.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lock), 0755))
	require.NoError(t, os.WriteFile(lock, []byte("x"), 0644))

	require.NoError(t, f.sup.Start(inst.ID))
	defer f.sup.Stop(inst.ID, false)

	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestPlayerEventsScanned(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	sub := f.bus.Subscribe(events.StatusTopic(inst.ID))
	defer f.bus.Unsubscribe(sub)

	require.NoError(t, f.sup.Start(inst.ID))
	defer f.sup.Stop(inst.ID, false)

	var join, leave bool
	deadline := time.After(5 * time.Second)
	for !(join && leave) {
		select {
		case ev := <-sub.C():
			pe, ok := ev.Payload.(events.PlayerEvent)
			if !ok {
				continue
			}
			assert.Equal(t, "Alice", pe.Player)
			switch ev.Type {
			case events.EventPlayerJoin:
				join = true
			case events.EventPlayerLeave:
				leave = true
			}
		case <-deadline:
			t.Fatal("player events not observed")
		}
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	a := f.createInstance(t, "a", 25565, 25575)
	b := f.createInstance(t, "b", 25566, 25576)

	require.NoError(t, f.sup.Start(a.ID))
	require.NoError(t, f.sup.Start(b.ID))

	f.sup.StopAll()

	assert.Empty(t, f.sup.Running())
	for _, id := range []string{a.ID, b.ID} {
		got, err := f.reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusStopped, got.Status)
	}
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	f := newFixture(t, fakeJava(t))
	inst := f.createInstance(t, "survival", 25565, 25575)

	require.NoError(t, f.sup.Start(inst.ID))
	require.NoError(t, f.sup.Delete(inst.ID))

	_, err := f.reg.Get(inst.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = os.Stat(inst.Workspace)
	assert.True(t, os.IsNotExist(err))
}

func TestTransitionGuard(t *testing.T) {
	f := newFixture(t, fakeJava(t))

	require.NoError(t, f.sup.beginTransition("x"))
	assert.ErrorIs(t, f.sup.beginTransition("x"), types.ErrInProgress)

	f.sup.endTransition("x")
	assert.NoError(t, f.sup.beginTransition("x"))
	f.sup.endTransition("x")
}

func TestParseTPS(t *testing.T) {
	tests := []struct {
		name string
		line string
		want float64
		ok   bool
	}{
		{
			"paper three windows",
			`[12:00:00] [Server thread/INFO]: TPS from last 1m, 5m, 15m: 20.0, 20.0, 20.0`,
			20.0, true,
		},
		{
			"single window",
			`TPS from last 5m: 18.74`,
			18.74, true,
		},
		{
			"decimal comma",
			`TPS from last 1m, 5m, 15m: 19,5, 20,0, 20,0`,
			19.5, true,
		},
		{"unrelated line", `[12:00:00] Alice joined the game`, 0, false},
		{"bare word tps", `tps`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTPS(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
