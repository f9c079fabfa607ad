package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/configgen"
	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

// GraceTimeout is how long a graceful stop waits before escalating to a
// forced kill.
const GraceTimeout = 30 * time.Second

// restartDelay sits between the stop and start halves of a restart
const restartDelay = 2 * time.Second

// tpsInterval is how often a running game server is asked for its TPS
const tpsInterval = 10 * time.Second

// consoleWindowSize bounds the rolling stdout window kept per process
const consoleWindowSize = 200

// Cascader fans proxy lifecycle changes out to backend instances. The
// topology coordinator implements it; the port breaks the package cycle
// between supervisor and topology.
type Cascader interface {
	CascadeStart(proxyID string) error
	CascadeStop(proxyID string) error
}

// ResourceTracker is the sampler port: per-PID tracking plus the TPS
// cache fed by the stdout scanner.
type ResourceTracker interface {
	Track(instanceID string, pid int32)
	Untrack(instanceID string)
	SetTPS(instanceID string, tps float64)
}

// Supervisor owns the runtime process table and drives all lifecycle
// transitions.
type Supervisor struct {
	registry *registry.Store
	bus      *events.Bus
	tracker  ResourceTracker
	cascader Cascader

	mu    sync.RWMutex
	procs map[string]*handle

	transMu     sync.Mutex
	transitions map[string]bool

	grace  time.Duration
	java   string
	logger zerolog.Logger
}

// handle is the in-memory runtime state of one child process. It exists
// strictly between a successful spawn and the observed exit.
type handle struct {
	instanceID string
	cmd        *exec.Cmd
	pid        int
	stdin      io.WriteCloser
	startedAt  time.Time
	done       chan struct{}
	exitCode   int

	windowMu sync.Mutex
	window   []string

	stdinMu sync.Mutex
}

// New creates a supervisor over the given registry, bus, and tracker.
func New(reg *registry.Store, bus *events.Bus, tracker ResourceTracker) *Supervisor {
	return &Supervisor{
		registry:    reg,
		bus:         bus,
		tracker:     tracker,
		procs:       make(map[string]*handle),
		transitions: make(map[string]bool),
		grace:       GraceTimeout,
		java:        "java",
		logger:      log.WithComponent("supervisor"),
	}
}

// SetCascader wires the topology coordinator in after construction.
func (s *Supervisor) SetCascader(c Cascader) {
	s.cascader = c
}

// beginTransition claims the per-instance lifecycle lock, or reports a
// transition already in flight.
func (s *Supervisor) beginTransition(id string) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	if s.transitions[id] {
		return fmt.Errorf("instance %s: %w", id, types.ErrInProgress)
	}
	s.transitions[id] = true
	return nil
}

func (s *Supervisor) endTransition(id string) {
	s.transMu.Lock()
	delete(s.transitions, id)
	s.transMu.Unlock()
}

func (s *Supervisor) getHandle(id string) *handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procs[id]
}

// IsRunning reports whether a process handle exists for the instance.
func (s *Supervisor) IsRunning(id string) bool {
	return s.getHandle(id) != nil
}

// PID returns the child PID for a running instance.
func (s *Supervisor) PID(id string) (int, error) {
	h := s.getHandle(id)
	if h == nil {
		return 0, fmt.Errorf("instance %s: %w", id, types.ErrNotRunning)
	}
	return h.pid, nil
}

// Running lists the ids of all instances with live process handles.
func (s *Supervisor) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// ConsoleWindow returns a copy of the rolling stdout window for a
// running instance, oldest first.
func (s *Supervisor) ConsoleWindow(id string) []string {
	h := s.getHandle(id)
	if h == nil {
		return nil
	}
	h.windowMu.Lock()
	defer h.windowMu.Unlock()
	out := make([]string, len(h.window))
	copy(out, h.window)
	return out
}

// Start spawns the instance's JVM. For proxies, backend starts are
// cascaded through the topology coordinator after the proxy is up;
// per-backend failures are logged, never propagated.
func (s *Supervisor) Start(id string) error {
	if err := s.beginTransition(id); err != nil {
		return err
	}
	defer s.endTransition(id)
	return s.start(id)
}

func (s *Supervisor) start(id string) error {
	inst, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if s.getHandle(id) != nil {
		return fmt.Errorf("instance %s: %w", id, types.ErrAlreadyRunning)
	}

	jar := filepath.Join(inst.Workspace, inst.Kind.JarName())
	if _, err := os.Stat(jar); err != nil {
		return fmt.Errorf("%s: %w", inst.Kind.JarName(), types.ErrJarMissing)
	}

	if inst.Kind == types.KindVelocity {
		if err := configgen.FixupVelocityConfig(inst.Workspace); err != nil {
			return fmt.Errorf("velocity config: %w", err)
		}
	}
	if !inst.Kind.IsProxy() {
		clearSessionLocks(inst.Workspace)
	}

	s.setStatus(inst, types.StatusStarting, nil)

	cmd := exec.Command(s.java,
		"-Xmx"+inst.Memory,
		"-Xms"+inst.Memory,
		"-jar", inst.Kind.JarName(),
		"nogui",
	)
	cmd.Dir = inst.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setStatus(inst, types.StatusStopped, nil)
		return fmt.Errorf("%w: stdin pipe: %v", types.ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setStatus(inst, types.StatusStopped, nil)
		return fmt.Errorf("%w: stdout pipe: %v", types.ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setStatus(inst, types.StatusStopped, nil)
		return fmt.Errorf("%w: stderr pipe: %v", types.ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		s.setStatus(inst, types.StatusStopped, nil)
		return fmt.Errorf("%w: %v", types.ErrSpawn, err)
	}

	h := &handle{
		instanceID: id,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		stdin:      stdin,
		startedAt:  time.Now().UTC(),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[id] = h
	s.mu.Unlock()

	s.setStatus(inst, types.StatusRunning, nil)
	s.logger.Info().
		Str("instance_id", id).
		Int("pid", h.pid).
		Str("kind", string(inst.Kind)).
		Msg("instance started")

	go s.scanLines(h, inst, stdout, "stdout")
	go s.scanLines(h, inst, stderr, "stderr")
	go s.reap(h, inst)
	if !inst.Kind.IsProxy() {
		go s.tpsLoop(h)
	}

	s.tracker.Track(id, int32(h.pid))

	if inst.Kind.IsProxy() && s.cascader != nil {
		if err := s.cascader.CascadeStart(id); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", id).Msg("backend cascade incomplete")
		}
	}

	return nil
}

// Stop gracefully shuts the instance down, escalating to a forced kill
// after the grace window. For proxies, backends are stopped first unless
// skipBackends is set (the cascade itself sets it to prevent recursion).
func (s *Supervisor) Stop(id string, skipBackends bool) error {
	if err := s.beginTransition(id); err != nil {
		return err
	}
	defer s.endTransition(id)
	return s.stop(id, skipBackends)
}

func (s *Supervisor) stop(id string, skipBackends bool) error {
	h := s.getHandle(id)
	if h == nil {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotRunning)
	}

	inst, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	if inst.Kind.IsProxy() && !skipBackends && s.cascader != nil {
		if err := s.cascader.CascadeStop(id); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", id).Msg("backend cascade incomplete")
		}
	}

	s.setStatus(inst, types.StatusStopping, nil)

	if err := h.writeLine("stop"); err != nil {
		s.logger.Warn().Err(err).Str("instance_id", id).Msg("stop command failed, killing")
		_ = h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
	case <-time.After(s.grace):
		s.logger.Warn().Str("instance_id", id).Msg("grace window elapsed, killing")
		_ = h.cmd.Process.Kill()
		<-h.done
	}

	return nil
}

// Restart stops the instance, waits for the tick state to settle, and
// starts it again. A stopped instance is simply started.
func (s *Supervisor) Restart(id string) error {
	err := s.Stop(id, false)
	if err != nil && !errors.Is(err, types.ErrNotRunning) {
		return err
	}
	if err == nil {
		time.Sleep(restartDelay)
	}
	return s.Start(id)
}

// SendCommand writes a console command to the instance's stdin.
func (s *Supervisor) SendCommand(id, line string) error {
	h := s.getHandle(id)
	if h == nil {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotRunning)
	}
	return h.writeLine(line)
}

// Delete stops the instance if running, then removes the catalog row
// and its workspace.
func (s *Supervisor) Delete(id string) error {
	if s.getHandle(id) != nil {
		if err := s.Stop(id, false); err != nil && !errors.Is(err, types.ErrNotRunning) {
			return err
		}
	}
	return s.registry.Delete(id)
}

// StopAll stops every running instance in parallel, killing anything
// that will not exit gracefully. Every catalog row ends as stopped.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, id := range s.Running() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id, true); err != nil && !errors.Is(err, types.ErrNotRunning) {
				s.logger.Error().Err(err).Str("instance_id", id).Msg("stop failed during shutdown")
				if h := s.getHandle(id); h != nil {
					_ = h.cmd.Process.Kill()
				}
			}
		}(id)
	}
	wg.Wait()
}

// setStatus persists a transition and emits it on the status topic.
func (s *Supervisor) setStatus(inst *types.Instance, status types.Status, exitCode *int) {
	if err := s.registry.SetStatus(inst.ID, status); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("status persist failed")
	}
	s.bus.Publish(events.Event{
		Topic: events.StatusTopic(inst.ID),
		Type:  events.EventStatusChange,
		Payload: events.StatusChange{
			InstanceID: inst.ID,
			Name:       inst.Name,
			Kind:       inst.Kind,
			Status:     status,
			ExitCode:   exitCode,
		},
	})
}

// reap waits for the child to exit, then tears runtime state down and
// reports the exit as a stop (code 0) or a crash (anything else).
func (s *Supervisor) reap(h *handle, inst *types.Instance) {
	_ = h.cmd.Wait()
	h.exitCode = h.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	delete(s.procs, h.instanceID)
	s.mu.Unlock()

	s.tracker.Untrack(h.instanceID)

	code := h.exitCode
	s.setStatus(inst, types.StatusStopped, &code)

	evt := s.logger.Info()
	if code != 0 {
		evt = s.logger.Warn()
	}
	evt.Str("instance_id", h.instanceID).
		Int("exit_code", code).
		Dur("uptime", time.Since(h.startedAt)).
		Msg("instance exited")

	close(h.done)
}

// tpsLoop asks a running game server for its tick rate; the stdout
// scanner picks the answer up.
func (s *Supervisor) tpsLoop(h *handle) {
	ticker := time.NewTicker(tpsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.writeLine("tps"); err != nil {
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *handle) writeLine(line string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	_, err := io.WriteString(h.stdin, line+"\n")
	return err
}

func (h *handle) appendWindow(line string) {
	h.windowMu.Lock()
	defer h.windowMu.Unlock()
	h.window = append(h.window, line)
	if len(h.window) > consoleWindowSize {
		h.window = h.window[len(h.window)-consoleWindowSize:]
	}
}

// clearSessionLocks removes stale session.lock files left by an unclean
// shutdown. Missing files and directories are fine.
func clearSessionLocks(workspace string) {
	for _, world := range []string{"world", "world_nether", "world_the_end"} {
		lock := filepath.Join(workspace, world, "session.lock")
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			logger := log.WithComponent("supervisor")
			logger.Warn().Err(err).Str("path", lock).
				Msg("session lock not removed")
		}
	}
}
