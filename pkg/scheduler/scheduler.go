package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/types"
)

const (
	// TasksFile is the persisted task table under the data directory.
	TasksFile = "tasks.json"
	// DefaultTimezone is used when no timezone is configured.
	DefaultTimezone = "Europe/Berlin"
	// RingSize caps the in-memory execution log.
	RingSize = 100
)

// InstanceTable reports whether a task's target instance still exists
// in the catalog.
type InstanceTable interface {
	Exists(id string) bool
}

// Runner drives instance lifecycle on behalf of firing tasks.
type Runner interface {
	Start(id string) error
	Stop(id string, skipBackends bool) error
	Restart(id string) error
	SendCommand(id, line string) error
}

// Backuper snapshots an instance workspace on behalf of backup tasks.
type Backuper interface {
	Create(instanceID, name string) (*types.BackupRecord, error)
}

// Scheduler owns the persisted task table, the cron entries derived
// from it, and the execution ring.
type Scheduler struct {
	dataDir   string
	instances InstanceTable
	runner    Runner
	backups   Backuper

	cron *cron.Cron

	mu       sync.Mutex
	tasks    map[string]*types.ScheduledTask
	entries  map[string]cron.EntryID
	inflight map[string]bool
	ring     []types.Execution

	logger zerolog.Logger
}

// Open loads the task table from dataDir and prepares a scheduler in
// the given timezone. Nothing fires until Start is called.
func Open(dataDir string, loc *time.Location, instances InstanceTable, runner Runner, backups Backuper) (*Scheduler, error) {
	s := &Scheduler{
		dataDir:   dataDir,
		instances: instances,
		runner:    runner,
		backups:   backups,
		cron:      cron.New(cron.WithLocation(loc)),
		tasks:     make(map[string]*types.ScheduledTask),
		entries:   make(map[string]cron.EntryID),
		inflight:  make(map[string]bool),
		logger:    log.WithComponent("scheduler"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start schedules every enabled task and begins ticking. Tasks whose
// cron expression no longer parses are demoted to disabled instead of
// failing the whole table.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := false
	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		if err := s.scheduleLocked(task); err != nil {
			s.logger.Warn().Err(err).
				Str("task_id", task.ID).
				Str("cron", task.Cron).
				Msg("task disabled: invalid cron expression")
			task.Enabled = false
			dirty = true
		}
	}
	if dirty {
		if err := s.saveLocked(); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

// StopAll cancels every cron entry and waits for in-flight executions
// to drain, bounded by the grace period.
func (s *Scheduler) StopAll() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("abandoning in-flight task executions")
	}
}

// Create validates and persists a new task, scheduling it immediately
// when enabled.
func (s *Scheduler) Create(task types.ScheduledTask) (*types.ScheduledTask, error) {
	if !task.Kind.Valid() {
		return nil, fmt.Errorf("task kind %q: %w", task.Kind, types.ErrInvalidArgument)
	}
	if task.Kind == types.TaskCommand && task.Command == "" {
		return nil, fmt.Errorf("command task needs a command: %w", types.ErrInvalidArgument)
	}
	if task.TargetID == "" {
		return nil, fmt.Errorf("task target required: %w", types.ErrInvalidArgument)
	}
	if _, err := cron.ParseStandard(task.Cron); err != nil {
		return nil, fmt.Errorf("cron %q: %v: %w", task.Cron, err, types.ErrInvalidArgument)
	}

	task.ID = uuid.New().String()
	task.CreatedAt = time.Now().UTC()
	task.LastRun = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = &task
	if task.Enabled {
		if err := s.scheduleLocked(&task); err != nil {
			delete(s.tasks, task.ID)
			return nil, err
		}
	}
	if err := s.saveLocked(); err != nil {
		s.unscheduleLocked(task.ID)
		delete(s.tasks, task.ID)
		return nil, err
	}

	out := task
	return &out, nil
}

// Update replaces a task's definition, cancelling and rescheduling its
// cron entry atomically.
func (s *Scheduler) Update(id string, patch types.ScheduledTask) (*types.ScheduledTask, error) {
	if _, err := cron.ParseStandard(patch.Cron); err != nil {
		return nil, fmt.Errorf("cron %q: %v: %w", patch.Cron, err, types.ErrInvalidArgument)
	}
	if !patch.Kind.Valid() {
		return nil, fmt.Errorf("task kind %q: %w", patch.Kind, types.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}

	prev := *task
	s.unscheduleLocked(id)

	task.Name = patch.Name
	task.Kind = patch.Kind
	task.TargetID = patch.TargetID
	task.Cron = patch.Cron
	task.Command = patch.Command
	task.Enabled = patch.Enabled

	if task.Enabled {
		if err := s.scheduleLocked(task); err != nil {
			*task = prev
			if prev.Enabled {
				_ = s.scheduleLocked(task)
			}
			return nil, err
		}
	}
	if err := s.saveLocked(); err != nil {
		*task = prev
		return nil, err
	}

	out := *task
	return &out, nil
}

// Enable toggles a task, scheduling or cancelling its cron entry.
func (s *Scheduler) Enable(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if task.Enabled == enabled {
		return nil
	}

	if enabled {
		if err := s.scheduleLocked(task); err != nil {
			return err
		}
	} else {
		s.unscheduleLocked(id)
	}
	task.Enabled = enabled
	if err := s.saveLocked(); err != nil {
		if enabled {
			s.unscheduleLocked(id)
		} else {
			_ = s.scheduleLocked(task)
		}
		task.Enabled = !enabled
		return err
	}
	return nil
}

// Delete removes a task and cancels its cron entry.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	s.unscheduleLocked(id)
	delete(s.tasks, id)
	if err := s.saveLocked(); err != nil {
		s.tasks[id] = task
		if task.Enabled {
			_ = s.scheduleLocked(task)
		}
		return err
	}
	return nil
}

// Get returns a task by id.
func (s *Scheduler) Get(id string) (*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	out := *task
	return &out, nil
}

// List returns all tasks.
func (s *Scheduler) List() []*types.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		t := *task
		out = append(out, &t)
	}
	return out
}

// Executions returns the execution ring, newest first.
func (s *Scheduler) Executions() []types.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Execution, len(s.ring))
	copy(out, s.ring)
	return out
}

// scheduleLocked registers a cron entry for the task. Caller holds the
// lock.
func (s *Scheduler) scheduleLocked(task *types.ScheduledTask) error {
	id := task.ID
	entry, err := s.cron.AddFunc(task.Cron, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("cron %q: %v: %w", task.Cron, err, types.ErrInvalidArgument)
	}
	s.entries[id] = entry
	return nil
}

func (s *Scheduler) unscheduleLocked(id string) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// fire runs one tick of a task. A tick whose target instance no longer
// exists is skipped without touching the runner or the ring; a tick
// that finds the previous run still in flight is logged as a miss and
// skipped.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !s.instances.Exists(task.TargetID) {
		s.mu.Unlock()
		s.logger.Warn().
			Str("task_id", id).
			Str("target_id", task.TargetID).
			Msg("tick skipped: target instance no longer exists")
		return
	}
	if s.inflight[id] {
		s.mu.Unlock()
		s.logger.Warn().Str("task_id", id).Msg("tick skipped: previous execution still running")
		return
	}
	s.inflight[id] = true
	run := *task
	s.mu.Unlock()

	started := time.Now().UTC()
	result, err := s.execute(&run)
	ended := time.Now().UTC()

	record := types.Execution{
		ID:        uuid.New().String(),
		TaskID:    run.ID,
		TaskName:  run.Name,
		Kind:      run.Kind,
		TargetID:  run.TargetID,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
		Success:   err == nil,
		Result:    result,
	}
	if err != nil {
		record.Error = err.Error()
		s.logger.Error().Err(err).
			Str("task_id", run.ID).
			Str("kind", string(run.Kind)).
			Msg("task execution failed")
	}

	s.mu.Lock()
	delete(s.inflight, id)
	s.ring = append([]types.Execution{record}, s.ring...)
	if len(s.ring) > RingSize {
		s.ring = s.ring[:RingSize]
	}
	if task, ok := s.tasks[id]; ok {
		task.LastRun = &started
		if err := s.saveLocked(); err != nil {
			s.logger.Warn().Err(err).Msg("task table save failed")
		}
	}
	s.mu.Unlock()
}

// execute dispatches on task kind.
func (s *Scheduler) execute(task *types.ScheduledTask) (string, error) {
	switch task.Kind {
	case types.TaskBackup:
		rec, err := s.backups.Create(task.TargetID, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("backup %s (%d bytes)", rec.ID, rec.SizeBytes), nil
	case types.TaskStart:
		if err := s.runner.Start(task.TargetID); err != nil {
			return "", err
		}
		return "started", nil
	case types.TaskStop:
		if err := s.runner.Stop(task.TargetID, false); err != nil {
			return "", err
		}
		return "stopped", nil
	case types.TaskRestart:
		if err := s.runner.Restart(task.TargetID); err != nil {
			return "", err
		}
		return "restarted", nil
	case types.TaskCommand:
		if err := s.runner.SendCommand(task.TargetID, task.Command); err != nil {
			return "", err
		}
		return "sent: " + task.Command, nil
	default:
		return "", fmt.Errorf("task kind %q: %w", task.Kind, types.ErrInvalidArgument)
	}
}
