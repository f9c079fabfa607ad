package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cubeforge/minefleet/pkg/types"
)

// load reads the persisted task table. A missing file is an empty
// table, not an error.
func (s *Scheduler) load() error {
	path := filepath.Join(s.dataDir, TasksFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", TasksFile, err)
	}

	var tasks []*types.ScheduledTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse %s: %w", TasksFile, err)
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return nil
}

// saveLocked writes the task table atomically. Caller holds the lock.
func (s *Scheduler) saveLocked() error {
	tasks := make([]*types.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", TasksFile, err)
	}

	path := filepath.Join(s.dataDir, TasksFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", TasksFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", TasksFile, err)
	}
	return nil
}
