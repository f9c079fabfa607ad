package metrics

import (
	"time"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

// CollectInterval is the fleet-shape refresh period.
const CollectInterval = 15 * time.Second

// ProcessTable reports the currently supervised instance ids.
type ProcessTable interface {
	Running() []string
}

// ExecutionLog reports the scheduler's execution ring.
type ExecutionLog interface {
	Executions() []types.Execution
}

// Collector refreshes fleet-shape gauges on a fixed interval and feeds
// transition counters from the event bus.
type Collector struct {
	registry  *registry.Store
	processes ProcessTable
	tasks     ExecutionLog
	bus       *events.Bus

	sub    *events.Subscriber
	stopCh chan struct{}
}

// NewCollector creates a collector over the fleet's components.
func NewCollector(reg *registry.Store, processes ProcessTable, tasks ExecutionLog, bus *events.Bus) *Collector {
	return &Collector{
		registry:  reg,
		processes: processes,
		tasks:     tasks,
		bus:       bus,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting. The first collection happens immediately.
func (c *Collector) Start() {
	c.sub = c.bus.Subscribe("server.*.status", "proxy.*.status")
	go c.watch()

	go func() {
		ticker := time.NewTicker(CollectInterval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
	}
}

// collect refreshes the fleet-shape gauges.
func (c *Collector) collect() {
	admin := types.Principal{Role: types.RoleAdmin}

	InstancesTotal.Reset()
	for _, inst := range c.registry.List(admin) {
		InstancesTotal.WithLabelValues(string(inst.Kind), string(inst.Status)).Inc()
	}

	ProcessesRunning.Set(float64(len(c.processes.Running())))

	if c.tasks != nil {
		succeeded, failed := 0, 0
		for _, exec := range c.tasks.Executions() {
			if exec.Success {
				succeeded++
			} else {
				failed++
			}
		}
		TaskExecutions.WithLabelValues("success").Set(float64(succeeded))
		TaskExecutions.WithLabelValues("failure").Set(float64(failed))
	}
}

// watch feeds counters from bus events.
func (c *Collector) watch() {
	for event := range c.sub.C() {
		switch payload := event.Payload.(type) {
		case events.StatusChange:
			c.onStatusChange(payload)
		case events.BackupEvent:
			if event.Type == events.EventBackupFailed {
				BackupsTotal.WithLabelValues("failure").Inc()
			} else {
				BackupsTotal.WithLabelValues("success").Inc()
			}
		case events.ProxyStatus:
			online := 0
			for _, backend := range payload.Backends {
				ProbeLatency.Observe(backend.Latency.Seconds())
				if backend.Online {
					online++
				}
			}
			BackendsOnline.WithLabelValues(payload.ProxyID).Set(float64(online))
		}
	}
}

func (c *Collector) onStatusChange(change events.StatusChange) {
	switch change.Status {
	case types.StatusRunning:
		StartsTotal.Inc()
	case types.StatusStopped:
		if change.ExitCode != nil && *change.ExitCode != 0 {
			CrashesTotal.Inc()
		} else {
			StopsTotal.Inc()
		}
	}
}
