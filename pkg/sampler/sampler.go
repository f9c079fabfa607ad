package sampler

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/types"
)

// DefaultTPS is assumed until a server reports a measurement
const DefaultTPS = 20.0

// SampleInterval is the per-PID sampling period
const SampleInterval = 2 * time.Second

// Sampler owns the TPS cache and the per-instance sampling loops
type Sampler struct {
	bus *events.Bus

	mu    sync.Mutex
	tps   map[string]float64
	stops map[string]chan struct{}
}

// New creates a sampler that emits on the given bus.
func New(bus *events.Bus) *Sampler {
	return &Sampler{
		bus:   bus,
		tps:   make(map[string]float64),
		stops: make(map[string]chan struct{}),
	}
}

// Track starts the sampling loop for a freshly spawned process.
func (s *Sampler) Track(instanceID string, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stops[instanceID]; exists {
		return
	}
	stop := make(chan struct{})
	s.stops[instanceID] = stop
	s.tps[instanceID] = DefaultTPS

	go s.sampleLoop(instanceID, pid, stop)
}

// Untrack stops sampling for an instance. Idempotent; called on every
// observed exit.
func (s *Sampler) Untrack(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop, exists := s.stops[instanceID]; exists {
		close(stop)
		delete(s.stops, instanceID)
	}
	delete(s.tps, instanceID)
}

// StopAll tears down every sampling loop.
func (s *Sampler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, stop := range s.stops {
		close(stop)
		delete(s.stops, id)
	}
	s.tps = make(map[string]float64)
}

// SetTPS records a TPS value parsed from the instance's stdout.
func (s *Sampler) SetTPS(instanceID string, tps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tps[instanceID] = tps
}

// TPS returns the latest observed TPS, or DefaultTPS when none exists.
func (s *Sampler) TPS(instanceID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.tps[instanceID]; ok {
		return v
	}
	return DefaultTPS
}

func (s *Sampler) sampleLoop(instanceID string, pid int32, stop chan struct{}) {
	logger := log.WithComponent("sampler")

	proc, err := process.NewProcess(pid)
	if err != nil {
		logger.Warn().Err(err).Int32("pid", pid).Msg("cannot attach to process")
		return
	}

	cores, err := cpu.Counts(true)
	if err != nil || cores == 0 {
		cores = 1
	}

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sample, err := s.sampleProcess(proc, cores)
			if err != nil {
				// Process likely exited between ticks; the supervisor's
				// reaper will untrack shortly.
				logger.Debug().Err(err).Int32("pid", pid).Msg("sample failed")
				continue
			}
			s.bus.Publish(events.Event{
				Topic: events.ResourceTopic(instanceID),
				Type:  events.EventResourceSample,
				Payload: events.ResourceSample{
					InstanceID: instanceID,
					Process:    *sample,
					TPS:        s.TPS(instanceID),
				},
			})
		case <-stop:
			return
		}
	}
}

func (s *Sampler) sampleProcess(proc *process.Process, cores int) (*types.ProcessStats, error) {
	cpuPct, err := proc.Percent(0)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}

	stats := &types.ProcessStats{
		PID:        proc.Pid,
		CPUPercent: cpuPct,
		Cores:      cores,
		RSSBytes:   memInfo.RSS,
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		stats.RSSPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}
	return stats, nil
}

// SystemStats computes host-wide CPU, memory, and per-mount disk usage
// synchronously.
func SystemStats() (*types.SystemStats, error) {
	stats := &types.SystemStats{CollectedAt: time.Now().UTC()}

	if pcts, err := cpu.Percent(500*time.Millisecond, false); err == nil && len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	stats.MemTotal = vm.Total
	stats.MemUsed = vm.Used
	stats.MemFree = vm.Free

	parts, err := disk.Partitions(false)
	if err != nil {
		return nil, fmt.Errorf("disk partitions: %w", err)
	}
	for _, part := range parts {
		usage, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		stats.Disks = append(stats.Disks, types.DiskStats{
			Mount:       part.Mountpoint,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}

	return stats, nil
}
