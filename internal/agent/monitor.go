package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// collectInterval is how often host metrics are sampled. Sampling is
// cheap; the stats reporter and the control API only read the cached
// snapshot.
const collectInterval = 15 * time.Second

// loadHighWater marks the host as busy relative to its core count.
const loadHighWater = 0.9

// SystemStats is a point-in-time snapshot of host health as seen by
// the agent.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	// StateDiskPercent is the usage of the filesystem holding the agent
	// state dir (device store, snapshots, JSONL stores).
	StateDiskPercent float64
	LoadAverage      float64
	// Busy is set when load1 per core crosses the high-water mark; the
	// stats reporter escalates its log level while it holds.
	Busy bool

	CollectedAt time.Time
}

// SystemMonitor samples host metrics in the background and serves the
// latest snapshot to the stats reporter.
type SystemMonitor struct {
	logger   *slog.Logger
	stateDir string
	cores    int

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	stats SystemStats
}

// NewSystemMonitor creates a monitor that also watches the filesystem
// holding stateDir.
func NewSystemMonitor(logger *slog.Logger, stateDir string) *SystemMonitor {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = 1
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		stateDir: stateDir,
		cores:    cores,
		done:     make(chan struct{}),
	}
}

// Start begins sampling. The first collection is synchronous so early
// readers never see a zero snapshot.
func (sm *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel
	sm.collect()

	go func() {
		defer close(sm.done)
		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.collect()
			}
		}
	}()
}

// Stop halts sampling and waits for the goroutine to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	<-sm.done
}

// Stats returns the latest snapshot.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{CollectedAt: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		sm.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else {
		sm.logger.Debug("memory sample failed", "error", err)
	}

	if du, err := disk.Usage(sm.stateDir); err == nil {
		stats.StateDiskPercent = du.UsedPercent
	} else {
		sm.logger.Debug("state dir disk sample failed", "dir", sm.stateDir, "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
		stats.Busy = avg.Load1/float64(sm.cores) > loadHighWater
	} else {
		sm.logger.Debug("load sample failed", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
