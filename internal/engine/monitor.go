package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
	DiskReadBytes    uint64  `json:"disk_read_bytes"`
	DiskWriteBytes   uint64  `json:"disk_write_bytes"`
}

// SystemMonitor collects system metrics periodically. Disk usage is taken
// from the engine data directory's mount; io counters are summed across all
// devices.
type SystemMonitor struct {
	logger   *slog.Logger
	dataPath string
	interval time.Duration
	close    chan struct{}
	wg       sync.WaitGroup
	stats    SystemStats
	mu       sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor sampling every interval.
func NewSystemMonitor(dataPath string, interval time.Duration, logger *slog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		dataPath: dataPath,
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	// CPU
	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Disk usage for the data directory
	if d, err := disk.Usage(sm.dataPath); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "error", err)
	}

	// Aggregate io counters across devices
	if counters, err := disk.IOCounters(); err == nil {
		for _, io := range counters {
			stats.DiskReadBytes += io.ReadBytes
			stats.DiskWriteBytes += io.WriteBytes
		}
	} else {
		sm.logger.Debug("failed to collect disk io counters", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
