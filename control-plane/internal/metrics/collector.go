// Package metrics provides process health and Prometheus instrumentation for the control plane.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/beatmon/control-plane/internal/stats"
	"github.com/pilot-net/beatmon/pkg/types"
)

// FleetSource provides fleet statistics for the health report.
type FleetSource interface {
	Snapshot() stats.FleetStats
}

// Collector gathers service health with caching.
type Collector struct {
	fleet FleetSource

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.ServiceHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new health collector. Process samples are cached for
// cacheDuration; fleet counts are always fresh.
func NewCollector(fleet FleetSource, cacheDuration time.Duration) *Collector {
	return &Collector{
		fleet:         fleet,
		startTime:     time.Now(),
		cacheDuration: cacheDuration,
	}
}

// Health returns the current service health.
func (c *Collector) Health(ctx context.Context) *types.ServiceHealth {
	health := &types.ServiceHealth{
		Status:    "healthy",
		Timestamp: time.Now(),
		Process:   c.processHealth(ctx),
		Fleet:     c.fleetHealth(),
	}
	if health.Process.Status != "healthy" {
		health.Status = health.Process.Status
	}
	return health
}

func (c *Collector) processHealth(ctx context.Context) types.ProcessHealth {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		p := c.cachedHealth.Process
		c.mu.RUnlock()
		p.Goroutines = runtime.NumGoroutine()
		p.UptimeSeconds = int64(time.Since(c.startTime).Seconds())
		return p
	}
	c.mu.RUnlock()

	p := c.collectProcessHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = &types.ServiceHealth{Process: p}
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return p
}

func (c *Collector) collectProcessHealth(ctx context.Context) types.ProcessHealth {
	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
			health.MemoryRSS = humanize.IBytes(mem.RSS)
		}
		if memPct, err := proc.MemoryPercentWithContext(ctx); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) fleetHealth() types.FleetHealth {
	if c.fleet == nil {
		return types.FleetHealth{}
	}
	fs := c.fleet.Snapshot()
	return types.FleetHealth{
		Devices: fs.TotalDevices,
		New:     fs.NewDevices,
		Alive:   fs.AliveDevices,
		Overdue: fs.OverdueDevices,
	}
}
