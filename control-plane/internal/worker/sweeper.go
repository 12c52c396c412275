// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

// DeviceStore is the registry surface the sweeper drives.
type DeviceStore interface {
	ListDevices() []registry.Snapshot
	RefreshOverdue(name string, now time.Time) (registry.Snapshot, bool, error)
	Evict(cutoff, now time.Time) []registry.Snapshot
}

// SweepMetrics receives per-tick measurements. May be nil.
type SweepMetrics interface {
	ObserveSweep(d time.Duration, failed int)
	SetDeviceCounts(counts map[types.DeviceState]int)
}

// SweeperConfig holds configuration for the sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// Retention removes devices silent for longer than this. Zero disables it.
	Retention time.Duration
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 5 * time.Second,
	}
}

// SweepResult summarizes one tick.
type SweepResult struct {
	Checked      int // devices listed
	Transitioned int // alive -> overdue
	Extended     int // already overdue, open gap re-sampled
	Failed       int
	Evicted      int
}

// Sweeper periodically marks silent devices overdue so readers see it
// without a new beat arriving.
type Sweeper struct {
	store   DeviceStore
	clock   clock.Clock
	metrics SweepMetrics
	config  SweeperConfig
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a new sweeper.
func NewSweeper(store DeviceStore, c clock.Clock, m SweepMetrics, config SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		clock:   c,
		metrics: m,
		config:  config,
		logger:  logger.With("component", "sweeper"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the sweeper in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the sweeper to stop and waits for the current tick to finish.
// It must only be called after Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("sweeper started",
		"interval", s.config.Interval,
		"retention", s.config.Retention,
	)

	// Run immediately on start
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	now := s.clock.Now()

	var res SweepResult
	counts := make(map[types.DeviceState]int, 3)

	for _, d := range s.store.ListDevices() {
		res.Checked++
		if ctx.Err() != nil {
			// Remaining devices are picked up on the next tick.
			counts[d.State]++
			continue
		}
		state := s.refresh(d, now, &res)
		counts[state]++
	}

	if s.config.Retention > 0 && ctx.Err() == nil {
		evicted := s.store.Evict(now.Add(-s.config.Retention), now)
		res.Evicted = len(evicted)
		for _, d := range evicted {
			counts[d.State]--
			s.logger.Info("device evicted",
				"device", d.Name,
				"last_activity", d.LastActivity(),
			)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(time.Since(start), res.Failed)
		s.metrics.SetDeviceCounts(counts)
	}

	level := slog.LevelDebug
	if res.Transitioned > 0 || res.Failed > 0 || res.Evicted > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep complete",
		"duration", time.Since(start),
		"checked", res.Checked,
		"transitioned", res.Transitioned,
		"extended", res.Extended,
		"failed", res.Failed,
		"evicted", res.Evicted,
	)
	return res
}

// refresh re-evaluates one device and returns its resulting state.
func (s *Sweeper) refresh(d registry.Snapshot, now time.Time, res *SweepResult) types.DeviceState {
	if !d.Assess(now).Overdue {
		return d.State
	}

	snap, transitioned, err := s.store.RefreshOverdue(d.Name, now)
	if err != nil {
		res.Failed++
		s.logger.Warn("failed to refresh device",
			"device", d.Name,
			"error", err,
		)
		return d.State
	}

	if transitioned {
		res.Transitioned++
		s.logger.Info("device overdue",
			"device", d.Name,
			"last_beat", snap.LastBeat,
			"expected_interval", snap.ExpectedInterval,
		)
	} else {
		res.Extended++
	}
	return snap.State
}
