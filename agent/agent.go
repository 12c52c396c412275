// Package agent provides the device-side beat agent.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Check connectivity to the control plane (non-fatal)
//  3. Start one beat loop per device, paced by a shared limiter
//  4. Optionally refresh fleet stats on an interval
//  5. Run until shutdown signal
package agent

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pilot-net/beatmon/agent/internal/client"
	"github.com/pilot-net/beatmon/agent/internal/config"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// API is the control plane surface the agent uses.
type API interface {
	Beat(ctx context.Context, device string, at time.Time) (*client.BeatResult, error)
	UpdateStats(ctx context.Context) (*types.Stats, error)
	Ping(ctx context.Context) error
}

// Stats counts beats sent since start.
type Stats struct {
	Sent     int64
	Accepted int64
	Rejected int64
	Failed   int64
}

// Agent sends beats for its configured devices.
type Agent struct {
	cfg     *config.Config
	api     API
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger

	sent     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// New creates an agent talking to the control plane named in cfg.
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	api := client.NewClient(client.Config{
		BaseURL:            cfg.ControlPlane.URL,
		AuthToken:          cfg.ControlPlane.Token,
		InsecureSkipVerify: cfg.ControlPlane.InsecureSkipVerify,
		Timeout:            cfg.ControlPlane.RequestTimeout,
		UserAgent:          "beatmon-agent/" + Version,
	})
	return NewWithAPI(cfg, api, logger)
}

// NewWithAPI creates an agent using api for all requests.
func NewWithAPI(cfg *config.Config, api API, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &Agent{
		cfg:     cfg,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.Limits.BeatsPerSecond), cfg.Limits.Burst),
		now:     time.Now,
		logger:  logger.With("component", "agent"),
	}
}

// Stats returns a snapshot of the beat counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Sent:     a.sent.Load(),
		Accepted: a.accepted.Load(),
		Rejected: a.rejected.Load(),
		Failed:   a.failed.Load(),
	}
}

// Run starts the beat loops and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"devices", a.cfg.Agent.Devices,
		"interval", a.cfg.Agent.Interval,
		"version", Version)

	if err := a.api.Ping(ctx); err != nil {
		a.logger.Warn("control plane not reachable yet", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, device := range a.cfg.Agent.Devices {
		g.Go(func() error { return a.runDevice(gctx, device) })
	}
	if a.cfg.Report.StatsInterval > 0 {
		g.Go(func() error { return a.runStatsReport(gctx) })
	}

	err := g.Wait()
	s := a.Stats()
	a.logger.Info("agent stopped",
		"sent", s.Sent,
		"accepted", s.Accepted,
		"rejected", s.Rejected,
		"failed", s.Failed)
	return err
}

// runDevice beats for one device immediately and then on every tick.
func (a *Agent) runDevice(ctx context.Context, device string) error {
	ticker := time.NewTicker(a.cfg.Agent.Interval)
	defer ticker.Stop()

	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil // cancelled
		}
		a.sendBeat(ctx, device)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sendBeat sends one beat. Failures are logged and retried on the next tick.
func (a *Agent) sendBeat(ctx context.Context, device string) {
	var at time.Time
	if a.cfg.Agent.SendTimestamp {
		at = a.now()
	}

	a.sent.Add(1)
	res, err := a.api.Beat(ctx, device, at)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.failed.Add(1)
		a.logger.Warn("beat failed", "device", device, "error", err)
		return
	}

	if !res.Accepted {
		a.rejected.Add(1)
		a.logger.Warn("beat not accepted, server holds a newer one", "device", device)
		return
	}
	a.accepted.Add(1)
	a.logger.Debug("beat sent", "device", device, "total_beats", res.TotalBeats)
}

// runStatsReport refreshes the fleet stats and logs them.
func (a *Agent) runStatsReport(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Report.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := a.api.UpdateStats(ctx)
			if err != nil {
				a.logger.Warn("stats refresh failed", "error", err)
				continue
			}
			a.logger.Info("fleet stats",
				"devices", st.TotalDevices,
				"beats", st.TotalBeats,
				"uptime_ms", st.TotalUptimeMilli,
				"longest_missing_ms", st.LongestMissingBeat)
		}
	}
}
