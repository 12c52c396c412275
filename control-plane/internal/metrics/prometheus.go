package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Prometheus records registry and sweeper activity as Prometheus metrics.
// It implements registry.Observer.
type Prometheus struct {
	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer
	namespace string
	once      sync.Once

	beats         *prometheus.CounterVec
	beatGap       prometheus.Histogram
	transitions   *prometheus.CounterVec
	evictions     prometheus.Counter
	devices       *prometheus.GaugeVec
	sweepDuration prometheus.Histogram
	sweepFailures prometheus.Counter
}

var _ registry.Observer = (*Prometheus)(nil)

// NewPrometheus creates a collector registered with reg.
// A nil reg uses a fresh registry; namespace defaults to "beatmon".
func NewPrometheus(reg *prometheus.Registry, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "beatmon"
	}
	return &Prometheus{reg: reg, gatherer: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.beats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "beats_total",
			Help:      "Beats received by result (accepted, rejected).",
		}, []string{"result"})

		p.beatGap = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "beat_gap_seconds",
			Help:      "Gap closed by each accepted beat in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		})

		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Device state transitions by source and target state.",
		}, []string{"from", "to"})

		p.evictions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Devices removed by the retention pass.",
		})

		p.devices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "fleet",
			Name:      "devices",
			Help:      "Devices by liveness state as of the last sweep.",
		}, []string{"state"})

		p.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Duration of sweeper ticks in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us .. ~26s
		})

		p.sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "refresh_failures_total",
			Help:      "Per-device refresh failures during sweeps.",
		})

		p.reg.MustRegister(p.beats)
		p.reg.MustRegister(p.beatGap)
		p.reg.MustRegister(p.transitions)
		p.reg.MustRegister(p.evictions)
		p.reg.MustRegister(p.devices)
		p.reg.MustRegister(p.sweepDuration)
		p.reg.MustRegister(p.sweepFailures)
	})
}

// BeatAccepted counts an accepted beat and observes the gap it closed.
func (p *Prometheus) BeatAccepted(device registry.Snapshot, gap time.Duration) {
	p.ensureRegistered()
	p.beats.WithLabelValues("accepted").Inc()
	if device.TotalBeats > 1 {
		p.beatGap.Observe(gap.Seconds())
	}
}

// BeatRejected counts a beat that was not newer than the last one.
func (p *Prometheus) BeatRejected(string, time.Time) {
	p.ensureRegistered()
	p.beats.WithLabelValues("rejected").Inc()
}

// StateChanged counts a transition.
func (p *Prometheus) StateChanged(t registry.Transition) {
	p.ensureRegistered()
	p.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
}

// DeviceEvicted counts an eviction.
func (p *Prometheus) DeviceEvicted(registry.Snapshot, time.Time) {
	p.ensureRegistered()
	p.evictions.Inc()
}

// ObserveSweep records one sweeper tick.
func (p *Prometheus) ObserveSweep(d time.Duration, failed int) {
	p.ensureRegistered()
	p.sweepDuration.Observe(d.Seconds())
	p.sweepFailures.Add(float64(failed))
}

// SetDeviceCounts publishes the per-state device gauges.
func (p *Prometheus) SetDeviceCounts(counts map[types.DeviceState]int) {
	p.ensureRegistered()
	for _, s := range []types.DeviceState{types.DeviceStateNew, types.DeviceStateAlive, types.DeviceStateOverdue} {
		p.devices.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	p.ensureRegistered()
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
