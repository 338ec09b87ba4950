// Package metrics exposes prometheus counters/histograms for the install
// pipeline, grounded on the pack's client_golang wiring conventions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine registers.
type Metrics struct {
	InstallAttempts   *prometheus.CounterVec
	InstallFailures   *prometheus.CounterVec
	InstallDuration   *prometheus.HistogramVec
	RemoteReloads     prometheus.Counter
	DevicesRegistered prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstallAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxfirm",
			Subsystem: "install",
			Name:      "attempts_total",
			Help:      "Number of install attempts by device plugin.",
		}, []string{"plugin"}),
		InstallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxfirm",
			Subsystem: "install",
			Name:      "failures_total",
			Help:      "Number of failed installs by error kind.",
		}, []string{"kind"}),
		InstallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluxfirm",
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Install duration in seconds by plugin.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		RemoteReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluxfirm",
			Subsystem: "remotelist",
			Name:      "reloads_total",
			Help:      "Number of remote list reloads triggered.",
		}),
		DevicesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxfirm",
			Subsystem: "device",
			Name:      "registered",
			Help:      "Number of currently registered devices.",
		}),
	}
	reg.MustRegister(m.InstallAttempts, m.InstallFailures, m.InstallDuration, m.RemoteReloads, m.DevicesRegistered)
	return m
}
