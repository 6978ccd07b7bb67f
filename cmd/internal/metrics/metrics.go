// Package metrics exports session lifecycle counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"sessiond/cmd/internal/auth/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessiond"

// Metrics implements session.Observer on top of Prometheus collectors.
type Metrics struct {
	reg *prometheus.Registry

	admissions    *prometheus.CounterVec
	evictions     prometheus.Counter
	revocations   *prometheus.CounterVec
	sweepDeleted  prometheus.Counter
	sweepFailures prometheus.Counter
	sweepDuration prometheus.Histogram
}

var _ session.Observer = (*Metrics)(nil)

// New registers the session collectors plus Go/process collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Session admissions by outcome (renewed, created, replaced).",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Sessions revoked to keep a user under the active-session cap.",
		}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Sessions revoked, by kind (single, bulk).",
		}, []string{"kind"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Rows removed by the reaper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Reaper sweeps that returned an error.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of reaper sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.admissions,
		m.evictions,
		m.revocations,
		m.sweepDeleted,
		m.sweepFailures,
		m.sweepDuration,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Admitted(_ context.Context, res session.AdmitResult) {
	m.admissions.WithLabelValues(string(res.Outcome)).Inc()
}

func (m *Metrics) Revoked(_ context.Context, _ session.Session, reason session.RevokeReason) {
	if reason == session.ReasonEvicted {
		m.evictions.Inc()
		return
	}
	m.revocations.WithLabelValues("single").Inc()
}

func (m *Metrics) RevokedAll(_ context.Context, _, _ string, count int64) {
	m.revocations.WithLabelValues("bulk").Add(float64(count))
}

func (m *Metrics) Swept(_ context.Context, deleted int64, elapsed time.Duration, err error) {
	m.sweepDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.sweepFailures.Inc()
		return
	}
	m.sweepDeleted.Add(float64(deleted))
}
