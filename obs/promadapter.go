// Package obs bridges flowmesh's request-serving surface onto
// prometheus/client_golang, the scrape-based metrics path a host process
// exposes alongside the per-component metricz registries every flowmesh
// concern (engine, fanout, gate, ...) already carries internally. The two
// are deliberately separate: metricz.Registry is flowmesh's own
// fine-grained, per-concern counter set (inspectable in-process, e.g. by
// tests or an explain collector), while this package is the coarse,
// scrape-friendly surface a host's /metrics endpoint serves to Prometheus.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors is the fixed set of scrape-facing metrics a flowmesh host
// process exposes: request volume/latency by flow and outcome kind, and
// fanout trim volume by stage — the two numbers an on-call engineer reaches
// for first (spec.md §4.6's "throughput, latency, fanout trim rate" triad).
type Collectors struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FanoutTrimmed   *prometheus.CounterVec
}

// NewCollectors builds a fresh prometheus.Registry and registers the fixed
// collector set against it.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_requests_total",
			Help: "Total flow executions by flow name and outcome kind.",
		}, []string{"flow", "outcome_kind"}),
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowmesh_request_duration_seconds",
			Help:    "Flow execution latency by flow name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow"}),
		FanoutTrimmed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_fanout_trimmed_total",
			Help: "Stage fanout candidates skipped due to FANOUT_TRIM, by flow and stage.",
		}, []string{"flow", "stage"}),
	}
	return c
}

// Handler returns the promhttp handler for this collector set's registry,
// mounted by the host under /metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
