// Package metrics implements the prometheus-backed counters and
// gauges that internal/worktree.Metrics and internal/opqueue expose:
// op-applied counts, queue depth, and buffer fragment counts.
//
// Grounded on the aistore forks' and ClusterCockpit-cc-backend's
// prometheus/client_golang usage in the retrieval pack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry wraps the counters/gauges this process exposes and
// implements worktree.Metrics. A *Registry is safe for concurrent use
// (the underlying prometheus collectors are); it carries no other
// state.
type Registry struct {
	opsApplied    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	fragmentCount *prometheus.GaugeVec
}

// New registers every collector against reg (use prometheus.DefaultRegisterer
// for the process-wide default registry, or a fresh prometheus.NewRegistry()
// in tests to avoid collisions between test runs).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		opsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "ops_applied_total",
			Help:      "Operations applied by the work tree, by kind.",
		}, []string{"kind"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "synccore",
			Name:      "opqueue_depth",
			Help:      "Operations currently buffered awaiting a dependency.",
		}),
		fragmentCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synccore",
			Name:      "buffer_fragment_count",
			Help:      "Live fragment count per open buffer.",
		}, []string{"buffer_id"}),
	}
}

// OpApplied implements worktree.Metrics.
func (r *Registry) OpApplied(kind string) {
	if r == nil {
		return
	}
	r.opsApplied.WithLabelValues(kind).Inc()
}

// QueueDepth implements worktree.Metrics.
func (r *Registry) QueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// FragmentCount implements worktree.Metrics.
func (r *Registry) FragmentCount(bufferID string, n int) {
	if r == nil {
		return
	}
	r.fragmentCount.WithLabelValues(bufferID).Set(float64(n))
}
