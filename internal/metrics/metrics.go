// Package metrics registers the engine's Prometheus collectors, following
// the teacher's pkg/compactionworker/compaction_worker_metrics.go pattern:
// a struct of collectors built once and optionally registered against a
// caller-supplied prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine holds every collector the engine exposes. A nil Registerer passed
// to New skips registration, which is the common case in tests.
type Engine struct {
	EventsEnqueued  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	RetainedCount   *prometheus.GaugeVec
	TableProbeWarn  prometheus.Counter
	TableResizes    prometheus.Counter
	SamplerIncrease *prometheus.CounterVec
	SamplerEscalate *prometheus.CounterVec
	TreePruned      *prometheus.CounterVec
	CallbackPanics  prometheus.Counter
}

func New(r prometheus.Registerer) *Engine {
	m := &Engine{
		EventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_events_enqueued_total",
			Help: "Events successfully enqueued by the producer path.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_events_dropped_total",
			Help: "Events dropped because the queue was at its maximum capacity.",
		}, []string{"kind"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_events_processed_total",
			Help: "Events applied by the deferred consumer.",
		}, []string{"kind"}),
		RetainedCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retainwatch_retained_count",
			Help: "Retained (new - free) object count per tracked class.",
		}, []string{"class"}),
		TableProbeWarn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retainwatch_table_probe_warnings_total",
			Help: "Object table insert probes whose length reached the soft limit.",
		}),
		TableResizes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retainwatch_table_resizes_total",
			Help: "Object table resize operations.",
		}),
		SamplerIncrease: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_sampler_increases_total",
			Help: "Sampler-observed ratcheting increases in retained count, per class.",
		}, []string{"class"}),
		SamplerEscalate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_sampler_escalations_total",
			Help: "Classes upgraded to stack-capturing mode by the sampler.",
		}, []string{"class"}),
		TreePruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retainwatch_tree_nodes_pruned_total",
			Help: "Call tree nodes detached by pruning, per class.",
		}, []string{"class"}),
		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retainwatch_callback_panics_total",
			Help: "User-supplied allocation callbacks that panicked and were recovered.",
		}),
	}
	if r != nil {
		r.MustRegister(
			m.EventsEnqueued,
			m.EventsDropped,
			m.EventsProcessed,
			m.RetainedCount,
			m.TableProbeWarn,
			m.TableResizes,
			m.SamplerIncrease,
			m.SamplerEscalate,
			m.TreePruned,
			m.CallbackPanics,
		)
	}
	return m
}
