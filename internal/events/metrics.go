package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a Sink that projects the event stream onto a Prometheus
// registry. Dimensions (provider_id, group_id, tool, result) are
// contractual per the external-interfaces' metrics-export requirement;
// the metric names themselves are not.
type Metrics struct {
	invocations      *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	batchDuration    prometheus.Histogram
	coldStarts       *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	providerState    *prometheus.GaugeVec
	rateLimitHits    *prometheus.CounterVec
}

// NewMetrics registers the hangar metric family on reg and returns a
// Sink that updates them from Emit calls.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar", Name: "invocations_total",
			Help: "Tool invocations by provider, tool, and result.",
		}, []string{"provider_id", "tool", "result"}),
		invocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hangar", Name: "invocation_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider_id", "tool"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hangar", Name: "batch_size",
			Help:    "Number of calls per batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hangar", Name: "batch_duration_seconds",
			Help:    "Batch execution wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		coldStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar", Name: "cold_starts_total",
			Help: "Provider cold starts by provider_id.",
		}, []string{"provider_id"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar", Name: "circuit_transitions_total",
			Help: "Group circuit breaker open/close transitions.",
		}, []string{"group_id", "state"}),
		providerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hangar", Name: "provider_state",
			Help: "1 if the provider is currently in the labeled state.",
		}, []string{"provider_id", "state"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar", Name: "rate_limit_hits_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"provider_id"}),
	}
	reg.MustRegister(m.invocations, m.invocationLatency, m.batchSize, m.batchDuration,
		m.coldStarts, m.circuitTransitions, m.providerState, m.rateLimitHits)
	return m
}

// Emit updates the metric family for a known event name. Unknown events
// are ignored: Metrics is a projection, not the source of truth.
func (m *Metrics) Emit(event string, fields map[string]any) {
	switch event {
	case "invocation_completed":
		providerID, _ := fields["provider_id"].(string)
		tool, _ := fields["tool"].(string)
		result, _ := fields["result"].(string)
		m.invocations.WithLabelValues(providerID, tool, result).Inc()
		if seconds, ok := fields["duration_s"].(float64); ok {
			m.invocationLatency.WithLabelValues(providerID, tool).Observe(seconds)
		}
	case "batch_completed":
		if size, ok := fields["size"].(float64); ok {
			m.batchSize.Observe(size)
		}
		if seconds, ok := fields["duration_s"].(float64); ok {
			m.batchDuration.Observe(seconds)
		}
	case "provider_ready":
		providerID, _ := fields["provider_id"].(string)
		m.coldStarts.WithLabelValues(providerID).Inc()
		m.setState(providerID, "READY")
	case "provider_degraded":
		providerID, _ := fields["provider_id"].(string)
		m.setState(providerID, "DEGRADED")
	case "provider_idle_shutdown", "provider_shutdown", "provider_stop":
		providerID, _ := fields["provider_id"].(string)
		m.setState(providerID, "COLD")
	case "group_circuit_opened":
		groupID, _ := fields["group_id"].(string)
		m.circuitTransitions.WithLabelValues(groupID, "open").Inc()
	case "group_circuit_closed":
		groupID, _ := fields["group_id"].(string)
		m.circuitTransitions.WithLabelValues(groupID, "closed").Inc()
	case "rate_limited":
		providerID, _ := fields["provider_id"].(string)
		m.rateLimitHits.WithLabelValues(providerID).Inc()
	}
}

// setState zeroes every other known state's gauge for providerID before
// setting the new one, so provider_state acts as a one-hot indicator.
func (m *Metrics) setState(providerID, state string) {
	for _, s := range []string{"COLD", "INITIALIZING", "READY", "DEGRADED", "DEAD"} {
		if s == state {
			m.providerState.WithLabelValues(providerID, s).Set(1)
		} else {
			m.providerState.WithLabelValues(providerID, s).Set(0)
		}
	}
}
