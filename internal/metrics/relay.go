package metrics

import "math"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, math.Inf(1)}

// RelayMetrics groups the instruments the orchestrator records into.
type RelayMetrics struct {
	collector *Collector
}

func NewRelayMetrics(c *Collector) *RelayMetrics {
	return &RelayMetrics{collector: c}
}

// Outcome counts one finished relay pass by terminal outcome.
func (m *RelayMetrics) Outcome(outcome string) {
	m.collector.Counter("relaybot_relays_total",
		"Relay passes by terminal outcome", `outcome="`+outcome+`"`).Inc()
}

// StageFailure counts a fatal stage failure.
func (m *RelayMetrics) StageFailure(stage string) {
	m.collector.Counter("relaybot_stage_failures_total",
		"Fatal pipeline failures by stage", `stage="`+stage+`"`).Inc()
}

// AuditFailure counts a swallowed audit append failure.
func (m *RelayMetrics) AuditFailure() {
	m.collector.Counter("relaybot_audit_failures_total",
		"Audit appends that failed after a delivered reply", "").Inc()
}

// StageLatency observes how long one stage took, in seconds.
func (m *RelayMetrics) StageLatency(stage string, seconds float64) {
	m.collector.Histogram("relaybot_stage_duration_seconds",
		"Stage latency in seconds", `stage="`+stage+`"`, latencyBuckets).Observe(seconds)
}
