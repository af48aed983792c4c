package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// Metrics holds all Prometheus metrics for the assistant.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	turnDuration      *prometheus.HistogramVec
	nodeExecutions    *prometheus.CounterVec
	externalErrors    *prometheus.CounterVec
	escalations       prometheus.Counter
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	duplicatesDropped prometheus.Counter
	tokensUsed        *prometheus.CounterVec
	turnsTotal        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_turn_duration_seconds",
				Help:    "Duration of a conversation turn by first routed node.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		nodeExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_node_executions_total",
				Help: "Workflow node executions by node and outcome.",
			},
			[]string{"node", "outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_escalations_total",
				Help: "Conversations handed over to a human.",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		duplicatesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_duplicate_messages_total",
				Help: "Inbound messages dropped because they were already processed.",
			},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_turns_total",
				Help: "Total turns processed.",
			},
			[]string{"status"},
		),
	}
}

// RecordTurnDuration records how long a turn took.
func (m *Metrics) RecordTurnDuration(node string, d time.Duration) {
	m.turnDuration.WithLabelValues(node).Observe(d.Seconds())
}

// IncrNodeExecution counts one node execution.
func (m *Metrics) IncrNodeExecution(node, outcome string) {
	m.nodeExecutions.WithLabelValues(node, outcome).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrEscalation counts a conversation handed over to a human.
func (m *Metrics) IncrEscalation() {
	m.escalations.Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrDuplicate counts an inbound message dropped by dedup.
func (m *Metrics) IncrDuplicate() {
	m.duplicatesDropped.Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int64) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrTurn increments the turn counter with a status label.
func (m *Metrics) IncrTurn(status string) {
	m.turnsTotal.WithLabelValues(status).Inc()
}

// GetSnapshot returns a summary of conversation metrics suitable for the
// GET /v1/metrics/conversations endpoint.
func (m *Metrics) GetSnapshot() *domain.ConversationMetrics {
	success := getCounterValue(m.turnsTotal.WithLabelValues("success"))
	failed := getCounterValue(m.turnsTotal.WithLabelValues("error"))
	total := success + failed
	hits := getCounterValue(m.cacheHits.WithLabelValues("vocabulary"))
	misses := getCounterValue(m.cacheMisses.WithLabelValues("vocabulary"))

	errorRate := float64(0)
	if total > 0 {
		errorRate = failed / total
	}
	cacheHitRate := float64(0)
	if hits+misses > 0 {
		cacheHitRate = hits / (hits + misses)
	}

	return &domain.ConversationMetrics{
		TotalTurns:        int64(total),
		ErrorRate:         errorRate,
		Escalations:       int64(getCounterValue(m.escalations)),
		DuplicatesDropped: int64(getCounterValue(m.duplicatesDropped)),
		PromptTokens:      int64(getCounterValue(m.tokensUsed.WithLabelValues("prompt"))),
		CompletionTokens:  int64(getCounterValue(m.tokensUsed.WithLabelValues("completion"))),
		CacheHitRate:      cacheHitRate,
		Period:            "all_time",
	}
}

// getCounterValue extracts the current float64 value of a counter.
func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
