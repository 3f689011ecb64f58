package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/pkg/models"
)

// Metrics holds the Prometheus collectors for the execution core.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	turns         prometheus.Counter

	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec

	tokens *prometheus.CounterVec

	contextPasses *prometheus.CounterVec
	tokensFreed   prometheus.Counter

	errors *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry so tests can
// instantiate metrics without duplicate-registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_agent_runs_started_total",
			Help: "Agent runs started",
		}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_agent_runs_completed_total",
			Help: "Agent runs completed, by termination reason",
		}, []string{"stop_reason"}),
		turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_agent_turns_total",
			Help: "Loop iterations executed",
		}),

		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_tool_executions_total",
			Help: "Tool executions, by tool name and outcome",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synapse_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_tokens_total",
			Help: "Tokens consumed, by direction",
		}, []string{"direction"}),

		contextPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_context_passes_total",
			Help: "Context management passes, by action",
		}, []string{"action"}),
		tokensFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_context_tokens_freed_total",
			Help: "Estimated tokens freed by offload and compaction",
		}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_errors_total",
			Help: "Errors surfaced on the agent stream, by kind",
		}, []string{"kind"}),
	}
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the collectors to bus. Returns an unsubscribe
// function.
func (m *Metrics) Observe(bus *agent.EventBus) func() {
	id := bus.SubscribeAll(func(event models.AgentEvent) {
		switch event.Type {
		case models.EventAgentStart:
			m.runsStarted.Inc()

		case models.EventAgentEnd:
			reason := "end_turn"
			if event.Result != nil {
				reason = event.Result.StopReason
			}
			m.runsCompleted.WithLabelValues(reason).Inc()

		case models.EventTurnStart:
			m.turns.Inc()

		case models.EventToolEnd:
			if event.Tool == nil {
				return
			}
			status := "ok"
			if event.Tool.IsError {
				status = "error"
			}
			m.toolExecutions.WithLabelValues(event.Tool.Name, status).Inc()
			m.toolDuration.WithLabelValues(event.Tool.Name).Observe(event.Tool.Elapsed.Seconds())

		case models.EventUsage:
			if event.Usage == nil {
				return
			}
			m.tokens.WithLabelValues("input").Add(float64(event.Usage.InputOther))
			m.tokens.WithLabelValues("output").Add(float64(event.Usage.Output))
			m.tokens.WithLabelValues("cache_read").Add(float64(event.Usage.InputCacheRead))
			m.tokens.WithLabelValues("cache_creation").Add(float64(event.Usage.InputCacheCreation))

		case models.EventContextManagement:
			if event.Context == nil {
				return
			}
			m.contextPasses.WithLabelValues(string(event.Context.Action)).Inc()
			if event.Context.FreedTokens > 0 {
				m.tokensFreed.Add(float64(event.Context.FreedTokens))
			}

		case models.EventError:
			kind := "unknown"
			if event.Error != nil && event.Error.Kind != "" {
				kind = event.Error.Kind
			}
			m.errors.WithLabelValues(kind).Inc()
		}
	})
	return func() { bus.Unsubscribe(id) }
}

// Serve exposes /metrics on addr. Blocks until the listener fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
