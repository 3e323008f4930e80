package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting agent metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Provider request performance, retries and token usage
//   - Tool dispatch patterns and latencies
//   - Loop outcomes and steps per run
//   - Shell session restarts
//
// All methods are safe on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolExecution("computer", "success", 0.8)
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|retryable|rejected)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_creation)
	LLMTokensUsed *prometheus.CounterVec

	// ProviderRetries counts backoff retries of provider calls.
	// Labels: provider
	ProviderRetries *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|error|interrupted)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 2.5s, 5s, 10s, 30s, 120s
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopOutcomes counts finished runs.
	// Labels: outcome
	LoopOutcomes *prometheus.CounterVec

	// LoopSteps observes provider calls per run.
	LoopSteps prometheus.Histogram

	// ShellRestarts counts shell sessions relaunched.
	// Labels: reason (requested|died)
	ShellRestarts *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Passing nil registers with the Prometheus default registerer, which may
// only happen once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operative_llm_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_llm_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ProviderRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_provider_retries_total",
				Help: "Total number of provider call retries",
			},
			[]string{"provider"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_tool_executions_total",
				Help: "Total number of tool dispatches by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operative_tool_execution_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),

		LoopOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_loop_outcomes_total",
				Help: "Total number of finished agent runs by outcome",
			},
			[]string{"outcome"},
		),

		LoopSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "operative_loop_steps",
				Help:    "Provider calls made per agent run",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
		),

		ShellRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operative_shell_restarts_total",
				Help: "Total number of shell session restarts by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordLLMRequest records metrics for a provider request.
//
// Example:
//
//	start := time.Now()
//	// ... stream the reply ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-7-sonnet-20250219", "success", time.Since(start).Seconds())
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordTokens adds token usage of one reply.
func (m *Metrics) RecordTokens(provider, model string, input, output, cacheRead, cacheCreation int) {
	if m == nil {
		return
	}
	for kind, n := range map[string]int{
		"input":          input,
		"output":         output,
		"cache_read":     cacheRead,
		"cache_creation": cacheCreation,
	} {
		if n > 0 {
			m.LLMTokensUsed.WithLabelValues(provider, model, kind).Add(float64(n))
		}
	}
}

// RecordRetry counts one provider retry.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// RecordToolExecution records metrics for a tool dispatch.
//
// Example:
//
//	start := time.Now()
//	// ... dispatch ...
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordOutcome records how a run finished and how many steps it took.
func (m *Metrics) RecordOutcome(outcome string, steps int) {
	if m == nil {
		return
	}
	m.LoopOutcomes.WithLabelValues(outcome).Inc()
	m.LoopSteps.Observe(float64(steps))
}

// RecordShellRestart counts one shell relaunch.
func (m *Metrics) RecordShellRestart(reason string) {
	if m == nil {
		return
	}
	m.ShellRestarts.WithLabelValues(reason).Inc()
}
