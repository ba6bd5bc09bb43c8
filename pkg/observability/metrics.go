// Package observability exposes Prometheus metrics for the orchestration
// core: bus traffic, tool calls, graph node executions, and LLM requests.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgrid_bus_messages_total",
			Help: "Total number of messages accepted by the bus",
		},
		[]string{"kind", "pattern"},
	)

	busDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgrid_bus_delivery_failures_total",
			Help: "Total number of failed deliveries",
		},
		[]string{"reason"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgrid_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgrid_tool_call_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	nodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgrid_node_executions_total",
			Help: "Total number of graph node executions",
		},
		[]string{"node", "status"},
	)

	nodeExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgrid_node_execution_duration_seconds",
			Help:    "Graph node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgrid_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"provider", "status"},
	)

	llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgrid_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	agentExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgrid_agent_execution_duration_seconds",
			Help:    "Agent task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busMessagesTotal,
			busDeliveryFailures,
			toolCallsTotal,
			toolCallDuration,
			nodeExecutionsTotal,
			nodeExecutionDuration,
			llmRequestsTotal,
			llmRequestDuration,
			agentExecutionDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordBusMessage records an accepted bus message.
func RecordBusMessage(kind, pattern string) {
	busMessagesTotal.WithLabelValues(kind, pattern).Inc()
}

// RecordBusFailure records a delivery failure by reason.
func RecordBusFailure(reason string) {
	busDeliveryFailures.WithLabelValues(reason).Inc()
}

// RecordToolCall records a tool execution.
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordNodeExecution records a graph node execution.
func RecordNodeExecution(node, status string, duration time.Duration) {
	nodeExecutionsTotal.WithLabelValues(node, status).Inc()
	nodeExecutionDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordLLMRequest records an LLM request.
func RecordLLMRequest(provider, status string, duration time.Duration) {
	llmRequestsTotal.WithLabelValues(provider, status).Inc()
	llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAgentExecution records an agent task execution.
func RecordAgentExecution(agent string, duration time.Duration) {
	agentExecutionDuration.WithLabelValues(agent).Observe(duration.Seconds())
}
