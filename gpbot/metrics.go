package gpbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "gpbot"

const (
	metricSourceCommand = "command"
	metricSourceMessage = "message"

	metricOutcomeSuccess  = "success"
	metricOutcomeFallback = "fallback"
	metricOutcomeError    = "error"
	metricOutcomeRejected = "rejected"
)

// Metrics holds the bot's prometheus collectors, registered on a
// registry owned by the bot. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	moderationDecisions *prometheus.CounterVec
	chatRequests        *prometheus.CounterVec
	cooldownRejections  *prometheus.CounterVec
	llmRequests         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		moderationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "moderation_decisions_total",
				Help:      "Moderation decisions, by decision",
			},
			[]string{"decision"},
		),
		chatRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chat_requests_total",
				Help:      "Chat requests, by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		cooldownRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cooldown_rejections_total",
				Help:      "Requests rejected because the user was on cooldown",
			},
			[]string{"source"},
		),
		llmRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "llm_requests_total",
				Help:      "Completion backend requests, by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.moderationDecisions,
		m.chatRequests,
		m.cooldownRejections,
		m.llmRequests,
	)
	return m
}

// Registry returns the registry the bot's collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) moderationDecision(d Decision) {
	if m == nil {
		return
	}
	m.moderationDecisions.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) chatRequest(source, outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) cooldownRejection(source string) {
	if m == nil {
		return
	}
	m.cooldownRejections.WithLabelValues(source).Inc()
}

func (m *Metrics) llmRequest(backend, outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(backend, outcome).Inc()
}
