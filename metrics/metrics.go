// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsTotal counts workflow generations by platform and outcome
	// (generated, fallback, error).
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowforge",
		Name:      "generations_total",
		Help:      "Workflow generations by platform and outcome.",
	}, []string{"platform", "outcome"})

	// GenerationDenialsTotal counts generations blocked by plan limits.
	GenerationDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowforge",
		Name:      "generation_denials_total",
		Help:      "Generations denied by usage limits, by trigger.",
	}, []string{"trigger"})

	// UpgradePromptsTotal counts upgrade prompts served, by urgency.
	UpgradePromptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowforge",
		Name:      "upgrade_prompts_total",
		Help:      "Upgrade prompts served, by urgency.",
	}, []string{"urgency"})

	// OpenAIRequestSeconds observes model request latency.
	OpenAIRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowforge",
		Name:      "openai_request_seconds",
		Help:      "Latency of chat-completion requests.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	// ActiveEventSubscribers tracks connected websocket event subscribers.
	ActiveEventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowforge",
		Name:      "active_event_subscribers",
		Help:      "Currently connected event stream subscribers.",
	})
)
