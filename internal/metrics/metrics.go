// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_phase_transitions_total",
			Help: "Turn phase transitions",
		},
		[]string{"from", "to"},
	)

	RecognitionRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_recognition_restarts_total",
			Help: "Recognition restarts scheduled, by cause",
		},
		[]string{"cause"},
	)

	TranscriptsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interview_transcripts_discarded_total",
			Help: "Final transcripts dropped because a turn was already in flight",
		},
	)

	EngineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_engine_errors_total",
			Help: "Recognition engine errors, by code",
		},
		[]string{"code"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "interview_active_sessions",
			Help: "Number of live interview sessions",
		},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interview_turn_duration_seconds",
			Help:    "Controller exchange duration including the spoken reply, by step",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
		[]string{"step"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "interview_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)
)
