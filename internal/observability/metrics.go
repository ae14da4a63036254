package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the coordinator. It carries its
// own registry so tests can build isolated collectors without hitting the
// default global registry.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Saga lifecycle
	SagasStarted   prometheus.Counter
	SagasCompleted prometheus.Counter
	SagasFailed    prometheus.Counter
	SagasAborted   prometheus.Counter
	ActiveSagas    prometheus.Gauge

	// Step execution
	StepDuration  *prometheus.HistogramVec
	Compensations *prometheus.CounterVec

	// Participant channel
	ParticipantRequests *prometheus.CounterVec
	ParticipantRetries  *prometheus.CounterVec
}

// NewCollector creates a metrics collector with the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	sagasStarted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_started_total",
			Help:      "Total number of sagas started",
		},
	)

	sagasCompleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_completed_total",
			Help:      "Total number of sagas that completed every step",
		},
	)

	sagasFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_failed_total",
			Help:      "Total number of sagas that terminated in failure",
		},
	)

	sagasAborted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_aborted_total",
			Help:      "Total number of sagas aborted by an external signal",
		},
	)

	activeSagas := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sagas",
			Help:      "Number of sagas currently tracked by the registry",
		},
	)

	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Saga step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"participant", "phase", "outcome"},
	)

	compensations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of compensation attempts",
		},
		[]string{"participant", "outcome"},
	)

	participantRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_requests_total",
			Help:      "Total number of HTTP attempts to participants",
		},
		[]string{"participant", "outcome"},
	)

	participantRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_retries_total",
			Help:      "Total number of retried participant attempts",
		},
		[]string{"participant"},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		sagasStarted,
		sagasCompleted,
		sagasFailed,
		sagasAborted,
		activeSagas,
		stepDuration,
		compensations,
		participantRequests,
		participantRetries,
	)

	return &Collector{
		registry:            registry,
		HTTPRequests:        httpRequests,
		HTTPDuration:        httpDuration,
		SagasStarted:        sagasStarted,
		SagasCompleted:      sagasCompleted,
		SagasFailed:         sagasFailed,
		SagasAborted:        sagasAborted,
		ActiveSagas:         activeSagas,
		StepDuration:        stepDuration,
		Compensations:       compensations,
		ParticipantRequests: participantRequests,
		ParticipantRetries:  participantRetries,
	}
}

// ObserveStep records one step attempt with its phase and outcome.
func (c *Collector) ObserveStep(participant, phase, outcome string, elapsed time.Duration) {
	c.StepDuration.WithLabelValues(participant, phase, outcome).Observe(elapsed.Seconds())
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
