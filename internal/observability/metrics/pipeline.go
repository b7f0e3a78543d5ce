package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver for stage workers.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deliveryAttempt  *prometheus.HistogramVec
	publishFailures  *prometheus.CounterVec
	redrivesTotal    *prometheus.CounterVec
}

// NewPipelineMetrics registers on registry, or on a fresh one when nil.
func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	deliveriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperless",
			Subsystem: "pipeline",
			Name:      "deliveries_total",
			Help:      "Processed deliveries by stage and outcome.",
		},
		[]string{"service", "stage", "outcome"},
	)
	deliveryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperless",
			Subsystem: "pipeline",
			Name:      "delivery_duration_seconds",
			Help:      "Stage handler duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "stage"},
	)
	deliveryAttempt := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperless",
			Subsystem: "pipeline",
			Name:      "delivery_attempt",
			Help:      "Delivery attempt number seen by each stage.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"service", "stage"},
	)
	publishFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperless",
			Subsystem: "pipeline",
			Name:      "publish_failures_total",
			Help:      "Failed publishes by destination queue.",
		},
		[]string{"service", "queue"},
	)
	redrivesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperless",
			Subsystem: "pipeline",
			Name:      "redrives_total",
			Help:      "Stalled documents re-driven by the reconciliation sweep.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(deliveriesTotal, deliveryDuration, deliveryAttempt, publishFailures, redrivesTotal)

	return &PipelineMetrics{
		registry:         registry,
		service:          service,
		deliveriesTotal:  deliveriesTotal,
		deliveryDuration: deliveryDuration,
		deliveryAttempt:  deliveryAttempt,
		publishFailures:  publishFailures,
		redrivesTotal:    redrivesTotal,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) ObserveDelivery(stage domain.Stage, outcome string, attempt int, duration time.Duration) {
	m.deliveriesTotal.WithLabelValues(m.service, string(stage), outcome).Inc()
	m.deliveryDuration.WithLabelValues(m.service, string(stage)).Observe(duration.Seconds())
	if attempt > 0 {
		m.deliveryAttempt.WithLabelValues(m.service, string(stage)).Observe(float64(attempt))
	}
}

func (m *PipelineMetrics) ObservePublishFailure(queue string) {
	m.publishFailures.WithLabelValues(m.service, queue).Inc()
}

func (m *PipelineMetrics) ObserveRedrive(status domain.ProcessingStatus) {
	m.redrivesTotal.WithLabelValues(m.service, string(status)).Inc()
}
