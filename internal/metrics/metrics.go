package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collection outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeDuplicate   = "duplicate"
	OutcomeSourceError = "source_error"
	OutcomeStoreError  = "store_error"
)

const namespace = "mirador_health"

var (
	collectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Per-service collections, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	collectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_seconds",
			Help:      "Per-service collection latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
	)

	tickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_seconds",
			Help:      "Duration of a full collection tick across all services.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly records created, partitioned by severity.",
		},
		[]string{"severity"},
	)

	detectionSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_skipped_total",
			Help:      "Detection runs skipped, partitioned by reason.",
		},
		[]string{"reason"},
	)

	serviceHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health_score",
			Help:      "Latest 0-100 health score per monitored service.",
		},
		[]string{"service"},
	)
)

// Register attaches mirador-health collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		collectionsTotal,
		collectionDurationSeconds,
		tickDurationSeconds,
		anomaliesTotal,
		detectionSkippedTotal,
		serviceHealthScore,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCollection records a per-service collection duration and outcome label.
func ObserveCollection(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeDuplicate, OutcomeSourceError, OutcomeStoreError:
	default:
		outcome = OutcomeSuccess
	}
	collectionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	collectionDurationSeconds.Observe(duration.Seconds())
}

// ObserveTick records how long a full tick took.
func ObserveTick(duration time.Duration) {
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveAnomaly counts a created anomaly record.
func ObserveAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// ObserveDetectionSkipped counts a detection run that could not score its window.
func ObserveDetectionSkipped(reason string) {
	detectionSkippedTotal.WithLabelValues(reason).Inc()
}

// SetHealthScore publishes the latest health score of a service.
func SetHealthScore(service string, score int) {
	serviceHealthScore.WithLabelValues(service).Set(float64(score))
}
