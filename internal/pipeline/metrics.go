package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of the verification pipeline.
type Metrics struct {
	Outcomes            *prometheus.CounterVec
	Images              *prometheus.CounterVec
	DetectDuration      prometheus.Histogram
	LivenessDuration    prometheus.Histogram
	PersistDuration     *prometheus.HistogramVec
	PersistRetries      prometheus.Counter
	JournalFailures     prometheus.Counter
	ActiveVerifications prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_outcomes_total",
				Help: "Verification outcomes partitioned by kind.",
			},
			[]string{"kind"},
		),
		Images: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_images_total",
				Help: "Submitted images partitioned by status.",
			},
			[]string{"status"},
		),
		DetectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attendance_detect_duration_seconds",
				Help:    "Time taken by face detection and embedding.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
			},
		),
		LivenessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attendance_liveness_duration_seconds",
				Help:    "Time taken to score one face crop with the liveness ensemble.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
			},
		),
		PersistDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attendance_persist_duration_seconds",
				Help:    "Time taken by one ledger mark including the audit append.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"status"},
		),
		PersistRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "attendance_persist_retries_total",
				Help: "Ledger marks retried after a persistence failure.",
			},
		),
		JournalFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "attendance_journal_failures_total",
				Help: "Committed events that could not be written to the post-commit audit journal.",
			},
		),
		ActiveVerifications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "attendance_active_verifications",
				Help: "Number of detections currently being verified.",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.Outcomes, m.Images, m.DetectDuration, m.LivenessDuration,
		m.PersistDuration, m.PersistRetries, m.JournalFailures, m.ActiveVerifications,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// The record methods are nil-safe so the pipeline can run without metrics.

func (m *Metrics) recordOutcome(kind Kind) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordImage(status string) {
	if m == nil {
		return
	}
	m.Images.WithLabelValues(status).Inc()
}

func (m *Metrics) observeDetect(seconds float64) {
	if m == nil {
		return
	}
	m.DetectDuration.Observe(seconds)
}

func (m *Metrics) observeLiveness(seconds float64) {
	if m == nil {
		return
	}
	m.LivenessDuration.Observe(seconds)
}

func (m *Metrics) observePersist(seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PersistDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.PersistRetries.Inc()
}

func (m *Metrics) incJournalFailure() {
	if m == nil {
		return
	}
	m.JournalFailures.Inc()
}

func (m *Metrics) addActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveVerifications.Add(delta)
}
