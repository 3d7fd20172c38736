package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the record write path.
type Metrics struct {
	WritesTotal    *prometheus.CounterVec
	ChangesEmitted *prometheus.CounterVec
	WriteDuration  prometheus.Histogram
	PublishFailed  prometheus.Counter
}

// New creates the record metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changehub_record_writes_total",
			Help: "Record writes by kind (create, update) and outcome",
		}, []string{"kind", "outcome"}),
		ChangesEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changehub_record_changes_emitted_total",
			Help: "Changed monitored sections recorded in the change log, by section",
		}, []string{"section"}),
		WriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "changehub_record_write_duration_seconds",
			Help:    "Duration of the write transaction including version and change log append",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		PublishFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "changehub_record_notify_failures_total",
			Help: "Committed change entries whose wake-up signal could not be published",
		}),
	}
}

// IncrementWrite records one write attempt.
func (m *Metrics) IncrementWrite(kind, outcome string) {
	m.WritesTotal.WithLabelValues(kind, outcome).Inc()
}

// IncrementChange records one changed section.
func (m *Metrics) IncrementChange(section string) {
	m.ChangesEmitted.WithLabelValues(section).Inc()
}

// IncrementPublishFailed records a lost wake-up signal.
func (m *Metrics) IncrementPublishFailed() {
	m.PublishFailed.Inc()
}

// ObserveWrite records the duration of a write.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveWrite(start time.Time) {
	m.WriteDuration.Observe(time.Since(start).Seconds())
}
