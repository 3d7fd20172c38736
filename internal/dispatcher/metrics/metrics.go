package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for change dispatch.
type Metrics struct {
	EntriesClaimed   prometheus.Counter
	EntriesFinished  *prometheus.CounterVec
	Attempts         *prometheus.CounterVec
	RoutingMisses    *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DrainDuration    prometheus.Histogram
}

// New creates the dispatcher metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "changehub_dispatch_entries_claimed_total",
			Help: "Change entries claimed for delivery",
		}),
		EntriesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changehub_dispatch_entries_finished_total",
			Help: "Claimed change entries by outcome (processed, claim_lost, released)",
		}, []string{"outcome"}),
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changehub_dispatch_attempts_total",
			Help: "Delivery attempts by category and outcome",
		}, []string{"category", "outcome"}),
		RoutingMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changehub_dispatch_routing_misses_total",
			Help: "Changed categories with no configured route",
		}, []string{"category"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "changehub_dispatch_delivery_duration_seconds",
			Help:    "Latency of single delivery attempts",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"category"}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "changehub_dispatch_drain_duration_seconds",
			Help:    "Duration of a drain pass over the change log",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) AddClaimed(n int) {
	m.EntriesClaimed.Add(float64(n))
}

func (m *Metrics) IncrementFinished(outcome string) {
	m.EntriesFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementAttempt(category string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Attempts.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) IncrementRoutingMiss(category string) {
	m.RoutingMisses.WithLabelValues(category).Inc()
}

// ObserveDelivery records one attempt's latency.
// Call with time.Now() at the start of the attempt.
func (m *Metrics) ObserveDelivery(category string, start time.Time) {
	m.DeliveryDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveDrain(start time.Time) {
	m.DrainDuration.Observe(time.Since(start).Seconds())
}
