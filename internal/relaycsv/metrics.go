package relaycsv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the consumer's collectors. A nil *Metrics records nothing.
type Metrics struct {
	received   prometheus.Counter
	acked      prometheus.Counter
	requeued   *prometheus.CounterVec
	callErrors *prometheus.CounterVec
	duration   prometheus.Histogram
	rows       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycsv_messages_received_total",
			Help: "Notifications received from the queue.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycsv_messages_acked_total",
			Help: "Notifications deleted after their table was stored.",
		}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycsv_messages_requeued_total",
			Help: "Notifications made visible again after a failed attempt, by failing stage.",
		}, []string{"stage"}),
		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycsv_queue_call_errors_total",
			Help: "Failed queue calls, by call.",
		}, []string{"call"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaycsv_pipeline_duration_seconds",
			Help:    "Time spent processing one notification.",
			Buckets: prometheus.DefBuckets,
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycsv_table_rows_total",
			Help: "Rows written to stored tables.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.acked, m.requeued, m.callErrors, m.duration, m.rows)
	}
	return m
}

func (m *Metrics) observeReceived(n int) {
	if m == nil {
		return
	}
	m.received.Add(float64(n))
}

func (m *Metrics) observeAcked(rows int) {
	if m == nil {
		return
	}
	m.acked.Inc()
	m.rows.Add(float64(rows))
}

func (m *Metrics) observeRequeued(stage Stage) {
	if m == nil {
		return
	}
	m.requeued.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) observeCallError(call string) {
	if m == nil {
		return
	}
	m.callErrors.WithLabelValues(call).Inc()
}

func (m *Metrics) observeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
