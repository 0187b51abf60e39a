package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PromMetrics struct {
	scheduled       *prometheus.CounterVec
	cancelled       *prometheus.CounterVec
	completed       *prometheus.CounterVec
	pending         *prometheus.GaugeVec
	delivered       *prometheus.CounterVec
	deliveryFailed  *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_scheduled_total",
			Help: "Number of accepted schedule commands",
		}, []string{"owner"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_cancelled_total",
			Help: "Number of persisted cancellations",
		}, []string{"owner"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_completed_total",
			Help: "Number of persisted completions",
		}, []string{"owner"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reminders_pending",
			Help: "Entries currently held by an owner",
		}, []string{"owner"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_delivered_total",
			Help: "Number of successful deliveries",
		}, []string{"scheme"}),
		deliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_delivery_failed_total",
			Help: "Number of failed delivery attempts",
		}, []string{"scheme"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminders_delivery_latency_seconds",
			Help:    "Latency of successful deliveries",
			Buckets: prometheus.DefBuckets,
		}, []string{"scheme"}),
	}
	reg.MustRegister(m.scheduled, m.cancelled, m.completed, m.pending,
		m.delivered, m.deliveryFailed, m.deliveryLatency)
	return m
}

func (m *PromMetrics) Scheduled(owner string) {
	m.scheduled.WithLabelValues(owner).Inc()
}
func (m *PromMetrics) Cancelled(owner string) {
	m.cancelled.WithLabelValues(owner).Inc()
}
func (m *PromMetrics) Completed(owner string) {
	m.completed.WithLabelValues(owner).Inc()
}
func (m *PromMetrics) Pending(owner string, n int) {
	m.pending.WithLabelValues(owner).Set(float64(n))
}
func (m *PromMetrics) Delivered(scheme string, d time.Duration) {
	m.delivered.WithLabelValues(scheme).Inc()
	m.deliveryLatency.WithLabelValues(scheme).Observe(d.Seconds())
}
func (m *PromMetrics) DeliveryFailed(scheme string) {
	m.deliveryFailed.WithLabelValues(scheme).Inc()
}
