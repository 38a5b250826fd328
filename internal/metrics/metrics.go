package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for booking, reconciliation and sweeps.
type Metrics struct {
	bookingsTotal  *prometheus.CounterVec
	webhooksTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	sweptTotal     *prometheus.CounterVec
	notifyTotal    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook events by type and outcome",
		}, []string{"type", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook reconciliation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		sweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "housekeeping",
			Name:      "swept_total",
			Help:      "Rows affected by housekeeping sweeps",
		}, []string{"sweep"}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Patient notifications by kind and status",
		}, []string{"kind", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.webhooksTotal, m.webhookLatency, m.sweptTotal, m.notifyTotal)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhook(eventType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(eventType, outcome).Inc()
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) ObserveSweep(sweep string, affected int) {
	if m == nil || affected <= 0 {
		return
	}
	m.sweptTotal.WithLabelValues(sweep).Add(float64(affected))
}

func (m *Metrics) ObserveNotification(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.notifyTotal.WithLabelValues(kind, status).Inc()
}
