package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveBooking("created")
	m.ObserveBooking("created")
	m.ObserveBooking("time_unavailable")
	m.ObserveWebhook("payment", "applied", 0.02)
	m.ObserveSweep("expire_stale", 3)
	m.ObserveSweep("expire_stale", 0)
	m.ObserveNotification("reminder", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookingsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooksTotal.WithLabelValues("payment", "applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweptTotal.WithLabelValues("expire_stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyTotal.WithLabelValues("reminder", "failed")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveBooking("created")
	m.ObserveWebhook("payment", "applied", 0.1)
	m.ObserveSweep("purge", 1)
	m.ObserveNotification("video_link", true)
}
