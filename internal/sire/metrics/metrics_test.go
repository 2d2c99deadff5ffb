package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveRemoteCall("poll", "ok", time.Now())
	m.ObserveRemoteCall("poll", "ok", time.Now())
	m.IncrementTransition("PENDING", "SUBMITTED")
	m.ObserveFileStored(2048)
	m.AddSweepRemoved("files", 3)
	m.AddSweepRemoved("files", 0)
	m.SetBreakerOpen(true)
	m.IncrementRateLimited("create")

	assert.InDelta(t, 2, testutil.ToFloat64(m.RemoteCalls.WithLabelValues("poll", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.TicketTransitions.WithLabelValues("PENDING", "SUBMITTED")), 0)
	assert.InDelta(t, 2048, testutil.ToFloat64(m.FileBytes), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.SweepRemoved.WithLabelValues("files")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BreakerOpen), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues("create")), 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRemoteCall("submit", "ok", time.Now())
		m.IncrementCASConflict()
		m.ObserveAdvance(time.Now())
		m.IncrementIntegrityFailure()
	})
}
