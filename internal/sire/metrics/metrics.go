package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics provides observability for the SIRE engine: provider calls, session
// renewals, ticket transitions and file materialization.
//
// All methods are safe on a nil *Metrics so components can run unobserved.
type Metrics struct {
	RemoteCalls       *prometheus.CounterVec
	RemoteDuration    *prometheus.HistogramVec
	RemoteRetries     *prometheus.CounterVec
	BreakerOpen       prometheus.Gauge
	Authentications   *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	TicketsCreated    *prometheus.CounterVec
	TicketTransitions *prometheus.CounterVec
	AdvanceDuration   prometheus.Histogram
	CASConflicts      prometheus.Counter
	FilesStored       prometheus.Counter
	FileBytes         prometheus.Counter
	IntegrityFailures prometheus.Counter
	SweepRemoved      *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
}

// New registers the metrics with the default Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_remote_calls_total",
			Help: "Provider calls by endpoint and outcome kind",
		}, []string{"endpoint", "outcome"}),
		RemoteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sire_remote_call_duration_seconds",
			Help:    "Latency of single provider HTTP attempts",
			Buckets: latencyBuckets,
		}, []string{"endpoint"}),
		RemoteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_remote_retries_total",
			Help: "Provider call retries by endpoint",
		}, []string{"endpoint"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "sire_remote_circuit_open",
			Help: "1 while the provider circuit breaker is open",
		}),
		Authentications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_authentications_total",
			Help: "Password grant authentications by outcome",
		}, []string{"outcome"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_token_refreshes_total",
			Help: "Refresh token grants by outcome",
		}, []string{"outcome"}),
		TicketsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_tickets_created_total",
			Help: "Tickets created by operation",
		}, []string{"operation"}),
		TicketTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_ticket_transitions_total",
			Help: "Persisted ticket status transitions",
		}, []string{"from", "to"}),
		AdvanceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sire_advance_duration_seconds",
			Help:    "Duration of single advance steps",
			Buckets: latencyBuckets,
		}),
		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "sire_cas_conflicts_total",
			Help: "Version conflicts retried on ticket and session writes",
		}),
		FilesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "sire_files_stored_total",
			Help: "Result files materialized",
		}),
		FileBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sire_file_bytes_total",
			Help: "Bytes of result files materialized",
		}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sire_file_integrity_failures_total",
			Help: "Downloads or reads whose hash did not match",
		}),
		SweepRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_sweep_removed_total",
			Help: "Records removed or expired by maintenance, by kind",
		}, []string{"kind"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sire_rate_limited_total",
			Help: "Requests rejected by the inbound rate limiter, by class",
		}, []string{"class"}),
	}
}

// ObserveRemoteCall records one provider attempt. Call with time.Now() at the
// start of the attempt.
func (m *Metrics) ObserveRemoteCall(endpoint, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(endpoint, outcome).Inc()
	m.RemoteDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRemoteRetry(endpoint string) {
	if m == nil {
		return
	}
	m.RemoteRetries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

func (m *Metrics) IncrementAuthentication(outcome string) {
	if m == nil {
		return
	}
	m.Authentications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementTicketCreated(operation string) {
	if m == nil {
		return
	}
	m.TicketsCreated.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncrementTransition(from, to string) {
	if m == nil {
		return
	}
	m.TicketTransitions.WithLabelValues(from, to).Inc()
}

// ObserveAdvance records the duration of an advance step.
// Call with time.Now() at the start of the step.
func (m *Metrics) ObserveAdvance(start time.Time) {
	if m == nil {
		return
	}
	m.AdvanceDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementCASConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) ObserveFileStored(size int64) {
	if m == nil {
		return
	}
	m.FilesStored.Inc()
	m.FileBytes.Add(float64(size))
}

func (m *Metrics) IncrementIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

func (m *Metrics) AddSweepRemoved(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepRemoved.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) IncrementRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(class).Inc()
}
