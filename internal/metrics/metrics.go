// Package metrics holds the prometheus collectors of the auth core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authflow"

// Metrics groups every collector the service exports.
type Metrics struct {
	SessionsCreated    prometheus.Counter
	SessionTransitions *prometheus.CounterVec
	EventsStored       *prometheus.CounterVec
	SSEDelivered       prometheus.Counter
	SSEDropped         prometheus.Counter
	NoncesIssued       prometheus.Counter
	WalletVerify       *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Auth sessions created.",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions by target status.",
		}, []string{"status"}),
		EventsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stored_total",
			Help:      "Auth events appended to session logs.",
		}, []string{"type"}),
		SSEDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_delivered_total",
			Help:      "Progress events handed to subscriber buffers.",
		}),
		SSEDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_dropped_total",
			Help:      "Progress events evicted from full subscriber buffers.",
		}),
		NoncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_nonces_issued_total",
			Help:      "Wallet challenges issued.",
		}),
		WalletVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_verifications_total",
			Help:      "Wallet signature verifications by result.",
		}, []string{"result"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions by provider and result.",
		}, []string{"provider", "result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsCreated, m.SessionTransitions, m.EventsStored,
		m.SSEDelivered, m.SSEDropped, m.NoncesIssued, m.WalletVerify,
		m.Resolutions, m.RateLimited, m.HTTPRequests, m.HTTPDuration,
	}
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) EventStored(eventType string) {
	if m == nil {
		return
	}
	m.EventsStored.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SSEDelivered.Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SSEDropped.Add(float64(n))
}

func (m *Metrics) NonceIssued() {
	if m == nil {
		return
	}
	m.NoncesIssued.Inc()
}

// Verification records a wallet verification outcome: ok, consumed,
// not_found, mismatch or bad_signature.
func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.WalletVerify.WithLabelValues(result).Inc()
}

func (m *Metrics) Resolution(provider, result string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) Limited(scope string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(seconds)
}
