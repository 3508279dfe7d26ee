// Package metrics holds the Prometheus collectors updated by the proxy
// reactor. All writes happen on the reactor goroutine; scrapes read them
// concurrently through the collectors' own synchronisation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "socks_forwarder"

type Metrics struct {
	SessionsAccepted prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsClosed   *prometheus.CounterVec
	RelayedBytes     *prometheus.CounterVec
	DNSQueries       prometheus.Counter
	DNSAnswers       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg keeps
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_accepted_total",
			Help:      "Client connections accepted.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently alive.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down, by reason.",
		}, []string{"reason"}),
		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Payload bytes relayed, by direction.",
		}, []string{"direction"}),
		DNSQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "DNS A queries sent.",
		}),
		DNSAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_answers_total",
			Help:      "DNS responses received, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsAccepted,
			m.SessionsActive,
			m.SessionsClosed,
			m.RelayedBytes,
			m.DNSQueries,
			m.DNSAnswers,
		)
	}
	return m
}

const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"

	AnswerResolved  = "resolved"
	AnswerFailed    = "failed"
	AnswerOrphaned  = "orphaned"
	AnswerMalformed = "malformed"
)

// SessionClosed records a teardown together with the bytes the session moved.
func (m *Metrics) SessionClosed(reason string, up, down uint64) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.RelayedBytes.WithLabelValues(DirectionUpstream).Add(float64(up))
	m.RelayedBytes.WithLabelValues(DirectionDownstream).Add(float64(down))
}
