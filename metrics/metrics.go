// Package metrics provides Prometheus instrumentation for a QUIC socket.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const metricNamespace = "quic"

// A Collector holds the Prometheus collectors for one socket.
type Collector struct {
	sessionsStarted *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec

	handshakeDuration *prometheus.HistogramVec

	// cryptoAckInterval observes the interval between consecutive crypto
	// acks of a handshake. Peers that withhold acks to pin server
	// resources show up in the long tail.
	cryptoAckInterval prometheus.Histogram

	retriesSent          prometheus.Counter
	statelessResetsSent  prometheus.Counter
	versionNegotiations  prometheus.Counter
	sessionsRefused      *prometheus.CounterVec
	keyUpdates           prometheus.Counter
	pathValidationResult *prometheus.CounterVec
}

// NewCollector creates the socket collectors and registers them.
func NewCollector(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "sessions_started_total",
				Help:      "Sessions Started",
			},
			[]string{"perspective"},
		),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "sessions_closed_total",
				Help:      "Sessions Closed",
			},
			[]string{"reason"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "handshake_duration_seconds",
				Help:      "Duration of the QUIC Handshake",
				Buckets:   prometheus.ExponentialBuckets(0.001, 1.3, 35),
			},
			[]string{"perspective"},
		),
		cryptoAckInterval: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "crypto_ack_interval_seconds",
				Help:      "Interval between consecutive crypto acks during the handshake",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
			},
		),
		retriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "retries_sent_total",
			Help:      "Retry packets sent for address validation",
		}),
		statelessResetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "stateless_resets_sent_total",
			Help:      "Stateless Resets sent",
		}),
		versionNegotiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "version_negotiation_packets_sent_total",
			Help:      "Version Negotiation packets sent",
		}),
		sessionsRefused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "sessions_refused_total",
				Help:      "Sessions refused by admission control",
			},
			[]string{"reason"},
		),
		keyUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "key_updates_total",
			Help:      "Key updates performed",
		}),
		pathValidationResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "path_validations_total",
				Help:      "Path validation outcomes",
			},
			[]string{"result"},
		),
	}
	registerer.MustRegister(
		c.sessionsStarted,
		c.sessionsClosed,
		c.handshakeDuration,
		c.cryptoAckInterval,
		c.retriesSent,
		c.statelessResetsSent,
		c.versionNegotiations,
		c.sessionsRefused,
		c.keyUpdates,
		c.pathValidationResult,
	)
	return c
}

// SessionStarted counts a new session for the given perspective ("client" or "server").
func (c *Collector) SessionStarted(perspective string) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(perspective).Inc()
}

// SessionClosed counts a closed session by reason.
func (c *Collector) SessionClosed(reason string) {
	if c == nil {
		return
	}
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

// HandshakeCompleted observes the handshake duration.
func (c *Collector) HandshakeCompleted(perspective string, seconds float64) {
	if c == nil {
		return
	}
	c.handshakeDuration.WithLabelValues(perspective).Observe(seconds)
}

// CryptoAckInterval observes the time since the previous crypto ack.
func (c *Collector) CryptoAckInterval(seconds float64) {
	if c == nil {
		return
	}
	c.cryptoAckInterval.Observe(seconds)
}

// RetrySent counts a Retry packet.
func (c *Collector) RetrySent() {
	if c == nil {
		return
	}
	c.retriesSent.Inc()
}

// StatelessResetSent counts an emitted stateless reset.
func (c *Collector) StatelessResetSent() {
	if c == nil {
		return
	}
	c.statelessResetsSent.Inc()
}

// VersionNegotiationSent counts a Version Negotiation packet.
func (c *Collector) VersionNegotiationSent() {
	if c == nil {
		return
	}
	c.versionNegotiations.Inc()
}

// SessionRefused counts a refused session by reason ("busy", "max_connections", "max_connections_per_host").
func (c *Collector) SessionRefused(reason string) {
	if c == nil {
		return
	}
	c.sessionsRefused.WithLabelValues(reason).Inc()
}

// KeyUpdate counts a performed key update.
func (c *Collector) KeyUpdate() {
	if c == nil {
		return
	}
	c.keyUpdates.Inc()
}

// PathValidation counts a path validation outcome ("success" or "failure").
func (c *Collector) PathValidation(result string) {
	if c == nil {
		return
	}
	c.pathValidationResult.WithLabelValues(result).Inc()
}
