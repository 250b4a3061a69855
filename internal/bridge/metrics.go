package bridge

import "github.com/prometheus/client_golang/prometheus"

// Reasons recorded on cloudbridge_inbound_dropped_total.
const (
	dropMalformed = "malformed"
	dropBounce    = "bounce"
	dropBand      = "band"
	dropApply     = "apply_error"
	dropStopped   = "stopped"
)

// Metrics holds the Prometheus counters for sync traffic.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	outboundPublished prometheus.Counter
	outboundDropped   prometheus.Counter
	inboundReceived   prometheus.Counter
	inboundDropped    *prometheus.CounterVec // By reason
	inboundApplied    prometheus.Counter
	pings             *prometheus.CounterVec // By result (ok/error)
}

// NewMetrics creates the bridge counters and registers them with reg.
// A nil registerer disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		outboundPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Subsystem: "outbound",
			Name:      "published_total",
			Help:      "State records published to the cloud",
		}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Subsystem: "outbound",
			Name:      "dropped_total",
			Help:      "State records dropped after an encode or publish failure",
		}),
		inboundReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Subsystem: "inbound",
			Name:      "received_total",
			Help:      "Messages received on the inbound subtree",
		}),
		inboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Subsystem: "inbound",
			Name:      "dropped_total",
			Help:      "Inbound messages not applied to local state",
		}, []string{"reason"}),
		inboundApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Subsystem: "inbound",
			Name:      "applied_total",
			Help:      "Inbound state records applied to local state",
		}),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Name:      "pings_total",
			Help:      "Liveness pings by result",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.outboundPublished,
		m.outboundDropped,
		m.inboundReceived,
		m.inboundDropped,
		m.inboundApplied,
		m.pings,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) recordPublished() {
	if m == nil {
		return
	}
	m.outboundPublished.Inc()
}

func (m *Metrics) recordOutboundDropped() {
	if m == nil {
		return
	}
	m.outboundDropped.Inc()
}

func (m *Metrics) recordReceived() {
	if m == nil {
		return
	}
	m.inboundReceived.Inc()
}

func (m *Metrics) recordInboundDropped(reason string) {
	if m == nil {
		return
	}
	m.inboundDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordApplied() {
	if m == nil {
		return
	}
	m.inboundApplied.Inc()
}

func (m *Metrics) recordPing(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.pings.WithLabelValues(result).Inc()
}
