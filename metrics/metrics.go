package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/types"
)

const (
	// OutcomeAbandoned labels runs that ended silently on shutdown.
	OutcomeAbandoned = "abandoned"
	// ActionUnknown labels every action name outside knownActions.
	ActionUnknown = "unknown"
)

// knownActions bounds the action label; names come straight off the wire.
var knownActions = func() map[string]bool {
	known := map[string]bool{
		"handshake": true, "requestSession": true, "interactionCallback": true,
		"stop": true, "close": true,
	}
	for _, a := range hypervisor.Actions {
		known[string(a)] = true
	}
	return known
}()

// Metrics holds the agent's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Negotiations        *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram
	SessionsActive      prometheus.Gauge
	Connections         prometheus.Gauge
	Actions             *prometheus.CounterVec
	Throttled           prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Negotiations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmcpd_negotiations_total",
				Help: "Finished session negotiations by outcome",
			},
			[]string{"outcome"},
		),
		NegotiationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vmcpd_negotiation_duration_seconds",
				Help:    "Wall time of session negotiations, confirmation wait included",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vmcpd_sessions_active",
				Help: "Sessions currently held in the registry",
			},
		),
		Connections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vmcpd_websocket_connections",
				Help: "Open WebSocket connections",
			},
		),
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmcpd_actions_total",
				Help: "WebSocket actions received by name",
			},
			[]string{"action"},
		),
		Throttled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vmcpd_actions_throttled_total",
				Help: "WebSocket actions rejected by the per-connection rate limiter",
			},
		),
	}
}

// ObserveNegotiation records one finished negotiation.
func (m *Metrics) ObserveNegotiation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(outcome).Inc()
	m.NegotiationDuration.Observe(elapsed.Seconds())
}

// Outcome is the label for a run ending with code.
func Outcome(code types.Code) string {
	return code.String()
}

// SetSessions records the registry size.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// ConnectionOpened and ConnectionClosed track WebSocket clients.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// Action counts one received action; throttled ones are counted separately.
func (m *Metrics) Action(name string, throttled bool) {
	if m == nil {
		return
	}
	if throttled {
		m.Throttled.Inc()
		return
	}
	if !knownActions[name] {
		name = ActionUnknown
	}
	m.Actions.WithLabelValues(name).Inc()
}
