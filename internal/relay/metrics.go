package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay counters for Prometheus. All methods are
// nil-safe so the server can run without monitoring wired.
type Metrics struct {
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge
	joinsTotal        prometheus.Counter
	roomFullTotal     prometheus.Counter
	signalsRelayed    prometheus.Counter
	departuresTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_relay_connections_active",
			Help: "Currently open relay connections",
		}),
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_relay_rooms_active",
			Help: "Rooms with at least one member",
		}),
		joinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_joins_total",
			Help: "Accepted room join requests",
		}),
		roomFullTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_room_full_total",
			Help: "Join requests rejected because the room was full",
		}),
		signalsRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_signals_relayed_total",
			Help: "Negotiation payloads forwarded between members",
		}),
		departuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_departures_total",
			Help: "Member departures announced to remaining members",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) RoomsActive(n int) {
	if m != nil {
		m.roomsActive.Set(float64(n))
	}
}

func (m *Metrics) JoinAccepted() {
	if m != nil {
		m.joinsTotal.Inc()
	}
}

func (m *Metrics) JoinRejectedFull() {
	if m != nil {
		m.roomFullTotal.Inc()
	}
}

func (m *Metrics) SignalRelayed() {
	if m != nil {
		m.signalsRelayed.Inc()
	}
}

func (m *Metrics) Departure() {
	if m != nil {
		m.departuresTotal.Inc()
	}
}
