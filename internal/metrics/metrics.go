// Package metrics defines the Prometheus collectors for channels and the relay.
//
// Every method is safe on a nil receiver so components can run without
// metrics wired in:
//
//	m := metrics.NewChannel(prometheus.DefaultRegisterer)
//	m.StateChanged("active")
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

// Channel tracks client-side chat channel behavior.
type Channel struct {
	// StateTransitions counts entries into each connection state.
	// Labels: state
	StateTransitions *prometheus.CounterVec

	// Reconnects counts backoff cycles started after a transport failure.
	Reconnects prometheus.Counter

	// DecodeFailures counts inbound frames dropped as malformed.
	DecodeFailures prometheus.Counter

	// Sends counts send outcomes.
	// Labels: result (ack|not_connected|timeout|cancelled|rejected)
	Sends *prometheus.CounterVec

	// Active is the number of channels currently in the active state.
	Active prometheus.Gauge
}

// NewChannel registers channel collectors with reg.
func NewChannel(reg prometheus.Registerer) *Channel {
	f := promauto.With(reg)
	return &Channel{
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state_transitions_total",
			Help:      "Channel state transitions by target state.",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Reconnect cycles started after transport failures.",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "decode_failures_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "sends_total",
			Help:      "Send attempts by result.",
		}, []string{"result"}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "active",
			Help:      "Channels currently subscribed and active.",
		}),
	}
}

// StateChanged records a transition into state.
func (m *Channel) StateChanged(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// ActiveDelta adjusts the active channel gauge.
func (m *Channel) ActiveDelta(delta float64) {
	if m == nil {
		return
	}
	m.Active.Add(delta)
}

// Reconnecting records the start of a reconnect cycle.
func (m *Channel) Reconnecting() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// DecodeFailed records a dropped inbound frame.
func (m *Channel) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// SendResult records the outcome of a send.
func (m *Channel) SendResult(result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
}

// Relay tracks the development relay.
type Relay struct {
	// Connections is the number of open WebSocket connections.
	Connections prometheus.Gauge

	// Messages counts chat messages accepted and broadcast.
	Messages prometheus.Counter

	// Rejected counts refused connections and frames.
	// Labels: reason (unauthorized|capacity|rate_limited|bad_request|slow_consumer)
	Rejected *prometheus.CounterVec
}

// NewRelay registers relay collectors with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		Messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Chat messages accepted and broadcast.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Refused connections and frames by reason.",
		}, []string{"reason"}),
	}
}

// ConnDelta adjusts the open connection gauge.
func (m *Relay) ConnDelta(delta float64) {
	if m == nil {
		return
	}
	m.Connections.Add(delta)
}

// MessageRelayed records a broadcast chat message.
func (m *Relay) MessageRelayed() {
	if m == nil {
		return
	}
	m.Messages.Inc()
}

// Reject records a refusal.
func (m *Relay) Reject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}
