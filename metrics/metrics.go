// Package metrics exports SMTP server counters to Prometheus and serves the
// admin HTTP interface.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaykit/go-smtpd"
)

// Metrics implements smtp.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	connections prometheus.Counter
	open        prometheus.Gauge
	disconnects *prometheus.CounterVec
	replies     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var _ smtp.Observer = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		connections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "smtpd_connection_total",
				Help: "Incoming SMTP connections.",
			},
		),
		open: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "smtpd_connections_open",
				Help: "SMTP connections currently open.",
			},
		),
		disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpd_disconnect_total",
				Help: "Closed SMTP connections by reason: quit, error, toomanyerrors, protocol, abort.",
			},
			[]string{
				"reason",
			},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpd_reply_total",
				Help: "SMTP replies sent, by reply code.",
			},
			[]string{
				"code",
			},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpd_state_transition_total",
				Help: "Dialogue state transitions, by target state.",
			},
			[]string{
				"state",
			},
		),
	}
}

func (m *Metrics) Connected() {
	m.connections.Inc()
	m.open.Inc()
}

func (m *Metrics) Disconnected(err error) {
	m.open.Dec()
	m.disconnects.WithLabelValues(disconnectReason(err)).Inc()
}

func (m *Metrics) Transition(old, new smtp.State) {
	m.transitions.WithLabelValues(new.String()).Inc()
}

func (m *Metrics) Reply(code int) {
	m.replies.WithLabelValues(strconv.Itoa(code)).Inc()
}

// For use in metric labels.
func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "quit"
	case errors.Is(err, smtp.ErrTooManyErrors):
		return "toomanyerrors"
	case errors.Is(err, smtp.ErrProtocol):
		return "protocol"
	case errors.Is(err, smtp.ErrVerifierAbort):
		return "abort"
	}
	return "error"
}
