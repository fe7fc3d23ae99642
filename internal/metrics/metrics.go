// Package metrics exposes acquisition counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srg/dart/internal/frame"
)

const namespace = "dart"

// Metrics groups the collectors shared by sessions, the drainer and the broadcaster.
type Metrics struct {
	framesDecoded     *prometheus.CounterVec
	framingErrors     *prometheus.CounterVec
	demotions         *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	sessionState      *prometheus.GaugeVec
	samplesDrained    *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
	broadcastsSent    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Frames decoded, by channel.",
		}, []string{"device", "channel"}),
		framingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Candidate frames dropped by a decoder, by channel.",
		}, []string{"device", "channel"}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_demotions_total",
			Help:      "Channels switched from push to polling.",
		}, []string{"device", "channel"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Retries granted by the reconnect policy.",
		}, []string{"device"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state as its numeric code.",
		}, []string{"device"}),
		samplesDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_drained_total",
			Help:      "Samples handed to a sink.",
		}, []string{"sink"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Batches a sink failed to consume.",
		}, []string{"sink"}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_datagrams_total",
			Help:      "UDP datagrams sent by the live broadcast.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesDecoded, m.framingErrors, m.demotions, m.reconnectAttempts,
		m.sessionState, m.samplesDrained, m.sinkErrors, m.broadcastsSent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDecoded(device string, ch frame.ChannelID) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(device, ch.String()).Inc()
}

func (m *Metrics) FramingError(device string, ch frame.ChannelID) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(device, ch.String()).Inc()
}

func (m *Metrics) Demoted(device string, ch frame.ChannelID) {
	if m == nil {
		return
	}
	m.demotions.WithLabelValues(device, ch.String()).Inc()
}

func (m *Metrics) ReconnectAttempt(device string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(device).Inc()
}

// SessionState records the numeric code of the current state.
func (m *Metrics) SessionState(device string, code int) {
	if m == nil {
		return
	}
	m.sessionState.WithLabelValues(device).Set(float64(code))
}

func (m *Metrics) Drained(sink string, n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sinkErrors.WithLabelValues(sink).Inc()
		return
	}
	m.samplesDrained.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) BroadcastSent() {
	if m == nil {
		return
	}
	m.broadcastsSent.Inc()
}
