package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters for the voice-call session lifecycle.
type CallMetrics struct {
	sessionStarts  prometheus.Counter
	connects       prometheus.Counter
	disconnects    *prometheus.CounterVec
	retries        *prometheus.CounterVec
	terminalErrors *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	webhookSends   *prometheus.CounterVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		sessionStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Session start requests accepted by the controller",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Established realtime connections",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Call teardowns by initiator",
		}, []string{"initiator"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Automatic reconnect attempts by failure phase",
		}, []string{"phase"}),
		terminalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "session",
			Name:      "terminal_errors_total",
			Help:      "Sessions ending in a terminal error by class",
		}, []string{"class"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Client tool invocations by the remote agent",
		}, []string{"tool"}),
		webhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebridge",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sessionStarts, m.connects, m.disconnects, m.retries, m.terminalErrors, m.toolCalls, m.webhookSends)
	return m
}

func (m *CallMetrics) ObserveSessionStart() {
	if m == nil {
		return
	}
	m.sessionStarts.Inc()
}

func (m *CallMetrics) ObserveConnect() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *CallMetrics) ObserveDisconnect(initiator string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(initiator).Inc()
}

func (m *CallMetrics) ObserveRetry(phase string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(phase).Inc()
}

func (m *CallMetrics) ObserveTerminalError(class string) {
	if m == nil {
		return
	}
	m.terminalErrors.WithLabelValues(class).Inc()
}

func (m *CallMetrics) ObserveToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
}

func (m *CallMetrics) ObserveWebhook(delivered bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.webhookSends.WithLabelValues(outcome).Inc()
}
