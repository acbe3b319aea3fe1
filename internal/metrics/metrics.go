package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prune reasons.
const (
	ReasonSendFailed = "send_failed"
	ReasonLiveness   = "liveness"
	ReasonClosed     = "closed"
	ReasonReplaced   = "replaced"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	sessionsRegistered prometheus.Counter
	sessionsPruned     *prometheus.CounterVec
	broadcasts         *prometheus.CounterVec
	inbound            *prometheus.CounterVec
	chatState          prometheus.Gauge
	credentialRefresh  *prometheus.CounterVec
	transcriptUnits    prometheus.Counter
	fragmentsDropped   *prometheus.CounterVec
}

// New builds a registry with the process and Go collectors plus the relay metrics.
func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:           r,
		sessionsActive:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active"}),
		sessionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_registered_total"}),
		sessionsPruned:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_pruned_total"}, []string{"reason"}),
		broadcasts:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_messages_total"}, []string{"type"}),
		inbound:            prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "inbound_messages_total"}, []string{"type", "result"}),
		chatState:          prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "chat_state", Help: "0=disconnected 1=connecting 2=connected 3=refreshing"}),
		credentialRefresh:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "credential_refresh_total"}, []string{"result"}),
		transcriptUnits:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "transcript_units_total"}),
		fragmentsDropped:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "transcript_fragments_dropped_total"}, []string{"reason"}),
	}
	r.MustRegister(
		m.sessionsActive, m.sessionsRegistered, m.sessionsPruned,
		m.broadcasts, m.inbound, m.chatState, m.credentialRefresh,
		m.transcriptUnits, m.fragmentsDropped,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionRegistered() {
	if m == nil {
		return
	}
	m.sessionsRegistered.Inc()
}

func (m *Metrics) SessionPruned(reason string) {
	if m == nil {
		return
	}
	m.sessionsPruned.WithLabelValues(reason).Inc()
}

func (m *Metrics) Broadcast(msgType string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Inbound(msgType, result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) SetChatState(state int) {
	if m == nil {
		return
	}
	m.chatState.Set(float64(state))
}

func (m *Metrics) CredentialRefresh(result string) {
	if m == nil {
		return
	}
	m.credentialRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) TranscriptUnit() {
	if m == nil {
		return
	}
	m.transcriptUnits.Inc()
}

func (m *Metrics) FragmentDropped(reason string) {
	if m == nil {
		return
	}
	m.fragmentsDropped.WithLabelValues(reason).Inc()
}
