package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveConversations prometheus.Gauge
	ActiveParticipants  prometheus.Gauge
	ParticipantEvents   *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	BroadcastEvents     *prometheus.CounterVec
	BackendErrors       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConversations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of conversations with at least one attached participant.",
		}),
		ActiveParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_participants",
			Help:      "Number of attached participant sockets.",
		}),
		ParticipantEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_events_total",
			Help:      "Participant lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BroadcastEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Events fanned out to conversation rooms, by kind.",
		}, []string{"kind"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend session failures by operation.",
		}, []string{"op"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
