package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is a Recorder backed by prometheus counters.
type Prometheus struct {
	connectionsOpened  prometheus.Counter
	connectionsClosed  prometheus.Counter
	sessionsCreated    prometheus.Counter
	sessionsSuspended  prometheus.Counter
	sessionsReconnects prometheus.Counter
	sessionsClosed     prometheus.Counter
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	roomJoins          prometheus.Counter
	roomLeaves         prometheus.Counter
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the runtime counters with the given registerer
// (pass prometheus.DefaultRegisterer for the global one).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_connections_opened_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_connections_closed_total",
			Help: "Total number of WebSocket connections closed",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsSuspended: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_sessions_suspended_total",
			Help: "Total number of session suspensions",
		}),
		sessionsReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_sessions_reconnected_total",
			Help: "Total number of successful reconnections",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsengine_messages_received_total",
			Help: "Total number of inbound messages by event name",
		}, []string{"event"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsengine_messages_sent_total",
			Help: "Total number of outbound messages by event name",
		}, []string{"event"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsengine_errors_total",
			Help: "Total number of errors by taxonomy code",
		}, []string{"code"}),
		roomJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_room_joins_total",
			Help: "Total number of room joins",
		}),
		roomLeaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsengine_room_leaves_total",
			Help: "Total number of room leaves",
		}),
	}
}

func (p *Prometheus) ConnectionOpened()   { p.connectionsOpened.Inc() }
func (p *Prometheus) ConnectionClosed()   { p.connectionsClosed.Inc() }
func (p *Prometheus) SessionCreated()     { p.sessionsCreated.Inc() }
func (p *Prometheus) SessionSuspended()   { p.sessionsSuspended.Inc() }
func (p *Prometheus) SessionReconnected() { p.sessionsReconnects.Inc() }
func (p *Prometheus) SessionClosed()      { p.sessionsClosed.Inc() }

func (p *Prometheus) MessageReceived(event string) {
	p.messagesReceived.WithLabelValues(event).Inc()
}

func (p *Prometheus) MessageSent(event string) {
	p.messagesSent.WithLabelValues(event).Inc()
}

func (p *Prometheus) Error(code int) {
	p.errorsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (p *Prometheus) RoomJoined() { p.roomJoins.Inc() }
func (p *Prometheus) RoomLeft()   { p.roomLeaves.Inc() }
