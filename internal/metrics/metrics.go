// Package metrics holds the Prometheus collectors shared by the acceptor,
// sessions, live watch and change bus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "logserver"

// Rejection reasons recorded by ConnectionsRejected.
const (
	RejectUnknownClient = "unknown_client"
	RejectCapacity      = "capacity"
	RejectConfiguration = "configuration"
	RejectDuplicate     = "duplicate"
)

// Metrics groups every collector. A Metrics built with a nil registerer is
// fully functional but unexported, which is what tests use.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	EventsReceived      prometheus.Counter
	EventsDispatched    prometheus.Counter
	SessionErrors       prometheus.Counter

	WatchSubscriptions prometheus.Gauge
	WatchDropped       prometheus.Counter

	Reconfigurations *prometheus.CounterVec
	BusNotifications *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Client sessions currently registered",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Client connections admitted",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Client connections rejected during admission",
		}, []string{"reason"}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received_total",
			Help: "Events decoded from client sockets",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dispatched_total",
			Help: "Appender invocations performed for received events",
		}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_errors_total",
			Help: "Sessions terminated by a read or decode error",
		}),
		WatchSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watch_subscriptions",
			Help: "Live watch subscriptions currently attached",
		}),
		WatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "watch_dropped_total",
			Help: "Events dropped because a viewer queue was full",
		}),
		Reconfigurations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconfigurations_total",
			Help: "Hierarchy configuration runs by result",
		}, []string{"result"}),
		BusNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_notifications_total",
			Help: "Change notifications delivered to listeners by kind and result",
		}, []string{"kind", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.ConnectionsAccepted,
			m.ConnectionsRejected,
			m.EventsReceived,
			m.EventsDispatched,
			m.SessionErrors,
			m.WatchSubscriptions,
			m.WatchDropped,
			m.Reconfigurations,
			m.BusNotifications,
		)
	}
	return m
}
