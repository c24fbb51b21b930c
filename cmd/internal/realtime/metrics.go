package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "realtime",
		Name:      "connections_total",
		Help:      "Connection lifecycle transitions.",
	}, []string{"event"})

	inboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "realtime",
		Name:      "inbound_total",
		Help:      "Inbound envelopes by type and result.",
	}, []string{"type", "result"})

	fanoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "realtime",
		Name:      "fanout_total",
		Help:      "Per-connection fan-out outcomes.",
	}, []string{"outcome"})

	missedQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "realtime",
		Name:      "missed_queued_total",
		Help:      "Notifications queued for users without a live connection.",
	})

	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "realtime",
		Name:      "swept_total",
		Help:      "Connections removed by the sweeper.",
	}, []string{"kind"})
)

// Collectors exposes live registry gauges. They are not registered globally so
// several registries can coexist in tests; the application registers one set.
func (r *Registry) Collectors() []prometheus.Collector {
	gauge := func(name, help string, f func(Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "messenger",
			Subsystem: "realtime",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(f(r.Stats())) })
	}
	return []prometheus.Collector{
		gauge("online_users", "Users with at least one registered connection.", func(s Stats) int { return s.Users }),
		gauge("connections", "Registered authenticated connections.", func(s Stats) int { return s.Connections }),
		gauge("pending_connections", "Connections awaiting authentication.", func(s Stats) int { return s.Pending }),
		gauge("subscribed_chats", "Chats with at least one online subscriber.", func(s Stats) int { return s.Chats }),
	}
}
