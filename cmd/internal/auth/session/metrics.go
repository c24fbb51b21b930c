package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Sessions created by login.",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "session",
		Name:      "ended_total",
		Help:      "Sessions deactivated, by reason.",
	}, []string{"reason"})

	refreshResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "session",
		Name:      "refresh_total",
		Help:      "Refresh attempts, by result code.",
	}, []string{"result"})

	validateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "session",
		Name:      "validate_total",
		Help:      "Access token validations, by result code.",
	}, []string{"result"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "session",
		Name:      "cache_lookups_total",
		Help:      "Session cache lookups, by keyspace and outcome.",
	}, []string{"keyspace", "outcome"})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	return "error"
}
