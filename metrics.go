package oort

import "github.com/prometheus/client_golang/prometheus"

var updatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oort",
	Subsystem: "object",
	Name:      "updates_applied_total",
	Help:      "Updates installed in the registry.",
}, []string{"object", "type", "origin"})

var updatesStale = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oort",
	Subsystem: "object",
	Name:      "updates_stale_total",
	Help:      "Updates discarded because their version was not newer.",
}, []string{"object", "type"})

var updatesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oort",
	Subsystem: "object",
	Name:      "updates_dropped_total",
	Help:      "Updates rejected before reaching the registry.",
}, []string{"object", "reason"})

var listenerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oort",
	Subsystem: "object",
	Name:      "listener_panics_total",
	Help:      "Listener invocations that panicked.",
}, []string{"object"})

var knownOwners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "oort",
	Subsystem: "object",
	Name:      "owners",
	Help:      "Owners with a snapshot in the registry.",
}, []string{"object"})

var syncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "oort",
	Subsystem: "node",
	Name:      "sync_requests_total",
	Help:      "Snapshot sync requests sent to and received from peers.",
}, []string{"direction"})

const (
	dropUnknownType   = "unknown_type"
	dropUnknownAction = "unknown_action"
	dropNoInfo        = "no_info"
	dropUndecodable   = "undecodable"
)

// Collectors returns the metrics exported by this package so the hosting
// service can register them.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		updatesApplied,
		updatesStale,
		updatesDropped,
		listenerPanics,
		knownOwners,
		syncRequests,
	}
}

func origin(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}
