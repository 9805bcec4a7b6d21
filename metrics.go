package statemap

import "github.com/prometheus/client_golang/prometheus"

// Replication metrics. Collectors are package-level and unregistered; the
// embedding application registers the ones it wants.

var ReplicationSends = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statemap",
	Subsystem: "replication",
	Name:      "sends",
}, []string{"role"})

var ReplicationDroppedPeers = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statemap",
	Subsystem: "replication",
	Name:      "dropped_peers",
})

var ReplicationPeers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statemap",
	Subsystem: "replication",
	Name:      "peers",
})

var ReplicationBadFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statemap",
	Subsystem: "replication",
	Name:      "bad_frames",
}, []string{"role"})
