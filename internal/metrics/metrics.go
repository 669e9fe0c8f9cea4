// Package metrics exposes the engine's internal counters and gauges as
// Prometheus collectors, grounded on the promauto registration style
// used throughout the linkerd-linkerd2 control plane (e.g.
// controller/api/destination/endpoint_metrics.go). Unlike linkerd's
// package-level vars, every metric here lives on a Collector instance
// built with an explicit *prometheus.Registry, so a domain participant
// never reaches for global state and tests can use their own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every metric the reliability engine reports,
// labeled by topic where a value is naturally per-topic.
type Collector struct {
	WHCUnackedBytes    *prometheus.GaugeVec
	WHCSampleCount     *prometheus.GaugeVec
	WHCThrottleTotal   *prometheus.CounterVec
	WHCThrottleBlocked *prometheus.CounterVec

	DefragDiscardedBytes *prometheus.CounterVec
	DefragDroppedSamples *prometheus.CounterVec

	ReorderDiscardedBytes *prometheus.CounterVec

	HeartbeatsSent *prometheus.CounterVec
	AckNacksRecv   *prometheus.CounterVec
	NackFragsRecv  *prometheus.CounterVec
	GapsSent       *prometheus.CounterVec

	LeaseExpirations *prometheus.CounterVec
	GCReclaimed      *prometheus.CounterVec
	GCPending        prometheus.Gauge
}

// New registers every collector against reg and returns them grouped.
// Passing a fresh *prometheus.Registry per test keeps test runs from
// colliding with prometheus' global default registry.
func New(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		WHCUnackedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtpsd",
			Subsystem: "whc",
			Name:      "unacked_bytes",
			Help:      "Bytes held in the writer history cache awaiting acknowledgment.",
		}, []string{"topic"}),
		WHCSampleCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtpsd",
			Subsystem: "whc",
			Name:      "sample_count",
			Help:      "Samples currently retained in the writer history cache.",
		}, []string{"topic"}),
		WHCThrottleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "whc",
			Name:      "throttle_total",
			Help:      "Writer inserts that hit the high watermark.",
		}, []string{"topic"}),
		WHCThrottleBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "whc",
			Name:      "throttle_blocked_seconds_total",
			Help:      "Cumulative time writers spent blocked waiting for the low watermark.",
		}, []string{"topic"}),
		DefragDiscardedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "defrag",
			Name:      "discarded_fragment_bytes_total",
			Help:      "Fragment bytes discarded as duplicates, stale, or overflow.",
		}, []string{"topic"}),
		DefragDroppedSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "defrag",
			Name:      "dropped_samples_total",
			Help:      "Partially-assembled samples dropped before completion.",
		}, []string{"topic"}),
		ReorderDiscardedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "reorder",
			Name:      "discarded_sample_bytes_total",
			Help:      "Sample bytes discarded by the reorder buffer as stale or over capacity.",
		}, []string{"topic"}),
		HeartbeatsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "reliability",
			Name:      "heartbeats_sent_total",
			Help:      "HEARTBEAT submessages sent by local writers.",
		}, []string{"topic"}),
		AckNacksRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "reliability",
			Name:      "acknacks_received_total",
			Help:      "ACKNACK submessages processed by local writers.",
		}, []string{"topic"}),
		NackFragsRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "reliability",
			Name:      "nackfrags_received_total",
			Help:      "NACKFRAG submessages processed by local writers.",
		}, []string{"topic"}),
		GapsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "reliability",
			Name:      "gaps_sent_total",
			Help:      "GAP submessages sent by local writers.",
		}, []string{"topic"}),
		LeaseExpirations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "liveliness",
			Name:      "lease_expirations_total",
			Help:      "Remote entities declared not-alive by lease expiry.",
		}, []string{"topic"}),
		GCReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsd",
			Subsystem: "gc",
			Name:      "reclaimed_total",
			Help:      "Entities reclaimed after quiescence.",
		}, []string{"kind"}),
		GCPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtpsd",
			Subsystem: "gc",
			Name:      "pending",
			Help:      "Deletion requests waiting on worker quiescence.",
		}),
	}
}
