// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "intergalactic_relay"

// Metrics holds the relay's Prometheus collectors. Create one per registry
// with NewMetrics.
type Metrics struct {
	Published    prometheus.Counter
	PublishFails prometheus.Counter
	GateDrops    *prometheus.CounterVec
	QueueDrops   *prometheus.CounterVec
	Malformed    prometheus.Counter
	Duplicates   prometheus.Counter
	Posts        *prometheus.CounterVec
	Mutations    *prometheus.CounterVec
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_total",
			Help:      "Platform messages published to the bus.",
		}),
		PublishFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_failures_total",
			Help:      "Bus publishes that failed.",
		}),
		GateDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gate_drops_total",
			Help:      "Platform messages rejected before publishing, by reason.",
		}, []string{"reason"}),
		QueueDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_drops_total",
			Help:      "Events dropped because an internal queue was full.",
		}, []string{"queue"}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_payloads_total",
			Help:      "Bus payloads that could not be decoded.",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Bus deliveries skipped because the message was already tracked.",
		}),
		Posts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "posts_total",
			Help:      "Replica posts attempted, by result.",
		}, []string{"result"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mutations_total",
			Help:      "Replica edits and deletes attempted, by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// RegisterStateMetrics exposes the size of the cache and ban list as gauges.
func RegisterStateMetrics(reg prometheus.Registerer, cache *CorrelationCache, bans *BanList) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "cache_entries",
		Help:      "Original messages currently tracked for edit and delete mirroring.",
	}, func() float64 { return float64(cache.Len()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_evictions_total",
		Help:      "Cache entries evicted to stay within capacity.",
	}, func() float64 { return float64(cache.Evictions()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "banned_users",
		Help:      "Identities on the network ban list.",
	}, func() float64 { return float64(bans.Len()) })
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
