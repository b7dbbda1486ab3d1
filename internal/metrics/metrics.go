// Package metrics registers the Prometheus collectors shared across
// the indexer's actors, guarding registration with sync.Once so
// repeated construction in tests doesn't panic on a duplicate
// collector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BlocksIndexedPerTick = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_indexer_blocks_per_tick",
		Help: "Number of blocks dispatched by the aggregator's most recent tick.",
	})

	StoragePerTick = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_indexer_storage_per_tick",
		Help: "Number of storage changes dispatched by the aggregator's most recent tick.",
	})

	DeferredQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_indexer_deferred_queue_depth",
		Help: "Number of storage rows currently held by the deferred-storage worker.",
	})

	DeferredDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_indexer_deferred_storage_dropped_total",
		Help: "Deferred storage rows dropped for exceeding the configured max age.",
	})

	ActorRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_indexer_actor_restarts_total",
		Help: "Number of times a supervised actor has been restarted.",
	}, []string{"actor"})

	MetadataFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_indexer_metadata_fetches_total",
		Help: "Metadata RPC fetches performed, by outcome.",
	}, []string{"outcome"})

	collectors = []prometheus.Collector{
		BlocksIndexedPerTick,
		StoragePerTick,
		DeferredQueueDepth,
		DeferredDropped,
		ActorRestarts,
		MetadataFetches,
	}

	once sync.Once
)

// MustRegister registers all collectors with the default Prometheus
// registry. Safe to call more than once; registration only happens
// the first time.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}
