// Package metrics registers the process-wide Prometheus collectors. The
// exposition endpoint is wired in cmd via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts reads served from the persistent store or memo.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_cache_hits_total",
		Help: "Total cache hits",
	})

	// CacheMisses counts reads that fell through to the network.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_cache_misses_total",
		Help: "Total cache misses",
	})

	// RelayRequests counts outbound queries per relay.
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_relay_requests_total",
		Help: "Total requests per relay",
	}, []string{"relay"})

	// RelayFailures counts connection or protocol failures per relay.
	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_relay_failures_total",
		Help: "Total failures per relay",
	}, []string{"relay"})

	// EventsDropped counts events discarded because a subscription
	// channel was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_events_dropped_total",
		Help: "Events dropped due to full channels",
	})

	// ConnectionsActive tracks open relay connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_relay_connections_active",
		Help: "Number of active relay connections",
	})

	// LiveSubscriptions tracks registered live subscriptions.
	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_live_subscriptions_active",
		Help: "Number of active live subscriptions",
	})

	// BusDropped counts bus deliveries skipped because a subscriber
	// was not keeping up.
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_bus_dropped_total",
		Help: "Bus events dropped due to slow subscribers",
	})

	// SweptRecords counts records physically deleted by the sweeper.
	SweptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_store_swept_total",
		Help: "Expired records deleted per store",
	}, []string{"store"})

	// BatchesExecuted counts flushed loader batches.
	BatchesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_loader_batches_total",
		Help: "Loader batches executed per loader",
	}, []string{"loader"})
)
