package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client-wide instruments, labelled by node endpoint so per-node pools can
// be told apart on one dashboard.
var (
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_pool_connections",
		Help: "Open connections per node pool",
	}, []string{"endpoint"})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_pool_queue_depth",
		Help: "Operations waiting in the pool intake queue",
	}, []string{"endpoint"})

	KvOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_operations_total",
		Help: "KV operations dispatched, by outcome",
	}, []string{"endpoint", "outcome"})

	ConfigRevisions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_config_revision",
		Help: "Latest applied cluster config revision per bucket",
	}, []string{"bucket"})

	ConfigUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_config_updates_total",
		Help: "Cluster config updates, by disposition",
	}, []string{"bucket", "disposition"})
)
