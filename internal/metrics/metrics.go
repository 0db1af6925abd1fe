// Package metrics exposes Prometheus instruments for the chain-state engine.
// Counters are bumped inside write transactions, so an aborted transaction
// may leave them slightly ahead of the committed state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainstate"

// Graph metrics.
var (
	RowsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_inserted_total",
		Help:      "State headers inserted into the graph",
	})

	RowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_deleted_total",
		Help:      "State headers deleted from the graph, by cause",
	}, []string{"cause"})

	PropagationSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "propagation_rows",
		Help:      "Rows whose reachability changed in one propagation",
		Buckets:   []float64{1, 2, 5, 10, 100, 1000, 10000},
	})
)

// Fork choice metrics.
var (
	CursorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_height",
		Help:      "Height of the materialized tip",
	})

	Applied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "states_applied_total",
		Help:      "States applied by the body applier",
	})

	RolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "states_rolled_back_total",
		Help:      "States reverted during reorganizations",
	})

	Invalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "states_invalid_total",
		Help:      "States quarantined as invalid",
	})

	ReorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reorg_depth",
		Help:      "States reverted per cursor move",
		Buckets:   []float64{1, 2, 3, 5, 10, 50, 100},
	})
)

// Retention metrics.
var (
	BodiesErased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bodies_erased_total",
		Help:      "Perishable payloads erased past the Schwarzschild horizon",
	})

	FossilHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fossil_height",
		Help:      "Highest height whose perishable data is erased",
	})

	ReachableTips = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reachable_tips",
		Help:      "Entries in the reachable tip set after the last mutation",
	})
)
