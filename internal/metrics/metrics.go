// Package metrics exposes optional Prometheus counters/gauges for a
// tree. The range-report cursor increments NodesVisited and the tree
// sets TreeSize; BlockReads, BlockWrites and SamplesRejected are
// registered, but nothing in this repository increments them (the
// block manager keeps its own Stats instead). A nil *Registry is
// valid everywhere in this package — every method is a no-op on a nil
// receiver, so instrumentation is opt-in for callers that don't want a
// Prometheus dependency. Grounded on ClusterCockpit-cc-backend's use of
// github.com/prometheus/client_golang for exactly this kind of optional
// middleware instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge this tree reports.
type Registry struct {
	BlockReads        prometheus.Counter
	BlockWrites       prometheus.Counter
	NodesVisited      *prometheus.CounterVec
	SamplesRejected   prometheus.Counter
	TreeSize          prometheus.Gauge
}

// NewRegistry constructs a Registry and registers its metrics with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BlockReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtree_block_reads_total",
			Help: "Total blocks read from the backing data file.",
		}),
		BlockWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtree_block_writes_total",
			Help: "Total blocks written to the backing data file.",
		}),
		NodesVisited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtree_nodes_visited_total",
			Help: "Total nodes visited by any cursor, labeled by kind.",
		}, []string{"kind"}),
		SamplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtree_samples_rejected_total",
			Help: "Total sample draws discarded by the accelerated cursor's batching scheme.",
		}),
		TreeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtree_tree_size",
			Help: "Current element count of the tree.",
		}),
	}
	reg.MustRegister(r.BlockReads, r.BlockWrites, r.NodesVisited, r.SamplesRejected, r.TreeSize)
	return r
}

func (r *Registry) IncBlockReads(n int) {
	if r == nil {
		return
	}
	r.BlockReads.Add(float64(n))
}

func (r *Registry) IncBlockWrites(n int) {
	if r == nil {
		return
	}
	r.BlockWrites.Add(float64(n))
}

func (r *Registry) IncNodesVisited(kind string) {
	if r == nil {
		return
	}
	r.NodesVisited.WithLabelValues(kind).Inc()
}

func (r *Registry) IncSamplesRejected(n int) {
	if r == nil {
		return
	}
	r.SamplesRejected.Add(float64(n))
}

func (r *Registry) SetTreeSize(n uint64) {
	if r == nil {
		return
	}
	r.TreeSize.Set(float64(n))
}
