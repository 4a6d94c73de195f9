package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the indexer's Prometheus collectors, registered on a private
// registry exposed at /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	BlocksIngested   prometheus.Counter
	Duplicates       prometheus.Counter
	Reorgs           prometheus.Counter
	ParentMismatch   prometheus.Counter
	JobsEnqueued     prometheus.Counter
	BackfilledBlocks prometheus.Counter
	OutOfOrder       prometheus.Gauge
	MissingBlocks    prometheus.Gauge
	HighestSeen      prometheus.Gauge
	LastContiguous   prometheus.Gauge
	IngestDuration   prometheus.Histogram
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BlocksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_blocks_ingested_total",
			Help: "Blocks persisted as canonical.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_duplicate_blocks_total",
			Help: "Ingest calls rejected as duplicates.",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_reorgs_total",
			Help: "Canonical blocks replaced at an already-indexed height.",
		}),
		ParentMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_parent_mismatch_total",
			Help: "Ingested blocks whose parent hash differs from the stored parent, or whose parent is not indexed.",
		}),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_jobs_enqueued_total",
			Help: "Delivery jobs enqueued across all streams.",
		}),
		BackfilledBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streams_indexer_backfilled_blocks_total",
			Help: "Blocks replayed from the upstream API to fill gaps.",
		}),
		OutOfOrder: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streams_indexer_blocks_received_out_of_order",
			Help: "Pushed blocks that were not the successor of the previous push.",
		}),
		MissingBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streams_indexer_missing_blocks",
			Help: "Heights missing from the canonical range at last integrity check.",
		}),
		HighestSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streams_indexer_highest_seen_block",
			Help: "Highest block height observed.",
		}),
		LastContiguous: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streams_indexer_last_contiguous_block",
			Help: "Contiguous-tip watermark.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streams_indexer_ingest_duration_seconds",
			Help:    "Wall time of IngestBlock.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.BlocksIngested, m.Duplicates, m.Reorgs, m.ParentMismatch,
		m.JobsEnqueued, m.BackfilledBlocks, m.OutOfOrder, m.MissingBlocks,
		m.HighestSeen, m.LastContiguous, m.IngestDuration,
	)
	return m
}
