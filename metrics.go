package chronos

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type nodeMetrics struct {
	commits    prometheus.Counter
	promotions prometheus.Counter
	rejections prometheus.Counter
	duplicates prometheus.Counter
	buffered   prometheus.Counter
	evictions  prometheus.Counter
}

func newNodeMetrics() *nodeMetrics {
	return &nodeMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_commits_total",
			Help: "Values committed, local and remote",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_promotions_total",
			Help: "Buffered values committed once their causes arrived",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_rejections_total",
			Help: "Values rejected for invalid or replayed proofs",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_duplicates_total",
			Help: "Redelivered values dropped by deduplication",
		}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_buffered_total",
			Help: "Values parked waiting on causal dependencies",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronos_pending_evictions_total",
			Help: "Pending values evicted by the buffer size cap",
		}),
	}
}

// RegisterMetrics exposes the node's counters, the pending buffer
// depth and the storage engine internals on the given registry.
func (c *Chronos) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.metrics.commits,
		c.metrics.promotions,
		c.metrics.rejections,
		c.metrics.duplicates,
		c.metrics.buffered,
		c.metrics.evictions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chronos_pending_depth",
			Help: "Values currently waiting on causal dependencies",
		}, func() float64 { return float64(c.pending.Len()) }),
		NewPebbleCollector(c.store.DB()),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// PebbleCollector surfaces the storage engine's compaction, memtable
// and WAL gauges.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"pebble_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"pebble_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"pebble_disk_usage_bytes",
			"Total disk space used by the store",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskUsage
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		pc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.diskUsage,
		prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()),
	)
}
