package modernfs

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats aggregates the read/write counters and the allocator/inode-cache
// derived free counts that the mount context mirrors into the live
// superblock on every sync. Grounded on
// fs_context_t's read_count/write_count fields in
// original_source/include/modernfs/fs_context.h; backed by
// prometheus.Counter/Gauge instead of bare uint64s so cmd/modernfs can serve
// them from a debug listener without a second bookkeeping layer.
type Stats struct {
	reads  prometheus.Counter
	writes prometheus.Counter

	freeBlocks prometheus.Gauge
	freeInodes prometheus.Gauge

	registry *prometheus.Registry
}

// NewStats creates a fresh, independent metric set (own registry) so that
// multiple mounted images in the same process never collide on metric names.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	s := &Stats{
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modernfs_read_total",
			Help: "Number of completed read operations.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modernfs_write_total",
			Help: "Number of completed write operations.",
		}),
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modernfs_free_blocks",
			Help: "Free data blocks as of the last sync.",
		}),
		freeInodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modernfs_free_inodes",
			Help: "Free inodes as of the last sync.",
		}),
		registry: reg,
	}
	reg.MustRegister(s.reads, s.writes, s.freeBlocks, s.freeInodes)
	return s
}

func (s *Stats) AddRead()  { s.reads.Inc() }
func (s *Stats) AddWrite() { s.writes.Inc() }

func (s *Stats) SetFreeBlocks(n uint64) { s.freeBlocks.Set(float64(n)) }
func (s *Stats) SetFreeInodes(n uint64) { s.freeInodes.Set(float64(n)) }

// Registry exposes the underlying prometheus.Registry so cmd/modernfs can
// wire it into an http.Handler (promhttp.HandlerFor) when -metrics-addr is set.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// Snapshot is a point-in-time read of the counters, used by statfs.
type Snapshot struct {
	Reads, Writes          uint64
	FreeBlocks, FreeInodes uint64
}

func (s *Stats) Snapshot(freeBlocks, freeInodes uint64) Snapshot {
	return Snapshot{
		Reads:      uint64(readCounter(s.reads)),
		Writes:     uint64(readCounter(s.writes)),
		FreeBlocks: freeBlocks,
		FreeInodes: freeInodes,
	}
}

// readCounter pulls the current value out of a prometheus.Counter via its
// Write method; prometheus counters don't expose a direct getter.
func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}
