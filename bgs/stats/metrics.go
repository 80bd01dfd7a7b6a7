package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "BlobGroup"

// ReplMetrics is the monitoring handle one replication job updates; jobs
// never touch process-wide state directly.
type ReplMetrics struct {
	BlobsRecovered          prometheus.Counter
	BlobBytesRecovered      prometheus.Counter
	HugeBlobsRecovered      prometheus.Counter
	HugeBlobBytesRecovered  prometheus.Counter
	ChunksWritten           prometheus.Counter
	PhantomsDiscovered      prometheus.Counter
	UnreplicatedPhantoms    prometheus.Gauge
	UnreplicatedNonPhantoms prometheus.Gauge
	WorkUnitsRemaining      prometheus.Gauge
	ItemsRemaining          prometheus.Gauge
}

func NewReplMetrics(reg prometheus.Registerer) *ReplMetrics {
	m := &ReplMetrics{
		BlobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "blobs_recovered",
			Help:      "Counter of blobs recovered into SSTs.",
		}),
		BlobBytesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "blob_bytes_recovered",
			Help:      "Counter of blob bytes recovered into SSTs.",
		}),
		HugeBlobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "huge_blobs_recovered",
			Help:      "Counter of blobs recovered through the huge-blob channel.",
		}),
		HugeBlobBytesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "huge_blob_bytes_recovered",
			Help:      "Counter of bytes recovered through the huge-blob channel.",
		}),
		ChunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "chunks_written",
			Help:      "Counter of distinct device chunks written by replication.",
		}),
		PhantomsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "phantoms_discovered",
			Help:      "Counter of phantom-like blobs discovered by the planner.",
		}),
		UnreplicatedPhantoms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "unreplicated_phantoms",
			Help:      "Whether phantom-like blobs are pending replication.",
		}),
		UnreplicatedNonPhantoms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "unreplicated_non_phantoms",
			Help:      "Whether regular blobs are pending replication.",
		}),
		WorkUnitsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "work_units_remaining",
			Help:      "Bytes of replication work remaining after the last plan.",
		}),
		ItemsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "repl",
			Name:      "items_remaining",
			Help:      "Blobs remaining after the last plan.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BlobsRecovered, m.BlobBytesRecovered,
			m.HugeBlobsRecovered, m.HugeBlobBytesRecovered,
			m.ChunksWritten, m.PhantomsDiscovered,
			m.UnreplicatedPhantoms, m.UnreplicatedNonPhantoms,
			m.WorkUnitsRemaining, m.ItemsRemaining,
		)
	}
	return m
}

// NewUnregisteredReplMetrics is for jobs that run without a registry, e.g.
// in tests.
func NewUnregisteredReplMetrics() *ReplMetrics {
	return NewReplMetrics(nil)
}
