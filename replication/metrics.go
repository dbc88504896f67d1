package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/corviddb/corvid/etag"
)

var namespace = "corvid"
var subsystem = "replication"

var (
	// CyclesTotal stores the number of scheduler cycles that launched a
	// worker per destination; cycles skipped by throttling or by a busy
	// worker are not counted.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cycles_total",
		Help:      "Number of scheduler cycles attempted per destination",
	}, []string{"destination"})

	// BatchesShippedTotal stores the number of successfully shipped
	// batches partitioned by destination and stream (docs/attachments).
	BatchesShippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "batches_shipped_total",
		Help:      "Number of batches successfully shipped, by destination and stream",
	}, []string{"destination", "stream"})

	// RecordsShippedTotal stores the number of individual records
	// (documents, tombstones, or attachments) shipped.
	RecordsShippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "records_shipped_total",
		Help:      "Number of individual records shipped, by destination and stream",
	}, []string{"destination", "stream"})

	// FailuresTotal stores the number of ship failures per destination.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "failures_total",
		Help:      "Number of failed shipping attempts per destination",
	}, []string{"destination"})

	// BatchShipDuration stores the time to ship one batch, partitioned by
	// destination and stream.
	BatchShipDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "batch_ship_duration_seconds",
		Help:      "Time to ship one batch, by destination and stream",
	}, []string{"destination", "stream"})

	// ActiveWorkers stores the number of destinations currently holding
	// the busy flag.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_workers",
		Help:      "Number of destinations currently being replicated to",
	})

	// LastShippedEtag stores the sequence number of the most recently
	// shipped etag per destination and stream (SPEC_FULL §10).
	LastShippedEtag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "last_shipped_etag",
		Help:      "Sequence number of the most recently shipped etag, by destination and stream",
	}, []string{"destination", "stream"})
)

// recordShipResult updates the shipped/failed counters and duration
// histogram for one batch attempt. Kept separate from Worker so Worker
// stays free of metrics plumbing details, mirroring how the teacher keeps
// RPC handlers thin and pushes bookkeeping into the metrics package.
func recordShipResult(destinationKey, stream string, count int, seconds float64, err error) {
	if err != nil {
		FailuresTotal.WithLabelValues(destinationKey).Inc()
		return
	}
	BatchesShippedTotal.WithLabelValues(destinationKey, stream).Inc()
	RecordsShippedTotal.WithLabelValues(destinationKey, stream).Add(float64(count))
	BatchShipDuration.WithLabelValues(destinationKey, stream).Observe(seconds)
}

// recordLastShippedEtag updates the last-shipped-etag gauge after a
// successful batch ship.
func recordLastShippedEtag(destinationKey, stream string, e etag.Etag) {
	LastShippedEtag.WithLabelValues(destinationKey, stream).Set(float64(e.Uint64()))
}
