package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "queue_depth",
		Help:      "Pending updates in the offline queue.",
	})

	failedDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "failed_depth",
		Help:      "Updates that exhausted retries and await manual retry.",
	})

	enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "enqueued_total",
		Help:      "Updates accepted into the queue, including overwrites.",
	})

	appliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "applied_total",
		Help:      "Updates successfully applied remotely.",
	})

	conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "conflicts_total",
		Help:      "Updates discarded because the server held a newer value.",
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "retries_total",
		Help:      "Transient failures that scheduled a retry.",
	})

	exhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "exhausted_total",
		Help:      "Updates moved to the failed list after the retry budget.",
	})

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "sync_passes_total",
			Help:      "Completed sync passes by terminal status.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			queueDepth,
			failedDepth,
			enqueuedTotal,
			appliedTotal,
			conflictsTotal,
			retriesTotal,
			exhaustedTotal,
			syncPasses,
		)
	})
}

func SetQueueDepth(n int)  { queueDepth.Set(float64(n)) }
func SetFailedDepth(n int) { failedDepth.Set(float64(n)) }
func IncEnqueued()         { enqueuedTotal.Inc() }
func IncApplied()          { appliedTotal.Inc() }
func IncConflict()         { conflictsTotal.Inc() }
func IncRetry()            { retriesTotal.Inc() }
func IncExhausted()        { exhaustedTotal.Inc() }

// IncSyncPass counts a finished pass by its terminal status.
func IncSyncPass(status string) { syncPasses.WithLabelValues(status).Inc() }
