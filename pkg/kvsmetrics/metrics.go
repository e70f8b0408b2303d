// Package kvsmetrics declares the Prometheus surface for a node instance,
// adapted from the teacher's pkg/metrics: package-level metric vars
// registered in init(), plus a Timer helper for histogram observations.
package kvsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_cache_entries",
		Help: "Number of entries currently held in the object cache.",
	})

	CacheValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_cache_valid_entries",
		Help: "Number of cache entries currently valid.",
	})

	CacheDirty = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_cache_dirty_entries",
		Help: "Number of cache entries awaiting content-store acknowledgement.",
	})

	CacheFaultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvs_cache_faults_total",
		Help: "Total number of cache misses that triggered a content.load RPC.",
	})

	NoopStoresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvs_noop_stores_total",
		Help: "Total number of commits whose applied ops produced no tree change.",
	})

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvs_commits_total",
			Help: "Total number of commits processed, by outcome.",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvs_commit_duration_seconds",
		Help:    "Time from a fence becoming READY to its setroot/error event firing.",
		Buckets: prometheus.DefBuckets,
	})

	FenceQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_fence_ready_queue_depth",
		Help: "Number of fences currently waiting in the commit manager's ready queue.",
	})

	RootSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvs_root_seq",
			Help: "Current rootseq per namespace.",
		},
		[]string{"namespace"},
	)

	GetOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvs_get_ops_total",
		Help: "Total number of kvs.get requests served.",
	})

	WatchersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_watchers_active",
		Help: "Number of currently registered watchers.",
	})

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvs_rpc_duration_seconds",
			Help:    "Outbound broker RPC duration in seconds, by service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheSize,
		CacheValid,
		CacheDirty,
		CacheFaultsTotal,
		NoopStoresTotal,
		CommitsTotal,
		CommitDuration,
		FenceQueueDepth,
		RootSeq,
		GetOpsTotal,
		WatchersActive,
		RPCDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation for a later histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
