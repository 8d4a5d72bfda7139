package readcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch result label values.
const (
	fetchResultSuccess = "success"
	fetchResultFailure = "failure"
)

// Metrics holds the Prometheus metrics of one or more caches.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestedRanges prometheus.Counter
	MergedRanges    prometheus.Counter
	Fetches         *prometheus.CounterVec
	FetchedBytes    prometheus.Counter
	FetchDuration   prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requestedRanges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readcache_requested_ranges_total",
		Help: "Total non-empty ranges registered with Cache",
	})

	mergedRanges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readcache_merged_ranges_total",
		Help: "Total physical ranges produced by coalescing",
	})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readcache_fetches_total",
		Help: "Total physical fetches by result",
	}, []string{"result"})

	fetchedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readcache_fetched_bytes_total",
		Help: "Total bytes returned by successful fetches",
	})

	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "readcache_fetch_duration_seconds",
		Help:    "Duration of physical fetches",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	reg.MustRegister(requestedRanges, mergedRanges, fetches, fetchedBytes, fetchDuration)

	return &Metrics{
		RequestedRanges: requestedRanges,
		MergedRanges:    mergedRanges,
		Fetches:         fetches,
		FetchedBytes:    fetchedBytes,
		FetchDuration:   fetchDuration,
	}
}

func (m *Metrics) observeCache(requested, merged int) {
	if m == nil {
		return
	}
	m.RequestedRanges.Add(float64(requested))
	m.MergedRanges.Add(float64(merged))
}

func (m *Metrics) observeFetch(result string, nbytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
	m.FetchedBytes.Add(float64(nbytes))
	m.FetchDuration.Observe(elapsed.Seconds())
}
