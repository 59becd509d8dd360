// Package metrics provides Prometheus metrics for the pomelo client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API request metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pomelo_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pomelo_bytes_uploaded_total",
			Help: "Total content bytes uploaded",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pomelo_bytes_downloaded_total",
			Help: "Total content bytes downloaded",
		},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_transfers_total",
			Help: "Total transfers by direction and terminal state",
		},
		[]string{"direction", "state"},
	)

	transfersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pomelo_transfers_active",
			Help: "Transfers currently in progress by direction",
		},
		[]string{"direction"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_cache_lookups_total",
			Help: "Total node cache lookups",
		},
		[]string{"result"},
	)

	cacheNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pomelo_cache_nodes",
			Help: "Number of nodes held in the cache",
		},
	)

	// Key resolution metrics
	keyResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_key_resolutions_total",
			Help: "Total node key resolutions",
		},
		[]string{"kind", "result"},
	)

	// Event stream metrics
	eventBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pomelo_event_batches_total",
			Help: "Total event batches applied to the cache",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_events_total",
			Help: "Total events applied by type",
		},
		[]string{"type"},
	)

	// Conflict metrics
	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomelo_upload_conflicts_total",
			Help: "Total upload name conflicts by resolution",
		},
		[]string{"resolution"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// AddBytesUploaded adds to the uploaded byte counter.
func AddBytesUploaded(n int64) {
	bytesUploaded.Add(float64(n))
}

// AddBytesDownloaded adds to the downloaded byte counter.
func AddBytesDownloaded(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordTransferDone records a transfer reaching a terminal state.
func RecordTransferDone(direction, state string) {
	transfersTotal.WithLabelValues(direction, state).Inc()
	transfersActive.WithLabelValues(direction).Dec()
}

// RecordTransferStart records a transfer entering progress.
func RecordTransferStart(direction string) {
	transfersActive.WithLabelValues(direction).Inc()
}

// RecordCacheLookup records a node cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheNodes sets the current cached node count.
func SetCacheNodes(n int) {
	cacheNodes.Set(float64(n))
}

// RecordKeyResolution records a key resolution attempt.
func RecordKeyResolution(kind string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	keyResolutionsTotal.WithLabelValues(kind, result).Inc()
}

// RecordEventBatch records an applied event batch and its per-type counts.
func RecordEventBatch(byType map[string]int) {
	eventBatchesTotal.Inc()
	for t, n := range byType {
		eventsTotal.WithLabelValues(t).Add(float64(n))
	}
}

// RecordConflict records an upload name conflict resolution.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}
