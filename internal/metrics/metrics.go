// Package metrics provides Prometheus metrics for the httpdirfs mount.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/httpdirfs/httpdirfs/internal/logging"
)

var (
	// Filesystem operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdirfs_fs_operations_total",
			Help: "Total number of filesystem operations by result",
		},
		[]string{"op", "result"},
	)

	fsOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpdirfs_fs_operation_duration_seconds",
			Help:    "Filesystem operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Remote tree metrics
	listingFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdirfs_listing_fetches_total",
			Help: "Total directory listing fetches",
		},
		[]string{"status"},
	)

	listingEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpdirfs_listing_entries",
			Help:    "Number of entries per fetched directory listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	treeDirectoriesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpdirfs_tree_directories_loaded",
			Help: "Number of directory tables populated in the tree",
		},
	)

	// Content transfer metrics
	rangeReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdirfs_range_reads_total",
			Help: "Total byte-range requests sent to the remote",
		},
		[]string{"status"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpdirfs_bytes_downloaded_total",
			Help: "Total content bytes downloaded from the remote",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdirfs_http_requests_total",
			Help: "Total HTTP requests by method and status code",
		},
		[]string{"method", "code"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdirfs_cache_lookups_total",
			Help: "Block cache lookups by result",
		},
		[]string{"result"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpdirfs_cache_bytes",
			Help: "Bytes currently held in the block cache",
		},
	)
)

// RecordOp records a completed filesystem operation.
func RecordOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fsOpsTotal.WithLabelValues(op, result).Inc()
	fsOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordListingFetch records a listing fetch and its entry count.
func RecordListingFetch(entries int, err error) {
	if err != nil {
		listingFetchesTotal.WithLabelValues("error").Inc()
		return
	}
	listingFetchesTotal.WithLabelValues("ok").Inc()
	listingEntries.Observe(float64(entries))
}

// IncDirectoriesLoaded counts a newly populated directory table.
func IncDirectoriesLoaded() {
	treeDirectoriesLoaded.Inc()
}

// RecordRangeRead records a ranged content request.
func RecordRangeRead(bytes int, err error) {
	if err != nil {
		rangeReadsTotal.WithLabelValues("error").Inc()
		return
	}
	rangeReadsTotal.WithLabelValues("ok").Inc()
	bytesDownloaded.Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP round trip. code is 0 on transport failure.
func RecordHTTPRequest(method string, code int) {
	label := "error"
	if code > 0 {
		label = http.StatusText(code)
		if label == "" {
			label = "unknown"
		}
	}
	httpRequestsTotal.WithLabelValues(method, label).Inc()
}

// RecordCacheLookup records a block cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}
}

// SetCacheBytes updates the cache size gauge.
func SetCacheBytes(n int64) {
	cacheBytes.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("metrics listener started", logging.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
