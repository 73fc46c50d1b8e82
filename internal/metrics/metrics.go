// Package metrics provides Prometheus metrics for the live server.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezlive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ezlive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content metrics
	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_content_bytes_served_total",
			Help: "Total bytes of file content written to clients",
		},
	)

	contentResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezlive_content_responses_total",
			Help: "File responses by outcome (served, not_modified, not_found, error)",
		},
		[]string{"outcome"},
	)

	// Index metrics
	indexFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ezlive_index_files",
			Help: "Number of files in the path index",
		},
	)

	indexCollections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ezlive_index_collections",
			Help: "Number of directory collections in the path index",
		},
	)

	indexPreconditionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_index_precondition_failures_total",
			Help: "Directory renames rejected because the destination was already indexed",
		},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezlive_watcher_events_total",
			Help: "Raw file system notifications by operation",
		},
		[]string{"op"},
	)

	watcherDebouncedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_watcher_debounced_total",
			Help: "Modify notifications suppressed by the debounce window",
		},
	)

	watcherErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_watcher_errors_total",
			Help: "Errors reported by the file system notifier",
		},
	)

	// Live reload metrics
	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ezlive_ws_subscribers_active",
			Help: "Number of connected live reload subscribers",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezlive_ws_broadcasts_total",
			Help: "Broadcasts by message kind",
		},
		[]string{"kind"},
	)

	messagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_ws_messages_sent_total",
			Help: "Messages written to subscribers",
		},
	)

	messagesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ezlive_ws_messages_dropped_total",
			Help: "Messages dropped because a subscriber queue was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordContent records the outcome of a file request.
func RecordContent(outcome string, bytes int64) {
	contentResponsesTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		contentBytesServed.Add(float64(bytes))
	}
}

// SetIndexSize sets the current index size.
func SetIndexSize(files, collections int) {
	indexFiles.Set(float64(files))
	indexCollections.Set(float64(collections))
}

// RecordIndexPreconditionFailure counts a rejected directory rename.
func RecordIndexPreconditionFailure() {
	indexPreconditionFailures.Inc()
}

// RecordWatcherEvent counts a raw notification.
func RecordWatcherEvent(op string) {
	watcherEventsTotal.WithLabelValues(op).Inc()
}

// RecordDebounced counts a suppressed modify notification.
func RecordDebounced() {
	watcherDebouncedTotal.Inc()
}

// RecordWatcherError counts a notifier error.
func RecordWatcherError() {
	watcherErrorsTotal.Inc()
}

// SetSubscribersActive sets the number of connected subscribers.
func SetSubscribersActive(count int) {
	subscribersActive.Set(float64(count))
}

// RecordBroadcast records a broadcast of the given message kind.
func RecordBroadcast(kind string) {
	broadcastsTotal.WithLabelValues(kind).Inc()
}

// RecordMessageSent records one message written to a subscriber.
func RecordMessageSent() {
	messagesSentTotal.Inc()
}

// RecordMessageDropped records one message dropped for a slow subscriber.
func RecordMessageDropped() {
	messagesDroppedTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
