// Package metrics exposes Prometheus instruments for the HTTP surface and the
// deposit pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depositd_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DepositsCreated counts deposits created through any intake path.
	DepositsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depositd_deposits_created_total",
		Help: "Deposits created.",
	})

	// DepositsFinalized counts successful finalizations.
	DepositsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depositd_deposits_finalized_total",
		Help: "Deposits handed to a pipeline and approved.",
	})

	// FilesFetched counts batch downloads by result (ok, failed).
	FilesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositd_download_files_total",
		Help: "Content URLs fetched by download batches, by result.",
	}, []string{"result"})

	// BatchesInFlight tracks running download batches.
	BatchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "depositd_download_batches_in_flight",
		Help: "Download batches currently running.",
	})

	// Approvals counts pipeline approval calls by result (approved, rejected, transport_error, misconfigured, unrecorded).
	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositd_pipeline_approvals_total",
		Help: "Pipeline approval attempts by result.",
	}, []string{"result"})
)

// Middleware records request counts and latency labelled by chi route pattern,
// which keeps deposit identifiers out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
