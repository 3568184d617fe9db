package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mapnotebook_batches_total",
		Help: "Finished batches by terminal status",
	}, []string{"status"})
	BatchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mapnotebook_batches_active",
		Help: "Batches currently running",
	})
	FilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mapnotebook_files_total",
		Help: "Processed files by format and result",
	}, []string{"format", "result"})
	DecodeDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mapnotebook_decode_duration_ms",
		Help:    "Decode duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
	}, []string{"format"})
	RemoteRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mapnotebook_remote_requests_total",
		Help: "Remote storage calls by operation and result",
	}, []string{"op", "result"})
	RemoteRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mapnotebook_remote_retries_total",
		Help: "Remote storage retries after a timeout",
	}, []string{"op"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mapnotebook_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})
	HTTPDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mapnotebook_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
)

func init() {
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(BatchesActive)
	prometheus.MustRegister(FilesTotal)
	prometheus.MustRegister(DecodeDurationMs)
	prometheus.MustRegister(RemoteRequestsTotal)
	prometheus.MustRegister(RemoteRetriesTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPDurationMs)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }

// Result renders an outcome label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
