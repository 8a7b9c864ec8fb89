package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tcp_connections_total",
		Help: "Total accepted TCP connections",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently open device sessions",
	})
	AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admission_denied_total",
		Help: "Connections or binds denied by admission control, by reason",
	}, []string{"reason"})
	HandshakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handshake_total",
		Help: "Handshake attempts, by result",
	}, []string{"result"})
	AVLRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_avl_records_total",
		Help: "Total AVL records parsed and emitted",
	})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_parse_errors_total",
		Help: "Frame parse errors",
	})
	CommandResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_command_results_total",
		Help: "Dispatcher command outcomes, by result kind",
	}, []string{"result"})
	CommandPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_command_pending",
		Help: "In-flight dispatcher commands across all sessions",
	})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_parse_latency_seconds",
		Help:    "Per-frame parse latency",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

// StartMetricsServer serves /metrics and /healthz on addr (e.g. ":9000")
// until the process exits or ListenAndServe fails. It is meant to be run
// in its own goroutine by cmd/gateway.
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
