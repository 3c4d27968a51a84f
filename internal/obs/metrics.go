package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Bridge metrics
var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbridge_dispatch_total",
			Help: "Deal events handled, by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	artifactDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbridge_artifact_deliveries_total",
			Help: "Artifact delivery attempts, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	notifierCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbridge_notifier_calls_total",
			Help: "Outbound messaging channel calls, by method and result.",
		},
		[]string{"method", "result"},
	)

	crmCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealbridge_crm_call_duration_seconds",
			Help:    "CRM REST call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "result"},
	)

	consoleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbridge_console_transitions_total",
			Help: "Upload console state transitions.",
		},
		[]string{"from", "to"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			dispatchTotal, artifactDeliveries, notifierCalls, crmCalls, consoleTransitions,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts one handled deal event.
func ObserveDispatch(trigger, outcome string) {
	dispatchTotal.WithLabelValues(trigger, outcome).Inc()
}

// ObserveArtifact counts one artifact delivery attempt.
func ObserveArtifact(kind, result string) {
	artifactDeliveries.WithLabelValues(kind, result).Inc()
}

// ObserveNotifier counts one call to the messaging channel.
func ObserveNotifier(method string, err error) {
	notifierCalls.WithLabelValues(method, resultLabel(err)).Inc()
}

// ObserveCRM records latency of one CRM call.
func ObserveCRM(method string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	crmCalls.WithLabelValues(method, result).Observe(d.Seconds())
}

// ObserveConsole counts one console state transition.
func ObserveConsole(from, to string) {
	consoleTransitions.WithLabelValues(from, to).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CanonicalPath collapses request paths to a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	switch path {
	case "/", "/health", "/healthz", "/readyz", "/metrics", "/events",
		"/webhook/deal_update", "/webhook/invoice_uploaded", "/webhook/photos_uploaded":
		return path
	}
	if strings.HasPrefix(path, "/webhook/") {
		return "/webhook/:unknown"
	}
	return "other"
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
