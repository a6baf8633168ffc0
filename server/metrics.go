package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's collectors on a registry owned by one App.
type Metrics struct {
	Registry *prometheus.Registry

	logins            *prometheus.CounterVec
	minted            *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	backchannel       *prometheus.CounterVec
	sessionsRevoked   prometheus.Counter
	tokensRevoked     prometheus.Counter
	discoveryAttempts prometheus.Counter
	ready             prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbroker_logins_total",
			Help: "Completed login callbacks by result",
		}, []string{"result"}),
		minted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbroker_tokens_minted_total",
			Help: "Application tokens minted by flow",
		}, []string{"flow"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbroker_token_verifications_total",
			Help: "Application token verifications by result",
		}, []string{"result"}),
		backchannel: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbroker_backchannel_logouts_total",
			Help: "Back-channel logout notifications by result",
		}, []string{"result"}),
		sessionsRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "oidcbroker_sessions_revoked_total",
			Help: "Upstream sessions revoked through back-channel logout",
		}),
		tokensRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "oidcbroker_revoked_tokens_total",
			Help: "Application token ids added to the revoked set",
		}),
		discoveryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "oidcbroker_discovery_attempts_total",
			Help: "Upstream discovery attempts",
		}),
		ready: f.NewGauge(prometheus.GaugeOpts{
			Name: "oidcbroker_ready",
			Help: "1 once upstream discovery has completed",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

const unmatchedRoute = "unmatched"

// Middleware records request counts and latency by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Unrouted paths share one label.
		path := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
