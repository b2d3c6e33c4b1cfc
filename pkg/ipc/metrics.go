package ipc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiontap",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Control API requests by route and status.",
	}, []string{"route", "method", "status"})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessiontap",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control API latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	metricStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessiontap",
		Subsystem: "http",
		Name:      "event_stream_clients",
		Help:      "Open session event websocket streams.",
	})
	metricSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessiontap",
		Subsystem: "socket",
		Name:      "consumers",
		Help:      "Consumers connected to the framed event socket.",
	})
	metricIngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiontap",
		Subsystem: "http",
		Name:      "ingest_rejected_total",
		Help:      "Bridged instrumentation messages refused at the API by reason.",
	}, []string{"reason"})
)

// instrumentMiddleware records request counts against the matched route
// pattern so session ids do not explode label cardinality.
func instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metricRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		metricRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics {
		if err := s.authorize(r); err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}
