// Package metrics provides Prometheus instrumentation for the bot and its
// HTTP surface.
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
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podito_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// TurnsTotal counts handled inbound messages by flow and outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_turns_total",
			Help: "Inbound messages handled by the bot",
		},
		[]string{"flow", "outcome"},
	)

	// SessionsStartedTotal counts flow starts, including restarts of ended sessions.
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_sessions_started_total",
			Help: "Sessions started or restarted",
		},
		[]string{"flow"},
	)

	// UnmatchedInputsTotal counts inputs that matched no button.
	UnmatchedInputsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_unmatched_inputs_total",
			Help: "Inputs that matched no button at the current node",
		},
		[]string{"flow", "node"},
	)

	// ActionsDispatchedTotal counts action nodes reached.
	ActionsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_actions_dispatched_total",
			Help: "Actions dispatched from action nodes",
		},
		[]string{"action"},
	)

	// RouterDecisionsTotal counts AI router decisions by kind.
	RouterDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_router_decisions_total",
			Help: "AI router decisions",
		},
		[]string{"decision"},
	)

	// ReceiptsTotal counts transport delivery receipts by status.
	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podito_receipts_total",
			Help: "Delivery receipts reported by the messaging transport",
		},
		[]string{"status"},
	)

	// SessionsSweptTotal counts sessions deleted by the retention sweeper.
	SessionsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podito_sessions_swept_total",
			Help: "Idle sessions deleted by the retention sweeper",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// Middleware records request metrics labelled with the matched chi route
// pattern, so path parameters do not explode label cardinality.
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
		RecordRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
	})
}
