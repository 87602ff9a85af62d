// Package metrics provides Prometheus instrumentation for the spin economy.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SpinsTotal counts settled spins, partitioned by mode (normal, bonus).
	SpinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_spins_total",
		Help: "Total number of settled spins",
	}, []string{"mode"})

	// SettleLatency tracks the time from spin request to settlement.
	SettleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spin_settle_latency_seconds",
		Help:    "Spin request to settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RewardsGranted counts reward amounts credited, by kind.
	RewardsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_rewards_granted_total",
		Help: "Cumulative reward amounts credited",
	}, []string{"kind"})

	// SpinRejections counts spin requests refused, by reason.
	SpinRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_rejections_total",
		Help: "Spin requests rejected",
	}, []string{"reason"})

	// BonusArmed counts bonus-mode activations.
	BonusArmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spin_bonus_armed_total",
		Help: "Number of times bonus mode was armed",
	})

	// ActiveSessions tracks signed-in players.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spin_active_sessions",
		Help: "Number of signed-in players",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RemoteWrites counts ledger store writes by result (ok, error, dropped).
	RemoteWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_remote_writes_total",
		Help: "Remote ledger writes by result",
	}, []string{"result"})

	// ReconcileDecisions counts per-field reconciliation outcomes.
	ReconcileDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_reconcile_decisions_total",
		Help: "Remote snapshot field decisions",
	}, []string{"field", "decision"})

	// Rollovers counts day and week boundary resets.
	Rollovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_rollovers_total",
		Help: "Day and week rollovers applied",
	}, []string{"period"})

	// ReferralRewards counts referral payouts, by type (signup, level).
	ReferralRewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_referral_rewards_total",
		Help: "Referral rewards enqueued",
	}, []string{"type"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spin_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
