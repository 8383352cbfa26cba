// Package metrics exposes geotrack counters and gauges to Prometheus
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geotrack/geotrack/pkg/logx"
)

// Version is reported by geotrack_daemon_version_info
var Version = "dev"

// Metrics holds every geotrack collector. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	tierHits        *prometheus.CounterVec
	tierMisses      *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	configErrors    *prometheus.CounterVec
	ipWinners       *prometheus.CounterVec

	searches *prometheus.CounterVec

	pushes           *prometheus.CounterVec
	reconnects       prometheus.Counter
	tracking         prometheus.Gauge
	adaptiveInterval prometheus.Gauge
	speed            *prometheus.GaugeVec

	daemonUptime  prometheus.Gauge
	daemonVersion *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	// Resolver metrics
	m.tierHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_resolve_tier_hits_total",
			Help: "Resolutions served by each cascade tier",
		},
		[]string{"tier"},
	)

	m.tierMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_resolve_tier_misses_total",
			Help: "Cascade tiers that produced no usable fix",
		},
		[]string{"tier", "reason"},
	)

	m.resolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geotrack_resolve_duration_seconds",
			Help:    "Time spent resolving a position",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 20},
		},
	)

	m.configErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_configuration_errors_total",
			Help: "Backend failures classified as misconfiguration",
		},
		[]string{"component"},
	)

	m.ipWinners = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_ip_race_wins_total",
			Help: "IP geolocation races won by each provider",
		},
		[]string{"provider"},
	)

	// Search metrics
	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_search_requests_total",
			Help: "Place searches by outcome",
		},
		[]string{"outcome"},
	)

	// Tracker metrics
	m.pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrack_tracker_pushes_total",
			Help: "Position push decisions by result",
		},
		[]string{"result"},
	)

	m.reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrack_tracker_reconnects_total",
			Help: "Watch reconnections after a device timeout",
		},
	)

	m.tracking = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrack_tracker_active",
			Help: "Whether a tracking session is running (1=tracking)",
		},
	)

	m.adaptiveInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrack_tracker_interval_seconds",
			Help: "Current adaptive sampling interval",
		},
	)

	m.speed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geotrack_tracker_speed_mps",
			Help: "Agent speed in meters per second",
		},
		[]string{"kind"},
	)

	// Daemon metrics
	m.daemonUptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrack_daemon_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geotrack_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "go_version"},
	)

	reg.MustRegister(
		m.tierHits,
		m.tierMisses,
		m.resolveDuration,
		m.configErrors,
		m.ipWinners,
		m.searches,
		m.pushes,
		m.reconnects,
		m.tracking,
		m.adaptiveInterval,
		m.speed,
		m.daemonUptime,
		m.daemonVersion,
	)
	return m
}

// RecordTierHit records the tier that produced a fix
func (m *Metrics) RecordTierHit(tier string) {
	if m == nil {
		return
	}
	m.tierHits.WithLabelValues(tier).Inc()
}

// RecordTierMiss records a tier that fell through
func (m *Metrics) RecordTierMiss(tier, reason string) {
	if m == nil {
		return
	}
	m.tierMisses.WithLabelValues(tier, reason).Inc()
}

// ObserveResolve records how long a resolution took
func (m *Metrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(d.Seconds())
}

// RecordConfigError counts a misconfiguration seen by component
func (m *Metrics) RecordConfigError(component string) {
	if m == nil {
		return
	}
	m.configErrors.WithLabelValues(component).Inc()
}

// RecordIPWinner counts a won IP race
func (m *Metrics) RecordIPWinner(provider string) {
	if m == nil {
		return
	}
	m.ipWinners.WithLabelValues(provider).Inc()
}

// RecordSearch counts a search by outcome (cache, backend, fallback, superseded, empty)
func (m *Metrics) RecordSearch(outcome string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
}

// RecordPush counts a push decision (ok, error, suppressed)
func (m *Metrics) RecordPush(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

// RecordReconnect counts a watch reconnection
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetTracking sets the tracking gauge
func (m *Metrics) SetTracking(active bool) {
	if m == nil {
		return
	}
	if active {
		m.tracking.Set(1)
	} else {
		m.tracking.Set(0)
	}
}

// SetAdaptiveInterval sets the interval gauge
func (m *Metrics) SetAdaptiveInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.adaptiveInterval.Set(d.Seconds())
}

// SetSpeed sets the instantaneous and smoothed speed gauges
func (m *Metrics) SetSpeed(instant, smoothed float64) {
	if m == nil {
		return
	}
	m.speed.WithLabelValues("instant").Set(instant)
	m.speed.WithLabelValues("smoothed").Set(smoothed)
}

// UpdateDaemon refreshes uptime and version info
func (m *Metrics) UpdateDaemon(started time.Time) {
	if m == nil {
		return
	}
	m.daemonUptime.Set(time.Since(started).Seconds())
	m.daemonVersion.WithLabelValues(Version, runtime.Version()).Set(1)
}

// Server serves /metrics for a gatherer
type Server struct {
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	server   *http.Server
}

// NewServer creates a new metrics server
func NewServer(gatherer prometheus.Gatherer, logger *logx.Logger) *Server {
	return &Server{gatherer: gatherer, logger: logger}
}

// Handler returns the HTTP handler without starting a listener
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start starts the metrics server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting metrics server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler provides a simple health check endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}
