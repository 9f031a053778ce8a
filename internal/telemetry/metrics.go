package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Definitions
var (
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_active_workers",
		Help: "Number of currently running workers.",
	}, []string{"feature"})
	TasksPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_tasks_pending",
		Help: "Number of tasks not yet done.",
	}, []string{"feature", "level"})
	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_tasks_completed_total",
		Help: "Total completed tasks.",
	}, []string{"feature"})
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_tasks_failed_total",
		Help: "Total tasks that exhausted retries.",
	}, []string{"feature"})
	WorkerCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_worker_crashes_total",
		Help: "Total worker crashes (non-protocol exit codes).",
	}, []string{"feature"})
	WorkerLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_worker_launches_total",
		Help: "Total worker launches by backend.",
	}, []string{"feature", "backend"})

	MergeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_merge_attempts_total",
		Help: "Total level-merge attempts.",
	}, []string{"feature", "level"})
	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_merge_conflicts_total",
		Help: "Total merge conflicts encountered.",
	}, []string{"feature", "level"})
	LevelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zerg_level_duration_seconds",
		Help:    "Wall-clock time to complete a level, including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"feature"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_circuit_breaker_state",
		Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
	}, []string{"feature"})
	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_circuit_breaker_trips_total",
		Help: "Total times the circuit breaker opened.",
	}, []string{"feature"})
	BackpressureActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_backpressure_active",
		Help: "1 if backpressure is currently throttling new spawns.",
	}, []string{"feature"})

	OrchestratorLoopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_orchestrator_loops_total",
		Help: "Number of main-loop iterations.",
	}, []string{"feature"})
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_errors_total",
		Help: "Total internal errors by kind.",
	}, []string{"feature", "kind"})
	StateWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_state_writes_total",
		Help: "Total state-store document writes.",
	}, []string{"feature"})
	StateWriteConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_state_write_conflicts_total",
		Help: "Total reload-before-write version conflicts.",
	}, []string{"feature"})
	UptimeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_uptime_seconds",
		Help: "Run duration in seconds.",
	}, []string{"feature"})
)

var (
	metricsOnce    sync.Once
	metricsMu      sync.Mutex
	metricsRunning bool
)

// StartMetricsServer starts a HTTP server exposing Prometheus metrics.
// It attempts to bind to the given port. If the port is in use, it tries
// the following ports, up to 10 ports in all (basePort through
// basePort+9), before giving up.
func StartMetricsServer(basePort int) error {
	metricsMu.Lock()
	if metricsRunning {
		metricsMu.Unlock()
		return nil // Already running
	}
	metricsRunning = true
	metricsMu.Unlock()

	metricsOnce.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})

	var listener net.Listener
	var err error

	// Try up to 10 ports
	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Starting metrics server on %s\n", addr)
			return http.Serve(listener, nil)
		}
	}

	metricsMu.Lock()
	metricsRunning = false
	metricsMu.Unlock()
	return fmt.Errorf("failed to find available port starting from %d: %w", basePort, err)
}

// API Helper Functions

func SetActiveWorkers(feature string, count int) {
	ActiveWorkers.WithLabelValues(feature).Set(float64(count))
}

func SetTasksPending(feature, level string, count int) {
	TasksPending.WithLabelValues(feature, level).Set(float64(count))
}

func TrackTaskCompleted(feature string) {
	TasksCompletedTotal.WithLabelValues(feature).Inc()
}

func TrackTaskFailed(feature string) {
	TasksFailedTotal.WithLabelValues(feature).Inc()
}

func TrackWorkerCrash(feature string) {
	WorkerCrashesTotal.WithLabelValues(feature).Inc()
}

func TrackWorkerLaunch(feature, backend string) {
	WorkerLaunchesTotal.WithLabelValues(feature, backend).Inc()
}

func TrackMergeAttempt(feature, level string) {
	MergeAttemptsTotal.WithLabelValues(feature, level).Inc()
}

func TrackMergeConflict(feature, level string) {
	MergeConflictsTotal.WithLabelValues(feature, level).Inc()
}

func ObserveLevelDuration(feature string, seconds float64) {
	LevelDuration.WithLabelValues(feature).Observe(seconds)
}

// SetCircuitBreakerState reports 0=closed, 1=half_open, 2=open.
func SetCircuitBreakerState(feature string, state int) {
	CircuitBreakerState.WithLabelValues(feature).Set(float64(state))
}

func TrackCircuitBreakerTrip(feature string) {
	CircuitBreakerTripsTotal.WithLabelValues(feature).Inc()
}

func SetBackpressureActive(feature string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	BackpressureActive.WithLabelValues(feature).Set(v)
}

func TrackOrchestratorLoop(feature string) {
	OrchestratorLoopsTotal.WithLabelValues(feature).Inc()
}

func TrackError(feature, kind string) {
	ErrorsTotal.WithLabelValues(feature, kind).Inc()
}

func TrackStateWrite(feature string) {
	StateWritesTotal.WithLabelValues(feature).Inc()
}

func TrackStateWriteConflict(feature string) {
	StateWriteConflictsTotal.WithLabelValues(feature).Inc()
}
