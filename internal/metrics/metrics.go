package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the dispatcher
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PathSearches counts A* searches by outcome kind ("found", "no_path", "timeout", ...)
	PathSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pathfind_searches_total", Help: "A* searches by outcome."},
		[]string{"kind"},
	)
	// PathCache counts cache lookups by result ("hit", "miss")
	PathCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pathfind_cache_lookups_total", Help: "Path cache lookups by result."},
		[]string{"result"},
	)
	// PathNodes tracks nodes explored per uncached search
	PathNodes = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "pathfind_nodes_explored", Help: "Nodes explored per A* search.", Buckets: prometheus.ExponentialBuckets(16, 4, 8)},
	)

	// PlanDuration records planning pass latency in seconds by optimization level
	PlanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "planner_pass_duration_seconds", Help: "Planning pass duration in seconds.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30}},
		[]string{"level"},
	)
	// PlanPasses counts planning passes by level and outcome
	PlanPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planner_passes_total", Help: "Planning passes by level and outcome."},
		[]string{"level", "outcome"},
	)
	// UnassignedVolume is the volume left unassigned by the latest pass
	UnassignedVolume = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "planner_unassigned_volume", Help: "Volume left unassigned by the latest planning pass."},
	)
	// FeasibilityProblems counts validator findings by severity and dimension
	FeasibilityProblems = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feasibility_problems_total", Help: "Feasibility findings by severity and dimension."},
		[]string{"severity", "dimension"},
	)

	// ClockTicks counts simulation clock ticks
	ClockTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "simclock_ticks_total", Help: "Simulation clock ticks."},
	)
	// ClockAcceleration is the current acceleration factor
	ClockAcceleration = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "simclock_acceleration", Help: "Simulation clock acceleration factor."},
	)
	// WebhookDeliveries counts webhook POST attempts by result ("ok", "retry", "failed")
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by result."},
		[]string{"result"},
	)
	// ClockTaskFailures counts scheduled tasks and triggers that failed
	ClockTaskFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "simclock_task_failures_total", Help: "Failed scheduled tasks and triggers."},
	)
)

// RegisterDefault registers collectors to the dispatcher registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PathSearches)
		Registry.MustRegister(PathCache)
		Registry.MustRegister(PathNodes)
		Registry.MustRegister(PlanDuration)
		Registry.MustRegister(PlanPasses)
		Registry.MustRegister(UnassignedVolume)
		Registry.MustRegister(FeasibilityProblems)
		Registry.MustRegister(ClockTicks)
		Registry.MustRegister(ClockAcceleration)
		Registry.MustRegister(ClockTaskFailures)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
