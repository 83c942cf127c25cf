package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "growpilot_actions_total",
		Help: "Actions attempted by the bots, by type and outcome",
	}, []string{"action", "status"})
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "growpilot_ticks_total",
		Help: "Loop ticks executed",
	})
	TickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "growpilot_tick_errors_total",
		Help: "Loop ticks that failed and went to backoff",
	})
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "growpilot_tick_duration_seconds",
		Help:    "Tick duration seconds, sleeps excluded",
		Buckets: prometheus.DefBuckets,
	})
	RunningBots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "growpilot_running_bots",
		Help: "Bot instances currently registered",
	})
	BackoffDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "growpilot_backoff_delay_seconds",
		Help:    "Delays chosen after failed ticks",
		Buckets: []float64{60, 90, 120, 180, 240, 300},
	})
	ScrapedCandidates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "growpilot_scraped_candidates_total",
		Help: "Candidates added to queues by scraping",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "growpilot_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "growpilot_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "growpilot_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
	RollupRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "growpilot_rollup_runs_total",
		Help: "Analytics rollup runs",
	})
)

func init() {
	prometheus.MustRegister(Actions, Ticks, TickErrors, TickDuration, RunningBots, BackoffDelay,
		ScrapedCandidates, APIRetries, CommandRuns, CommandErrors, RollupRuns)
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
// It returns nil when no address is configured.
func StartServer(addr string) *http.Server {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

func IncAction(action, status string) { Actions.WithLabelValues(action, status).Inc() }

// ObserveTick records one tick; failed ticks also count as errors.
func ObserveTick(start time.Time, failed bool) {
	Ticks.Inc()
	TickDuration.Observe(time.Since(start).Seconds())
	if failed {
		TickErrors.Inc()
	}
}

func ObserveBackoff(d time.Duration) { BackoffDelay.Observe(d.Seconds()) }

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
