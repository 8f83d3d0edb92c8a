package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LoopCycles counts completed regular loop cycles, labeled by loop name.
	LoopCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perish_loop_cycles_total",
		Help: "Total number of completed interval loop cycles",
	}, []string{"loop"})
	// LoopBumps counts manual out-of-band executions.
	LoopBumps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perish_loop_bumps_total",
		Help: "Total number of manual interval loop executions",
	}, []string{"loop"})
	// LoopFailures counts callback invocations that returned an error or panicked.
	LoopFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perish_loop_failures_total",
		Help: "Total number of failed interval loop callbacks",
	}, []string{"loop"})
	// RunningLoops reports the number of loops currently in the running state.
	RunningLoops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perish_loops_running",
		Help: "Current number of running interval loops",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the loop metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoopCycles, LoopBumps, LoopFailures, RunningLoops)
}
