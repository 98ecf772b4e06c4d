// Package metrics provides Prometheus instrumentation for the build
// pipeline.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder registers and exposes the pipeline metrics. A nil Recorder
// is valid and records nothing, so callers never need to guard.
type Recorder struct {
	stageDuration    *prom.HistogramVec
	stageResults     *prom.CounterVec
	buildOutcome     *prom.CounterVec
	buildIterations  prom.Histogram
	fanoutTasks      prom.Histogram
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	activeBuilds     prom.Gauge
}

// NewRecorder constructs and registers the pipeline metrics on reg.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildplane",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stage invocations",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildplane",
			Name:      "stage_results_total",
			Help:      "Stage invocation results by outcome",
		}, []string{"stage", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildplane",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		buildIterations: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildplane",
			Name:      "build_iterations",
			Help:      "Self-healing iterations consumed per finished build",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		fanoutTasks: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildplane",
			Name:      "fanout_tasks_per_round",
			Help:      "File tasks dispatched per parallel build round",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildplane",
			Name:      "stage_retries_total",
			Help:      "Transient stage failures retried",
		}, []string{"stage"}),
		retriesExhausted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildplane",
			Name:      "stage_retry_exhausted_total",
			Help:      "Stages where transient retries were exhausted",
		}, []string{"stage"}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildplane",
			Name:      "active_builds",
			Help:      "Orchestrator executions currently running",
		}),
	}
	reg.MustRegister(r.stageDuration, r.stageResults, r.buildOutcome,
		r.buildIterations, r.fanoutTasks, r.retries, r.retriesExhausted,
		r.activeBuilds)
	return r
}

// ObserveStageDuration records how long one stage invocation took.
func (r *Recorder) ObserveStageDuration(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncStageResult counts one stage invocation outcome.
func (r *Recorder) IncStageResult(stage, result string) {
	if r == nil {
		return
	}
	r.stageResults.WithLabelValues(stage, result).Inc()
}

// IncBuildOutcome counts one finished build by final status.
func (r *Recorder) IncBuildOutcome(outcome string) {
	if r == nil {
		return
	}
	r.buildOutcome.WithLabelValues(outcome).Inc()
}

// ObserveBuildIterations records the iterations a finished build used.
func (r *Recorder) ObserveBuildIterations(n int) {
	if r == nil {
		return
	}
	r.buildIterations.Observe(float64(n))
}

// ObserveFanoutTasks records the size of one parallel build round.
func (r *Recorder) ObserveFanoutTasks(n int) {
	if r == nil {
		return
	}
	r.fanoutTasks.Observe(float64(n))
}

// IncStageRetry counts one transient retry.
func (r *Recorder) IncStageRetry(stage string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(stage).Inc()
}

// IncStageRetryExhausted counts one retry-budget exhaustion.
func (r *Recorder) IncStageRetryExhausted(stage string) {
	if r == nil {
		return
	}
	r.retriesExhausted.WithLabelValues(stage).Inc()
}

// SetActiveBuilds records the number of running executions.
func (r *Recorder) SetActiveBuilds(n int) {
	if r == nil {
		return
	}
	r.activeBuilds.Set(float64(n))
}
