package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const phaseLabel = "phase"

const (
	phaseInitialize = "initialize"
	phaseExecute    = "execute"
	phaseFinish     = "finish"
)

var tracer = otel.Tracer("quadsphere/pipeline")

var (
	stageSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quadsphere_pipeline_stage_seconds",
		Help:    "Time from dispatching a stage to finishing it.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	patchesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadsphere_pipeline_patches_built_total",
		Help: "Patches carried through every stage of a completed pipeline.",
	})

	workUnitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_workunit_errors_total",
		Help: "Work-unit failures by lifecycle phase.",
	}, []string{
		phaseLabel,
	})

	pipelinesAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadsphere_pipeline_aborted_total",
		Help: "Pipelines discarded before completion.",
	})
)

func instrumentStage(start time.Time) {
	stageSeconds.Observe(time.Since(start).Seconds())
}

func instrumentWorkUnitError(phase string) {
	workUnitErrors.With(prometheus.Labels{
		phaseLabel: phase,
	}).Inc()
}
