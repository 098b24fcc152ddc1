package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

var (
	trainingsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_trainings_submitted_total",
			Help: "Total number of training jobs accepted into the registry.",
		},
		[]string{"backend"},
	)

	trainingsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_trainings_finished_total",
			Help: "Total number of training jobs whose worker exited, by final status.",
		},
		[]string{"backend", "status"},
	)

	activeTrainings = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_trainings_active",
			Help: "Number of training workers currently running.",
		},
		[]string{"backend"},
	)

	trainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_training_duration_seconds",
			Help:    "Time from submission to worker exit, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"backend"},
	)

	registryPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_registry_purged_total",
			Help: "Total number of terminal jobs removed from the registry by retention.",
		},
	)

	registryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_registry_entries",
			Help: "Number of jobs currently held in the registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(trainingsSubmitted)
	prometheus.MustRegister(trainingsFinished)
	prometheus.MustRegister(activeTrainings)
	prometheus.MustRegister(trainingDuration)
	prometheus.MustRegister(registryPurged)
	prometheus.MustRegister(registryEntries)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, b := range []string{model.BackendThread, model.BackendProcess} {
		trainingsSubmitted.WithLabelValues(b)
		activeTrainings.WithLabelValues(b)
		for _, s := range []model.Status{model.StatusCompleted, model.StatusErrored, model.StatusCanceled} {
			trainingsFinished.WithLabelValues(b, string(s))
		}
	}
}
