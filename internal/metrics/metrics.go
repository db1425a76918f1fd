// Package metrics holds the Prometheus collectors of the service.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "intent"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	interactions       *prometheus.CounterVec
	interactionDrops   prometheus.Counter
	predictions        *prometheus.CounterVec
	predictionLatency  prometheus.Histogram
	trainingRuns       *prometheus.CounterVec
	trainingDuration   prometheus.Histogram
	trainingAccuracy   prometheus.Gauge
	artifactReloads    *prometheus.CounterVec
	trainingInProgress prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		interactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interactions_logged_total",
				Help:      "Interactions handed to the store, by outcome",
			},
			[]string{"outcome"},
		),
		interactionDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_dropped_total",
			Help:      "Interactions dropped because the log queue was full",
		}),
		predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Classifier predictions by label and whether they were surfaced as advice",
			},
			[]string{"label", "advised"},
		),
		predictionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent vectorizing and classifying one utterance",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		trainingRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "training_runs_total",
				Help:      "Finished training runs by final state",
			},
			[]string{"state"},
		),
		trainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of training runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		trainingAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_last_accuracy",
			Help:      "Validation accuracy of the last successful training run",
		}),
		artifactReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_loads_total",
				Help:      "Artifact load attempts by outcome",
			},
			[]string{"outcome"},
		),
		trainingInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_in_progress",
			Help:      "1 while a training run is in flight",
		}),
	}
}

// InteractionLogged counts one append attempt.
func (m *Metrics) InteractionLogged(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.interactions.WithLabelValues(outcome).Inc()
}

// InteractionDropped counts one interaction lost to a full queue.
func (m *Metrics) InteractionDropped() {
	if m == nil {
		return
	}
	m.interactionDrops.Inc()
}

// Prediction records one classifier call.
func (m *Metrics) Prediction(label string, advised bool, took time.Duration) {
	if m == nil {
		return
	}
	adv := "false"
	if advised {
		adv = "true"
	}
	m.predictions.WithLabelValues(label, adv).Inc()
	m.predictionLatency.Observe(took.Seconds())
}

// TrainingStarted flips the in-progress gauge on.
func (m *Metrics) TrainingStarted() {
	if m == nil {
		return
	}
	m.trainingInProgress.Set(1)
}

// TrainingFinished records the outcome of a run.
func (m *Metrics) TrainingFinished(state string, accuracy float64, took time.Duration) {
	if m == nil {
		return
	}
	m.trainingInProgress.Set(0)
	m.trainingRuns.WithLabelValues(state).Inc()
	m.trainingDuration.Observe(took.Seconds())
	if state == "done" {
		m.trainingAccuracy.Set(accuracy)
	}
}

// ArtifactLoad records one load attempt.
func (m *Metrics) ArtifactLoad(outcome string) {
	if m == nil {
		return
	}
	m.artifactReloads.WithLabelValues(outcome).Inc()
}
