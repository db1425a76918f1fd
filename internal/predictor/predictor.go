// Package predictor serves the published classifier to the command path.
// Its output is advisory: callers use it for telemetry and hints, never to
// choose a handler.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"intent-service/internal/artifact"
	"intent-service/internal/metrics"
	"intent-service/internal/models"
	"intent-service/internal/nn"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultThreshold is the confidence a prediction must exceed to be advised.
const DefaultThreshold = 0.7

// Loader returns the published artifact triple.
type Loader interface {
	Load() (*artifact.Bundle, error)
}

// Predictor lazily loads artifacts and classifies utterances.
type Predictor struct {
	loader    Loader
	threshold float64
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.RWMutex
	bundle *artifact.Bundle
}

// New creates a predictor. A threshold outside (0,1) falls back to DefaultThreshold.
func New(loader Loader, threshold float64, m *metrics.Metrics, logger *zap.Logger) *Predictor {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Predictor{loader: loader, threshold: threshold, metrics: m, logger: logger}
}

// Threshold is the advisory confidence gate.
func (p *Predictor) Threshold() float64 { return p.threshold }

// Version returns the loaded artifact version, or "" when none is loaded.
func (p *Predictor) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bundle == nil {
		return ""
	}
	return p.bundle.Version
}

// Reload replaces the loaded triple with the published one. On failure the
// previously loaded triple stays in service.
func (p *Predictor) Reload() error {
	b, err := p.loader.Load()
	if err != nil {
		p.metrics.ArtifactLoad(loadOutcome(err))
		return err
	}
	p.metrics.ArtifactLoad("ok")

	p.mu.Lock()
	prev := ""
	if p.bundle != nil {
		prev = p.bundle.Version
	}
	p.bundle = b
	p.mu.Unlock()

	if prev != b.Version {
		p.logger.Info("Classifier loaded",
			zap.String("version", b.Version),
			zap.String("previous", prev),
			zap.Int("classes", b.Labels.Len()),
			zap.Int("vocab_size", b.Vocabulary.Size()))
	}
	return nil
}

func loadOutcome(err error) string {
	var mismatch *artifact.MismatchError
	switch {
	case errors.Is(err, artifact.ErrNotTrained):
		return "not_trained"
	case errors.As(err, &mismatch):
		return "mismatch"
	default:
		return "error"
	}
}

func (p *Predictor) current() (*artifact.Bundle, error) {
	p.mu.RLock()
	b := p.bundle
	p.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bundle, nil
}

// Classify returns the most likely command type. It fails with
// artifact.ErrNotTrained or *artifact.MismatchError when no usable triple exists.
func (p *Predictor) Classify(text string) (*models.Prediction, error) {
	start := time.Now()
	b, err := p.current()
	if err != nil {
		return nil, err
	}

	probs := b.Model.Predict(b.Vocabulary.Encode(text))
	classes := b.Labels.Classes()
	if len(probs) != len(classes) {
		return nil, fmt.Errorf("classifier returned %d probabilities for %d classes", len(probs), len(classes))
	}

	best, conf := nn.Argmax(probs)
	label, err := b.Labels.Decode(best)
	if err != nil || !label.Valid() {
		label = models.CommandUnknown
	}
	all := make(map[models.CommandType]float64, len(probs))
	for i, c := range classes {
		all[c] = probs[i]
	}

	pred := &models.Prediction{
		Label:            label,
		Confidence:       conf,
		AllProbabilities: all,
		ModelVersion:     b.Version,
	}
	p.metrics.Prediction(string(label), conf > p.threshold, time.Since(start))
	return pred, nil
}

// PredictType is Classify with every failure folded into nil.
func (p *Predictor) PredictType(text string) *models.Prediction {
	pred, err := p.Classify(text)
	if err != nil {
		if !errors.Is(err, artifact.ErrNotTrained) {
			p.logger.Warn("Prediction unavailable", zap.Error(err))
		}
		return nil
	}
	return pred
}

// Advise returns a prediction only when its confidence exceeds the threshold.
func (p *Predictor) Advise(text string) *models.Prediction {
	pred := p.PredictType(text)
	if pred == nil || pred.Confidence <= p.threshold {
		return nil
	}
	return pred
}

// Watch reloads the classifier whenever the artifact pointer file at
// currentPath is replaced. It blocks until ctx is done.
func (p *Predictor) Watch(ctx context.Context, currentPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(currentPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	p.logger.Info("Watching for new artifacts", zap.String("dir", dir))

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(currentPath) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("Artifact watcher error", zap.Error(err))

		case <-debounce.C:
			if err := p.Reload(); err != nil {
				p.logger.Warn("Failed to reload classifier", zap.Error(err))
			}

		case <-ctx.Done():
			return nil
		}
	}
}
