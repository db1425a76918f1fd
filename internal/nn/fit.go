package nn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrDiverged is returned when the training loss stops being a finite number.
var ErrDiverged = errors.New("training diverged: loss is not finite")

// plateauMinDelta is the smallest validation loss drop counted as progress
// by the learning-rate schedule.
const plateauMinDelta = 1e-4

// Dataset is a set of encoded sequences and their class ids.
type Dataset struct {
	X [][]int
	Y []int
}

// Len is the number of samples.
func (d Dataset) Len() int { return len(d.X) }

// FitOptions controls the training protocol.
type FitOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64

	// Early stopping on validation loss; the best weights are always restored.
	Patience int

	// Learning-rate reduction on validation-loss plateau.
	LRFactor   float64
	LRPatience int
	MinLR      float64

	ClipNorm float64
	Seed     uint64
	Workers  int

	// OnEpoch is called after every epoch with that epoch's metrics.
	OnEpoch func(EpochStats)
}

func (o *FitOptions) withDefaults() {
	if o.Epochs <= 0 {
		o.Epochs = 50
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.001
	}
	if o.Patience <= 0 {
		o.Patience = 10
	}
	if o.LRFactor <= 0 || o.LRFactor >= 1 {
		o.LRFactor = 0.5
	}
	if o.LRPatience <= 0 {
		o.LRPatience = 5
	}
	if o.MinLR <= 0 {
		o.MinLR = 1e-7
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
}

// EpochStats are the metrics of one epoch.
type EpochStats struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	ValLoss      float64
	ValAccuracy  float64
	LearningRate float64
}

// History is the outcome of Fit.
type History struct {
	Epochs       []EpochStats
	BestEpoch    int
	BestValLoss  float64
	StoppedEarly bool
}

// Fit trains the model in place. Cancellation of ctx is checked between
// batches; on any error the model weights are left in an unspecified state.
func (m *Model) Fit(ctx context.Context, train, val Dataset, opts FitOptions) (*History, error) {
	opts.withDefaults()
	if train.Len() == 0 {
		return nil, errors.New("empty training set")
	}
	if err := m.checkDataset(train); err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	if err := m.checkDataset(val); err != nil {
		return nil, fmt.Errorf("validation set: %w", err)
	}

	workers := opts.Workers
	if workers > opts.BatchSize {
		workers = opts.BatchSize
	}
	bufs := make([]gradients, workers)
	for w := range bufs {
		bufs[w] = m.newGradients()
	}
	opt := newAdam(m)
	lr := opts.LearningRate

	hist := &History{BestValLoss: math.Inf(1), BestEpoch: -1}
	var best [][]float64
	wait, lrWait := 0, 0
	lrBest := math.Inf(1)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}

		order := rand.New(rand.NewPCG(opts.Seed, uint64(epoch))).Perm(train.Len())
		lossSum, correct := 0.0, 0

		for start := 0; start < len(order); start += opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			end := min(start+opts.BatchSize, len(order))
			batch := order[start:end]

			bl, bc, err := m.accumulate(ctx, train, batch, epoch, opts.Seed, bufs)
			if err != nil {
				return hist, err
			}
			if math.IsNaN(bl) || math.IsInf(bl, 0) {
				return hist, ErrDiverged
			}
			lossSum += bl
			correct += bc

			grads := bufs[0]
			for _, b := range bufs[1:] {
				grads.add(b)
			}
			clipGlobalNorm(grads, opts.ClipNorm)
			opt.step(m.params, grads, lr)
		}

		stats := EpochStats{
			Epoch:        epoch + 1,
			Loss:         lossSum / float64(train.Len()),
			Accuracy:     float64(correct) / float64(train.Len()),
			LearningRate: lr,
		}
		monitor := stats.Loss
		if val.Len() > 0 {
			stats.ValLoss, stats.ValAccuracy = m.Evaluate(val)
			monitor = stats.ValLoss
		}
		if math.IsNaN(monitor) || math.IsInf(monitor, 0) {
			return hist, ErrDiverged
		}
		hist.Epochs = append(hist.Epochs, stats)
		if opts.OnEpoch != nil {
			opts.OnEpoch(stats)
		}

		if monitor < hist.BestValLoss {
			hist.BestValLoss = monitor
			hist.BestEpoch = epoch + 1
			best = m.weights()
			wait = 0
		} else {
			wait++
		}

		if monitor < lrBest-plateauMinDelta {
			lrBest = monitor
			lrWait = 0
		} else {
			lrWait++
			if lrWait >= opts.LRPatience && lr > opts.MinLR {
				lr = math.Max(lr*opts.LRFactor, opts.MinLR)
				lrWait = 0
			}
		}

		if wait >= opts.Patience {
			hist.StoppedEarly = true
			break
		}
	}

	if best != nil {
		m.setWeights(best)
	}
	return hist, nil
}

// accumulate computes the mean gradient of one batch into bufs, split across
// len(bufs) shards. It returns the summed loss and number of correct predictions.
func (m *Model) accumulate(ctx context.Context, data Dataset, batch []int, epoch int, seed uint64, bufs []gradients) (float64, int, error) {
	shards := min(len(bufs), len(batch))
	losses := make([]float64, shards)
	hits := make([]int, shards)
	scale := 1 / float64(len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < len(bufs); w++ {
		bufs[w].zero()
	}
	for w := 0; w < shards; w++ {
		lo := w * len(batch) / shards
		hi := (w + 1) * len(batch) / shards
		g.Go(func() error {
			for _, idx := range batch[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				rng := rand.New(rand.NewPCG(seed^(uint64(epoch+1)*0x9e3779b97f4a7c15), uint64(idx)))
				c := m.forward(data.X[idx], rng)
				y := data.Y[idx]
				losses[w] += c.loss(y)
				if pred, _ := Argmax(c.probs); pred == y {
					hits[w]++
				}
				m.backward(c, y, scale, bufs[w])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	loss, correct := 0.0, 0
	for w := 0; w < shards; w++ {
		loss += losses[w]
		correct += hits[w]
	}
	return loss, correct, nil
}

// Evaluate returns the mean cross-entropy and accuracy on data without dropout.
func (m *Model) Evaluate(data Dataset) (float64, float64) {
	if data.Len() == 0 {
		return 0, 0
	}
	loss, correct := 0.0, 0
	for i, x := range data.X {
		c := m.forward(x, nil)
		loss += c.loss(data.Y[i])
		if pred, _ := Argmax(c.probs); pred == data.Y[i] {
			correct++
		}
	}
	n := float64(data.Len())
	return loss / n, float64(correct) / n
}

func (m *Model) checkDataset(d Dataset) error {
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("%d sequences but %d labels", len(d.X), len(d.Y))
	}
	for i, y := range d.Y {
		if y < 0 || y >= m.cfg.NumClasses {
			return fmt.Errorf("sample %d: class id %d out of range [0,%d)", i, y, m.cfg.NumClasses)
		}
	}
	return nil
}

func (m *Model) weights() [][]float64 {
	out := make([][]float64, len(m.params))
	for i, p := range m.params {
		out[i] = append([]float64(nil), p.W...)
	}
	return out
}

func (m *Model) setWeights(w [][]float64) {
	for i, p := range m.params {
		copy(p.W, w[i])
	}
}
