// Package nn implements the sequence classifier: an embedding, a stack of
// LSTM layers of decreasing width, a ReLU dense head and a softmax output.
//
// Token id 0 is padding and is masked out of the recurrence, so padded and
// unpadded copies of the same utterance produce identical predictions.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Config fixes the architecture of a classifier.
type Config struct {
	VocabSize        int     `json:"vocab_size"`
	MaxLen           int     `json:"max_len"`
	EmbeddingDim     int     `json:"embedding_dim"`
	RecurrentUnits   []int   `json:"recurrent_units"`
	RecurrentDropout float64 `json:"recurrent_dropout"`
	DenseUnits       int     `json:"dense_units"`
	DenseDropout     float64 `json:"dense_dropout"`
	NumClasses       int     `json:"num_classes"`
}

// Validate checks that the architecture can be built.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 2:
		return fmt.Errorf("vocab size must be at least 2, got %d", c.VocabSize)
	case c.MaxLen <= 0:
		return fmt.Errorf("max len must be positive, got %d", c.MaxLen)
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("embedding dim must be positive, got %d", c.EmbeddingDim)
	case len(c.RecurrentUnits) == 0:
		return errors.New("at least one recurrent layer is required")
	case c.DenseUnits <= 0:
		return fmt.Errorf("dense units must be positive, got %d", c.DenseUnits)
	case c.NumClasses < 2:
		return fmt.Errorf("at least 2 classes are required, got %d", c.NumClasses)
	case c.RecurrentDropout < 0 || c.RecurrentDropout >= 1:
		return fmt.Errorf("recurrent dropout %.2f out of range [0,1)", c.RecurrentDropout)
	case c.DenseDropout < 0 || c.DenseDropout >= 1:
		return fmt.Errorf("dense dropout %.2f out of range [0,1)", c.DenseDropout)
	}
	for i, u := range c.RecurrentUnits {
		if u <= 0 {
			return fmt.Errorf("recurrent layer %d has %d units", i, u)
		}
		if i > 0 && u >= c.RecurrentUnits[i-1] {
			return fmt.Errorf("recurrent widths must strictly decrease, got %v", c.RecurrentUnits)
		}
	}
	return nil
}

// Param is a named row-major weight matrix.
type Param struct {
	Name string
	Rows int
	Cols int
	W    []float64

	idx int
}

type lstmLayer struct {
	units int
	in    int
	wx    *Param // 4H x in, gate blocks i, f, g, o
	wh    *Param // 4H x H
	b     *Param // 4H x 1
}

// Model is a trained or trainable classifier. Predict is safe for concurrent
// use; Fit must not run concurrently with anything else on the same model.
type Model struct {
	cfg    Config
	emb    *Param
	layers []lstmLayer
	dense  *Param
	denseB *Param
	out    *Param
	outB   *Param
	params []*Param
}

// New builds a model with freshly initialized weights.
func New(cfg Config, seed uint64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := build(cfg)
	m.init(rand.New(rand.NewPCG(seed, 0x5eed)))
	return m, nil
}

func build(cfg Config) *Model {
	cfg.RecurrentUnits = append([]int(nil), cfg.RecurrentUnits...)
	m := &Model{cfg: cfg}
	m.emb = m.param("embedding", cfg.VocabSize, cfg.EmbeddingDim)
	in := cfg.EmbeddingDim
	for l, h := range cfg.RecurrentUnits {
		m.layers = append(m.layers, lstmLayer{
			units: h,
			in:    in,
			wx:    m.param(fmt.Sprintf("lstm%d.kernel", l), 4*h, in),
			wh:    m.param(fmt.Sprintf("lstm%d.recurrent", l), 4*h, h),
			b:     m.param(fmt.Sprintf("lstm%d.bias", l), 4*h, 1),
		})
		in = h
	}
	m.dense = m.param("dense.kernel", cfg.DenseUnits, in)
	m.denseB = m.param("dense.bias", cfg.DenseUnits, 1)
	m.out = m.param("output.kernel", cfg.NumClasses, cfg.DenseUnits)
	m.outB = m.param("output.bias", cfg.NumClasses, 1)
	return m
}

func (m *Model) param(name string, rows, cols int) *Param {
	p := &Param{Name: name, Rows: rows, Cols: cols, W: make([]float64, rows*cols), idx: len(m.params)}
	m.params = append(m.params, p)
	return p
}

func (m *Model) init(rng *rand.Rand) {
	for i := range m.emb.W {
		m.emb.W[i] = (rng.Float64()*2 - 1) * 0.05
	}
	for _, l := range m.layers {
		glorot(rng, l.wx, l.in, l.units)
		glorot(rng, l.wh, l.units, l.units)
		// Forget gate bias starts at 1.
		for j := l.units; j < 2*l.units; j++ {
			l.b.W[j] = 1
		}
	}
	glorot(rng, m.dense, m.dense.Cols, m.dense.Rows)
	glorot(rng, m.out, m.out.Cols, m.out.Rows)
}

func glorot(rng *rand.Rand, p *Param, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.W {
		p.W[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Config returns the architecture.
func (m *Model) Config() Config {
	cfg := m.cfg
	cfg.RecurrentUnits = append([]int(nil), cfg.RecurrentUnits...)
	return cfg
}

// NumParams is the total number of trainable weights.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += len(p.W)
	}
	return n
}

// Predict returns the class probability distribution for one encoded sequence.
func (m *Model) Predict(seq []int) []float64 {
	return m.forward(seq, nil).probs
}

// Argmax returns the index and value of the largest probability.
func Argmax(probs []float64) (int, float64) {
	best, bestP := 0, math.Inf(-1)
	for i, p := range probs {
		if p > bestP {
			best, bestP = i, p
		}
	}
	return best, bestP
}

type layerCache struct {
	mask []float64
	x    [][]float64
	i    [][]float64
	f    [][]float64
	g    [][]float64
	o    [][]float64
	c    [][]float64
	tc   [][]float64
	h    [][]float64
}

type sampleCache struct {
	ids       []int
	layers    []layerCache
	summary   []float64
	a         []float64
	r         []float64
	denseMask []float64
	probs     []float64
}

// forward runs one sequence through the network. A nil rng disables dropout.
func (m *Model) forward(seq []int, rng *rand.Rand) *sampleCache {
	c := &sampleCache{layers: make([]layerCache, len(m.layers))}
	for _, id := range seq {
		if id <= 0 {
			continue
		}
		if id >= m.cfg.VocabSize {
			id = 1
		}
		c.ids = append(c.ids, id)
	}

	steps := make([][]float64, len(c.ids))
	for t, id := range c.ids {
		row := make([]float64, m.cfg.EmbeddingDim)
		copy(row, m.emb.W[id*m.emb.Cols:(id+1)*m.emb.Cols])
		steps[t] = row
	}

	for l, layer := range m.layers {
		lc := &c.layers[l]
		if rng != nil && m.cfg.RecurrentDropout > 0 {
			lc.mask = dropoutMask(rng, layer.in, m.cfg.RecurrentDropout)
		}
		steps = layer.forward(steps, lc)
	}

	last := m.layers[len(m.layers)-1].units
	c.summary = make([]float64, last)
	if n := len(c.ids); n > 0 {
		copy(c.summary, c.layers[len(m.layers)-1].h[n-1])
	}

	c.a = affine(m.dense, m.denseB, c.summary)
	c.r = make([]float64, len(c.a))
	for j, v := range c.a {
		if v > 0 {
			c.r[j] = v
		}
	}
	if rng != nil && m.cfg.DenseDropout > 0 {
		c.denseMask = dropoutMask(rng, len(c.r), m.cfg.DenseDropout)
		for j := range c.r {
			c.r[j] *= c.denseMask[j]
		}
	}

	c.probs = softmax(affine(m.out, m.outB, c.r))
	return c
}

func (l lstmLayer) forward(xs [][]float64, lc *layerCache) [][]float64 {
	T, H := len(xs), l.units
	lc.x = make([][]float64, T)
	lc.i = make([][]float64, T)
	lc.f = make([][]float64, T)
	lc.g = make([][]float64, T)
	lc.o = make([][]float64, T)
	lc.c = make([][]float64, T)
	lc.tc = make([][]float64, T)
	lc.h = make([][]float64, T)

	hPrev := make([]float64, H)
	cPrev := make([]float64, H)
	for t := 0; t < T; t++ {
		x := xs[t]
		if lc.mask != nil {
			x = make([]float64, len(xs[t]))
			for j := range x {
				x[j] = xs[t][j] * lc.mask[j]
			}
		}
		z := make([]float64, 4*H)
		copy(z, l.b.W)
		matVecAdd(l.wx, x, z)
		matVecAdd(l.wh, hPrev, z)

		ig, fg, gg, og := make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H)
		cell, tc, h := make([]float64, H), make([]float64, H), make([]float64, H)
		for j := 0; j < H; j++ {
			ig[j] = sigmoid(z[j])
			fg[j] = sigmoid(z[H+j])
			gg[j] = math.Tanh(z[2*H+j])
			og[j] = sigmoid(z[3*H+j])
			cell[j] = fg[j]*cPrev[j] + ig[j]*gg[j]
			tc[j] = math.Tanh(cell[j])
			h[j] = og[j] * tc[j]
		}
		lc.x[t], lc.i[t], lc.f[t], lc.g[t], lc.o[t] = x, ig, fg, gg, og
		lc.c[t], lc.tc[t], lc.h[t] = cell, tc, h
		hPrev, cPrev = h, cell
	}
	return lc.h
}

// loss is the categorical cross-entropy of a cached forward pass.
func (c *sampleCache) loss(label int) float64 {
	return -math.Log(math.Max(c.probs[label], 1e-12))
}

func dropoutMask(rng *rand.Rand, n int, rate float64) []float64 {
	keep := 1 - rate
	mask := make([]float64, n)
	for j := range mask {
		if rng.Float64() < keep {
			mask[j] = 1 / keep
		}
	}
	return mask
}

func affine(w, b *Param, x []float64) []float64 {
	y := make([]float64, w.Rows)
	copy(y, b.W)
	matVecAdd(w, x, y)
	return y
}

// matVecAdd computes y += W x.
func matVecAdd(w *Param, x, y []float64) {
	for r := 0; r < w.Rows; r++ {
		row := w.W[r*w.Cols : (r+1)*w.Cols]
		s := 0.0
		for c, v := range row {
			s += v * x[c]
		}
		y[r] += s
	}
}

// matTVecAdd computes y += Wᵀ x.
func matTVecAdd(w *Param, x, y []float64) {
	for r := 0; r < w.Rows; r++ {
		xr := x[r]
		if xr == 0 {
			continue
		}
		row := w.W[r*w.Cols : (r+1)*w.Cols]
		for c, v := range row {
			y[c] += v * xr
		}
	}
}

// outerAdd computes g += dy xᵀ for a gradient laid out like w.
func outerAdd(g []float64, cols int, dy, x []float64) {
	for r, d := range dy {
		if d == 0 {
			continue
		}
		row := g[r*cols : (r+1)*cols]
		for c, v := range x {
			row[c] += d * v
		}
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func softmax(z []float64) []float64 {
	hi := math.Inf(-1)
	for _, v := range z {
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(z))
	sum := 0.0
	for i, v := range z {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
