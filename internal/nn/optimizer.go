package nn

import "math"

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-7
)

// adam keeps first and second moment estimates per parameter.
type adam struct {
	t int
	m gradients
	v gradients
}

func newAdam(model *Model) *adam {
	return &adam{m: model.newGradients(), v: model.newGradients()}
}

func (a *adam) step(params []*Param, grads gradients, lr float64) {
	a.t++
	b1Corr := 1 - math.Pow(adamBeta1, float64(a.t))
	b2Corr := 1 - math.Pow(adamBeta2, float64(a.t))
	for i, p := range params {
		mi, vi, gi := a.m[i], a.v[i], grads[i]
		for j := range p.W {
			g := gi[j]
			mi[j] = adamBeta1*mi[j] + (1-adamBeta1)*g
			vi[j] = adamBeta2*vi[j] + (1-adamBeta2)*g*g
			p.W[j] -= lr * (mi[j] / b1Corr) / (math.Sqrt(vi[j]/b2Corr) + adamEps)
		}
	}
}

// clipGlobalNorm rescales grads so their joint L2 norm is at most maxNorm.
// It returns the norm before clipping.
func clipGlobalNorm(grads gradients, maxNorm float64) float64 {
	sum := 0.0
	for _, buf := range grads {
		for _, v := range buf {
			sum += v * v
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, buf := range grads {
		for j := range buf {
			buf[j] *= scale
		}
	}
	return norm
}
