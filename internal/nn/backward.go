package nn

// gradients holds one accumulation buffer per model parameter.
type gradients [][]float64

func (m *Model) newGradients() gradients {
	g := make(gradients, len(m.params))
	for i, p := range m.params {
		g[i] = make([]float64, len(p.W))
	}
	return g
}

func (g gradients) zero() {
	for _, buf := range g {
		clear(buf)
	}
}

func (g gradients) add(other gradients) {
	for i, buf := range g {
		for j, v := range other[i] {
			buf[j] += v
		}
	}
}

// backward accumulates scale * dLoss/dW for one cached sample into g.
func (m *Model) backward(c *sampleCache, label int, scale float64, g gradients) {
	dz := make([]float64, len(c.probs))
	copy(dz, c.probs)
	dz[label] -= 1
	for i := range dz {
		dz[i] *= scale
	}

	outerAdd(g[m.out.idx], m.out.Cols, dz, c.r)
	addTo(g[m.outB.idx], dz)

	dr := make([]float64, len(c.r))
	matTVecAdd(m.out, dz, dr)
	da := make([]float64, len(c.a))
	for j := range da {
		if c.a[j] <= 0 {
			continue
		}
		da[j] = dr[j]
		if c.denseMask != nil {
			da[j] *= c.denseMask[j]
		}
	}
	outerAdd(g[m.dense.idx], m.dense.Cols, da, c.summary)
	addTo(g[m.denseB.idx], da)

	T := len(c.ids)
	if T == 0 {
		return
	}

	last := len(m.layers) - 1
	dhs := make([][]float64, T)
	for t := range dhs {
		dhs[t] = make([]float64, m.layers[last].units)
	}
	matTVecAdd(m.dense, da, dhs[T-1])

	for l := last; l >= 0; l-- {
		dhs = m.layers[l].backward(&c.layers[l], dhs, g)
	}

	embGrad := g[m.emb.idx]
	cols := m.emb.Cols
	for t, id := range c.ids {
		addTo(embGrad[id*cols:(id+1)*cols], dhs[t])
	}
}

// backward runs backpropagation through time over one layer. dhs holds the
// gradient flowing into each h_t from above; the result is the gradient with
// respect to the layer's (pre-dropout) inputs.
func (l lstmLayer) backward(lc *layerCache, dhs [][]float64, g gradients) [][]float64 {
	T, H := len(dhs), l.units
	dxs := make([][]float64, T)
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := make([]float64, 4*H)
	zeros := make([]float64, H)

	for t := T - 1; t >= 0; t-- {
		hPrev, cPrev := zeros, zeros
		if t > 0 {
			hPrev, cPrev = lc.h[t-1], lc.c[t-1]
		}
		ig, fg, gg, og, tc := lc.i[t], lc.f[t], lc.g[t], lc.o[t], lc.tc[t]
		dcPrev := make([]float64, H)
		for j := 0; j < H; j++ {
			dh := dhs[t][j] + dhNext[j]
			dc := dcNext[j] + dh*og[j]*(1-tc[j]*tc[j])
			dz[j] = dc * gg[j] * ig[j] * (1 - ig[j])
			dz[H+j] = dc * cPrev[j] * fg[j] * (1 - fg[j])
			dz[2*H+j] = dc * ig[j] * (1 - gg[j]*gg[j])
			dz[3*H+j] = dh * tc[j] * og[j] * (1 - og[j])
			dcPrev[j] = dc * fg[j]
		}

		outerAdd(g[l.wx.idx], l.wx.Cols, dz, lc.x[t])
		outerAdd(g[l.wh.idx], l.wh.Cols, dz, hPrev)
		addTo(g[l.b.idx], dz)

		dx := make([]float64, l.in)
		matTVecAdd(l.wx, dz, dx)
		if lc.mask != nil {
			for j := range dx {
				dx[j] *= lc.mask[j]
			}
		}
		dxs[t] = dx

		dhNext = make([]float64, H)
		matTVecAdd(l.wh, dz, dhNext)
		dcNext = dcPrev
	}
	return dxs
}

func addTo(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
