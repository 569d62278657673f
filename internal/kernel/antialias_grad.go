package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// AAGrad backpropagates the blends recorded by AA. Color gradients
// redistribute each blend's mixing weight between the pixel pair; the
// crossing parameter couples the adjusted pixel's gradient back onto
// the x, y and w clip coordinates of the silhouette edge endpoints.
type AAGrad struct {
	Color []float32
	Pos   []float32
	DOut  []float32

	Records []AARecord

	Channels int
	Width    int
	Height   int
	Boost    float64

	GradColor []float32
	GradPos   []float64
}

// aaGradChunk holds one record chunk's scatter results.
type aaGradChunk struct {
	color map[int]float64
	pos   map[int]*[4]float64
}

// Run executes the backward pass on the pool. GradColor must have the
// same length as DOut and GradPos must be zeroed, len(Pos).
func (k *AAGrad) Run(pool *dispatch.Pool) {
	copy(k.GradColor, k.DOut)

	nc := k.Channels
	fw := float64(k.Width)
	fh := float64(k.Height)

	var parts partials[aaGradChunk]

	pool.ForChunk(len(k.Records), 64, func(start, end int) {
		colorAcc := make(map[int]float64)
		posAcc := make(map[int]*[4]float64)

		for ri := start; ri < end; ri++ {
			rec := &k.Records[ri]

			s := float64(rec.S)
			alpha := s - 0.5
			dAlphaDS := 1.0
			adj, src := int(rec.PixQ), int(rec.PixP)
			if alpha < 0 {
				alpha = -alpha
				dAlphaDS = -1.0
				adj, src = src, adj
			}

			// Blend weight redistribution and the coverage gradient.
			gAlpha := 0.0
			adjBase := adj * nc
			srcBase := src * nc
			for c := 0; c < nc; c++ {
				g := float64(k.DOut[adjBase+c])
				if g == 0 {
					continue
				}
				colorAcc[srcBase+c] += alpha * g
				colorAcc[adjBase+c] -= alpha * g
				gAlpha += g * (float64(k.Color[srcBase+c]) - float64(k.Color[adjBase+c]))
			}
			if gAlpha == 0 {
				continue
			}
			gs := gAlpha * dAlphaDS

			// Recompute the crossing geometry in screen space.
			va, vb := int(rec.VA), int(rec.VB)
			axc, ayc, aw := float64(k.Pos[va*4]), float64(k.Pos[va*4+1]), float64(k.Pos[va*4+3])
			bxc, byc, bw := float64(k.Pos[vb*4]), float64(k.Pos[vb*4+1]), float64(k.Pos[vb*4+3])
			if aw <= 0 || bw <= 0 {
				continue
			}
			ax := screenX(axc, aw, k.Width)
			ay := screenY(ayc, aw, k.Height)
			bx := screenX(bxc, bw, k.Width)
			by := screenY(byc, bw, k.Height)

			px := float64(int(rec.PixP) % k.Width)
			py := float64(int(rec.PixP) / k.Width)
			qx := float64(int(rec.PixQ) % k.Width)
			qy := float64(int(rec.PixQ) / k.Width)

			oP := (bx-ax)*(py-ay) - (by-ay)*(px-ax)
			oQ := (bx-ax)*(qy-ay) - (by-ay)*(qx-ax)
			den := oP - oQ
			if den == 0 {
				continue
			}
			inv := gs / (den * den)

			// s = oP/(oP-oQ), so ds/dq = (oP*doQ/dq - oQ*doP/dq)/den².
			dsAx := inv * (oP*(by-qy) - oQ*(by-py))
			dsAy := inv * (oP*(qx-bx) - oQ*(px-bx))
			dsBx := inv * (oP*(qy-ay) - oQ*(py-ay))
			dsBy := inv * (oP*(ax-qx) - oQ*(ax-px))

			// Chain through the screen projection to clip space.
			ga := posAcc[va]
			if ga == nil {
				ga = new([4]float64)
				posAcc[va] = ga
			}
			ga[0] += dsAx * fw / (2 * aw)
			ga[1] += dsAy * fh / (2 * aw)
			ga[3] -= (dsAx*fw*axc + dsAy*fh*ayc) / (2 * aw * aw)

			gb := posAcc[vb]
			if gb == nil {
				gb = new([4]float64)
				posAcc[vb] = gb
			}
			gb[0] += dsBx * fw / (2 * bw)
			gb[1] += dsBy * fh / (2 * bw)
			gb[3] -= (dsBx*fw*bxc + dsBy*fh*byc) / (2 * bw * bw)
		}

		if len(colorAcc) == 0 && len(posAcc) == 0 {
			return
		}
		parts.add(start, aaGradChunk{color: colorAcc, pos: posAcc})
	})

	parts.fold(func(ch aaGradChunk) {
		for idx, g := range ch.color {
			k.GradColor[idx] += float32(g)
		}
		for v, g := range ch.pos {
			base := v * 4
			k.GradPos[base] += k.Boost * g[0]
			k.GradPos[base+1] += k.Boost * g[1]
			k.GradPos[base+3] += k.Boost * g[3]
		}
	})
}
