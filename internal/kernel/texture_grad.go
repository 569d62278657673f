package kernel

import (
	"math"

	"github.com/gogpu/diffrast/internal/dispatch"
)

// Texture2DGrad backpropagates one uv image's output gradient into the
// pyramid levels and, filter permitting, the uv coordinates and their
// screen derivatives. Level gradients accumulate in float64 and are
// folded onto the base texture by the caller.
type Texture2DGrad struct {
	Levels [][]float32
	Dims   [][2]int

	Channels    int
	Filter      int
	Boundary    int
	MaxLevelIdx int

	UV   []float32
	UVDA []float32

	Width  int
	Height int

	DOut []float32 // Height*Width*Channels

	// GradLevels holds one accumulator per pyramid level; with a
	// broadcast texture the caller passes the same set for the whole
	// batch.
	GradLevels [][]float64

	GradUV   []float32 // Height*Width*2, nil for nearest
	GradUVDA []float32 // Height*Width*4, linear-mipmap-linear only
}

// fwd mirrors the forward sampler's per-pixel level selection.
func (g *Texture2DGrad) fwd() *Texture2D {
	return &Texture2D{
		Levels:      g.Levels,
		Dims:        g.Dims,
		Channels:    g.Channels,
		Filter:      g.Filter,
		Boundary:    g.Boundary,
		MaxLevelIdx: g.MaxLevelIdx,
		UV:          g.UV,
		UVDA:        g.UVDA,
		Width:       g.Width,
		Height:      g.Height,
	}
}

// scatterBilinear distributes weight*gvals over the four taps of level
// lv and returns this level's output derivative with respect to u and
// v (unweighted; the caller applies the level-blend weight). Taps lost
// to the zero boundary drop out of both the scatter and the
// derivative differences.
func (g *Texture2DGrad) scatterBilinear(lv int, u, v, weight float64, gvals []float64, local []map[int]float64) (du, dv float64) {
	h, w := g.Dims[lv][0], g.Dims[lv][1]
	data := g.Levels[lv]
	nc := g.Channels

	ix, fx := texFrac(u, w)
	iy, fy := texFrac(v, h)

	acc := local[lv]
	if acc == nil {
		acc = make(map[int]float64)
		local[lv] = acc
	}

	var t [4][]float32 // resolved tap rows: 00, 10, 01, 11
	taps := [4]struct {
		dx, dy int
		w      float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	}
	for i, tap := range taps {
		tx, okx := resolveTap(ix+tap.dx, w, g.Boundary)
		ty, oky := resolveTap(iy+tap.dy, h, g.Boundary)
		if !okx || !oky {
			continue
		}
		base := (ty*w + tx) * nc
		t[i] = data[base : base+nc]
		tw := weight * tap.w
		for c := 0; c < nc; c++ {
			acc[base+c] += tw * gvals[c]
		}
	}

	texel := func(i int, c int) float64 {
		if t[i] == nil {
			return 0
		}
		return float64(t[i][c])
	}
	var dfx, dfy float64
	for c := 0; c < nc; c++ {
		dfx += gvals[c] * ((1-fy)*(texel(1, c)-texel(0, c)) + fy*(texel(3, c)-texel(2, c)))
		dfy += gvals[c] * ((1-fx)*(texel(2, c)-texel(0, c)) + fx*(texel(3, c)-texel(1, c)))
	}
	return dfx * float64(w), dfy * float64(h)
}

// Run executes the gradient pass on the pool.
func (g *Texture2DGrad) Run(pool *dispatch.Pool) {
	nc := g.Channels
	npix := g.Width * g.Height
	fwd := g.fwd()

	var parts partials[[]map[int]float64]

	pool.ForChunk(npix, 2048, func(start, end int) {
		local := make([]map[int]float64, len(g.Levels))
		gvals := make([]float64, nc)
		s0 := make([]float64, nc)
		s1 := make([]float64, nc)

		for p := start; p < end; p++ {
			any := false
			for c := 0; c < nc; c++ {
				gvals[c] = float64(g.DOut[p*nc+c])
				if gvals[c] != 0 {
					any = true
				}
			}
			if !any {
				continue
			}

			u := float64(g.UV[p*2+0])
			v := float64(g.UV[p*2+1])

			switch g.Filter {
			case FilterNearest:
				h, w := g.Dims[0][0], g.Dims[0][1]
				tx, okx := resolveTap(int(math.Floor(u*float64(w))), w, g.Boundary)
				ty, oky := resolveTap(int(math.Floor(v*float64(h))), h, g.Boundary)
				if !okx || !oky {
					continue
				}
				acc := local[0]
				if acc == nil {
					acc = make(map[int]float64)
					local[0] = acc
				}
				base := (ty*w + tx) * nc
				for c := 0; c < nc; c++ {
					acc[base+c] += gvals[c]
				}

			case FilterLinear:
				du, dv := g.scatterBilinear(0, u, v, 1, gvals, local)
				g.GradUV[p*2+0] = float32(du)
				g.GradUV[p*2+1] = float32(dv)

			default:
				l0, l1, f := fwd.mipLevels(p)
				du0, dv0 := g.scatterBilinear(l0, u, v, 1-f, gvals, local)
				du := (1 - f) * du0
				dv := (1 - f) * dv0
				if l1 != l0 {
					du1, dv1 := g.scatterBilinear(l1, u, v, f, gvals, local)
					du += f * du1
					dv += f * dv1
				}
				g.GradUV[p*2+0] = float32(du)
				g.GradUV[p*2+1] = float32(dv)

				if g.GradUVDA != nil && g.Filter == FilterLinearMipmapLinear {
					g.lodGrad(p, l0, l1, u, v, gvals, s0, s1)
				}
			}
		}

		parts.add(start, local)
	})

	parts.fold(func(local []map[int]float64) {
		for lv, acc := range local {
			if acc == nil {
				continue
			}
			dst := g.GradLevels[lv]
			for off, val := range acc {
				dst[off] += val
			}
		}
	})
}

// lodGrad chains the level-blend gradient into the uv derivative
// channels. The level weight moves with the fractional lod, which
// depends on whichever screen axis has the larger texel footprint; a
// lod clamped at either end is locally constant and passes nothing.
func (g *Texture2DGrad) lodGrad(p, l0, l1 int, u, v float64, gvals, s0, s1 []float64) {
	bh := float64(g.Dims[0][0])
	bw := float64(g.Dims[0][1])
	duX := float64(g.UVDA[p*4+0]) * bw
	duY := float64(g.UVDA[p*4+1]) * bw
	dvX := float64(g.UVDA[p*4+2]) * bh
	dvY := float64(g.UVDA[p*4+3]) * bh

	mx := duX*duX + dvX*dvX
	my := duY*duY + dvY*dvY
	m := math.Max(mx, my)
	if m <= 0 {
		return
	}
	lam := 0.5 * math.Log2(m)
	if lam <= 0 || lam >= float64(g.MaxLevelIdx) {
		return
	}

	for c := range s0 {
		s0[c] = 0
		s1[c] = 0
	}
	gatherBilinear2D(g.Levels[l0], g.Dims[l0][0], g.Dims[l0][1], g.Channels, g.Boundary, u, v, 1, s0)
	gatherBilinear2D(g.Levels[l1], g.Dims[l1][0], g.Dims[l1][1], g.Channels, g.Boundary, u, v, 1, s1)

	var gl float64
	for c := range s0 {
		gl += gvals[c] * (s1[c] - s0[c])
	}

	dm := gl / (2 * m * math.Ln2)
	if mx >= my {
		g.GradUVDA[p*4+0] = float32(dm * 2 * duX * bw)
		g.GradUVDA[p*4+2] = float32(dm * 2 * dvX * bh)
	} else {
		g.GradUVDA[p*4+1] = float32(dm * 2 * duY * bw)
		g.GradUVDA[p*4+3] = float32(dm * 2 * dvY * bh)
	}
}
