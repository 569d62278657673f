// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"math"

	"github.com/gogpu/diffrast/internal/dispatch"
)

// TextureCubeGrad backpropagates one direction image's output gradient
// into the cube pyramid levels, the sampling directions, and (for the
// trilinear filter) the direction derivative channels.
type TextureCubeGrad struct {
	Levels [][]float32
	Dims   []int

	Channels    int
	Filter      int
	MaxLevelIdx int

	UV   []float32
	UVDA []float32

	Width  int
	Height int

	DOut []float32

	GradLevels [][]float64

	GradUV   []float32 // Height*Width*3, nil for nearest
	GradUVDA []float32 // Height*Width*6, linear-mipmap-linear only
}

// scatterCube distributes weight*gvals over the level's four seam-aware
// taps and returns the output derivative with respect to the in-face
// uv (unweighted).
func (g *TextureCubeGrad) scatterCube(lv, face int, u, v, weight float64, gvals []float64, local []map[int]float64) (du, dv float64) {
	n := g.Dims[lv]
	data := g.Levels[lv]
	nc := g.Channels

	ix, fx := texFrac(u, n)
	iy, fy := texFrac(v, n)

	acc := local[lv]
	if acc == nil {
		acc = make(map[int]float64)
		local[lv] = acc
	}

	var t [4][]float32
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
		f, tx, ty := cubeRemapTap(face, ix+tap.dx, iy+tap.dy, n)
		base := ((f*n+ty)*n + tx) * nc
		t[i] = data[base : base+nc]
		tw := weight * tap.w
		for c := 0; c < nc; c++ {
			acc[base+c] += tw * gvals[c]
		}
	}

	var dfx, dfy float64
	for c := 0; c < nc; c++ {
		t00 := float64(t[0][c])
		t10 := float64(t[1][c])
		t01 := float64(t[2][c])
		t11 := float64(t[3][c])
		dfx += gvals[c] * ((1-fy)*(t10-t00) + fy*(t11-t01))
		dfy += gvals[c] * ((1-fx)*(t01-t00) + fx*(t11-t10))
	}
	return dfx * float64(n), dfy * float64(n)
}

// Run executes the cube gradient pass on the pool.
func (g *TextureCubeGrad) Run(pool *dispatch.Pool) {
	nc := g.Channels
	npix := g.Width * g.Height
	fwd := &TextureCube{
		Levels:      g.Levels,
		Dims:        g.Dims,
		Channels:    nc,
		Filter:      g.Filter,
		MaxLevelIdx: g.MaxLevelIdx,
		UV:          g.UV,
		UVDA:        g.UVDA,
		Width:       g.Width,
		Height:      g.Height,
	}

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

			d := [3]float64{
				float64(g.UV[p*3+0]),
				float64(g.UV[p*3+1]),
				float64(g.UV[p*3+2]),
			}
			face, u, v, sc, tc, ma, ok := cubeFace(d)
			if !ok {
				continue
			}
			axis := cubeAxes[face]

			if g.Filter == FilterNearest {
				n := g.Dims[0]
				f, tx, ty := cubeRemapTap(face, int(math.Floor(u*float64(n))), int(math.Floor(v*float64(n))), n)
				acc := local[0]
				if acc == nil {
					acc = make(map[int]float64)
					local[0] = acc
				}
				base := ((f*n+ty)*n + tx) * nc
				for c := 0; c < nc; c++ {
					acc[base+c] += gvals[c]
				}
				continue
			}

			var du, dv float64
			if g.Filter == FilterLinear {
				du, dv = g.scatterCube(0, face, u, v, 1, gvals, local)
			} else {
				lam := fwd.cubeLod(p, axis, sc, tc, ma)
				l0, l1, f := fwd.mipLevels(lam)
				du0, dv0 := g.scatterCube(l0, face, u, v, 1-f, gvals, local)
				du = (1 - f) * du0
				dv = (1 - f) * dv0
				if l1 != l0 {
					du1, dv1 := g.scatterCube(l1, face, u, v, f, gvals, local)
					du += f * du1
					dv += f * dv1
				}
				if g.GradUVDA != nil && g.Filter == FilterLinearMipmapLinear {
					g.lodGradCube(p, l0, l1, face, u, v, axis, sc, tc, ma, gvals, s0, s1)
				}
			}

			// Chain the in-face uv gradient onto the direction
			// through the face projection; the face choice itself is
			// locally constant.
			inv2 := 1 / (2 * ma)
			g.GradUV[p*3+axis.scIdx] += float32(du * axis.scSign * inv2)
			g.GradUV[p*3+axis.tcIdx] += float32(dv * axis.tcSign * inv2)
			g.GradUV[p*3+axis.maIdx] += float32(-(du*sc + dv*tc) * axis.maSign * inv2 / ma)
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

// lodGradCube chains the level-blend gradient through the projected
// derivative footprint back to the six direction derivative channels.
func (g *TextureCubeGrad) lodGradCube(p, l0, l1, face int, u, v float64, axis cubeAxis, sc, tc, ma float64, gvals, s0, s1 []float64) {
	n := float64(g.Dims[0])
	duX, duY, dvX, dvY := cubeProjDerivs(axis, g.UVDA[p*6:p*6+6], sc, tc, ma)
	mx := (duX*duX + dvX*dvX) * n * n
	my := (duY*duY + dvY*dvY) * n * n
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
	gatherCube(g.Levels, g.Dims, g.Channels, l0, face, u, v, 1, s0)
	gatherCube(g.Levels, g.Dims, g.Channels, l1, face, u, v, 1, s1)

	var gl float64
	for c := range s0 {
		gl += gvals[c] * (s1[c] - s0[c])
	}
	dm := gl / (2 * m * math.Ln2)

	var gduP, gdvP float64
	var off int
	if mx >= my {
		gduP = dm * 2 * duX * n * n
		gdvP = dm * 2 * dvX * n * n
		off = 0
	} else {
		gduP = dm * 2 * duY * n * n
		gdvP = dm * 2 * dvY * n * n
		off = 1
	}

	inv2 := 1 / (2 * ma)
	g.GradUVDA[p*6+2*axis.scIdx+off] = float32(gduP * axis.scSign * inv2)
	g.GradUVDA[p*6+2*axis.tcIdx+off] = float32(gdvP * axis.tcSign * inv2)
	g.GradUVDA[p*6+2*axis.maIdx+off] = float32(-(gduP*sc + gdvP*tc) * axis.maSign * inv2 / ma)
}
