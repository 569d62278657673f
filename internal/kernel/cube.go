// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"math"

	"github.com/gogpu/diffrast/internal/dispatch"
)

// Cube face order and orientation follow the GL convention: +X, -X,
// +Y, -Y, +Z, -Z. Each face maps its two in-plane components sc,tc and
// the major axis ma as listed in cubeAxes; in-face uv is
// (sc/|ma|+1)/2, (tc/|ma|+1)/2.
type cubeAxis struct {
	scIdx  int
	scSign float64
	tcIdx  int
	tcSign float64
	maIdx  int
	maSign float64
}

var cubeAxes = [6]cubeAxis{
	{2, -1, 1, -1, 0, 1},  // +X
	{2, 1, 1, -1, 0, -1},  // -X
	{0, 1, 2, 1, 1, 1},    // +Y
	{0, 1, 2, -1, 1, -1},  // -Y
	{0, 1, 1, -1, 2, 1},   // +Z
	{0, -1, 1, -1, 2, -1}, // -Z
}

// cubeFace picks the face for direction d and returns the in-face uv
// plus the signed component values the derivative chains need. ok is
// false for the zero direction.
func cubeFace(d [3]float64) (face int, u, v, sc, tc, ma float64, ok bool) {
	ax, ay, az := math.Abs(d[0]), math.Abs(d[1]), math.Abs(d[2])
	switch {
	case ax >= ay && ax >= az:
		if d[0] >= 0 {
			face = 0
		} else {
			face = 1
		}
	case ay >= az:
		if d[1] >= 0 {
			face = 2
		} else {
			face = 3
		}
	default:
		if d[2] >= 0 {
			face = 4
		} else {
			face = 5
		}
	}
	axis := cubeAxes[face]
	ma = axis.maSign * d[axis.maIdx]
	if ma == 0 {
		return 0, 0, 0, 0, 0, 0, false
	}
	sc = axis.scSign * d[axis.scIdx]
	tc = axis.tcSign * d[axis.tcIdx]
	u = (sc/ma + 1) / 2
	v = (tc/ma + 1) / 2
	return face, u, v, sc, tc, ma, true
}

// cubeEdge describes where a tap crossing one face edge lands. The
// entering coordinates are decoded from the crossing depth k and the
// along-edge coordinate a: code 0 = k, 1 = n-1-k, 2 = a, 3 = n-1-a.
type cubeEdge struct {
	face   int
	xc, yc uint8
}

// cubeAdj lists, per face, the landing for taps leaving through the
// left (ix<0), right (ix>=n), bottom (iy<0) and top (iy>=n) edges.
var cubeAdj = [6][4]cubeEdge{
	{{4, 1, 2}, {5, 0, 2}, {2, 1, 3}, {3, 1, 2}},
	{{5, 1, 2}, {4, 0, 2}, {2, 0, 2}, {3, 0, 3}},
	{{1, 2, 0}, {0, 3, 0}, {5, 3, 0}, {4, 2, 0}},
	{{1, 3, 1}, {0, 2, 1}, {4, 2, 1}, {5, 3, 1}},
	{{1, 1, 2}, {0, 0, 2}, {2, 2, 1}, {3, 2, 0}},
	{{0, 1, 2}, {1, 0, 2}, {2, 3, 0}, {3, 3, 1}},
}

func decodeEdgeCoord(code uint8, k, a, n int) int {
	switch code {
	case 0:
		return k
	case 1:
		return n - 1 - k
	case 2:
		return a
	default:
		return n - 1 - a
	}
}

// cubeRemapTap resolves a possibly out-of-face tap against the face
// adjacency, one edge at a time; corner taps cross horizontally first
// and then vertically on the landing face.
func cubeRemapTap(face, ix, iy, n int) (int, int, int) {
	for range 3 {
		switch {
		case ix < 0:
			e := cubeAdj[face][0]
			k := min(-1-ix, n-1)
			face, ix, iy = e.face, decodeEdgeCoord(e.xc, k, iy, n), decodeEdgeCoord(e.yc, k, iy, n)
		case ix >= n:
			e := cubeAdj[face][1]
			k := min(ix-n, n-1)
			face, ix, iy = e.face, decodeEdgeCoord(e.xc, k, iy, n), decodeEdgeCoord(e.yc, k, iy, n)
		case iy < 0:
			e := cubeAdj[face][2]
			k := min(-1-iy, n-1)
			face, ix, iy = e.face, decodeEdgeCoord(e.xc, k, ix, n), decodeEdgeCoord(e.yc, k, ix, n)
		case iy >= n:
			e := cubeAdj[face][3]
			k := min(iy-n, n-1)
			face, ix, iy = e.face, decodeEdgeCoord(e.xc, k, ix, n), decodeEdgeCoord(e.yc, k, ix, n)
		default:
			return face, ix, iy
		}
	}
	return face, Clamp(ix, 0, n-1), Clamp(iy, 0, n-1)
}

// cubeProjDerivs projects the six direction derivative channels onto
// the selected face, returning the in-face uv derivatives with respect
// to screen X and Y.
func cubeProjDerivs(axis cubeAxis, da []float32, sc, tc, ma float64) (duX, duY, dvX, dvY float64) {
	inv := 1 / (2 * ma * ma)
	dscX := axis.scSign * float64(da[2*axis.scIdx+0])
	dscY := axis.scSign * float64(da[2*axis.scIdx+1])
	dtcX := axis.tcSign * float64(da[2*axis.tcIdx+0])
	dtcY := axis.tcSign * float64(da[2*axis.tcIdx+1])
	dmaX := axis.maSign * float64(da[2*axis.maIdx+0])
	dmaY := axis.maSign * float64(da[2*axis.maIdx+1])

	duX = (dscX*ma - sc*dmaX) * inv
	duY = (dscY*ma - sc*dmaY) * inv
	dvX = (dtcX*ma - tc*dmaX) * inv
	dvY = (dtcY*ma - tc*dmaY) * inv
	return
}

// TextureCube samples one direction image against a cube pyramid.
// Level data is face-major: 6 square faces of Dims[l] texels each.
type TextureCube struct {
	Levels [][]float32
	Dims   []int // face edge per level

	Channels    int
	Filter      int
	MaxLevelIdx int

	UV   []float32 // Height*Width*3 directions
	UVDA []float32 // Height*Width*6, mip filters only

	Width  int
	Height int

	Out []float32
}

// gatherCube accumulates weight * bilinear sample of level lv at
// in-face (u,v); seam taps resolve through the adjacency.
func gatherCube(levels [][]float32, dims []int, nc, lv, face int, u, v, weight float64, acc []float64) {
	n := dims[lv]
	data := levels[lv]

	ix, fx := texFrac(u, n)
	iy, fy := texFrac(v, n)

	for _, tap := range [4]struct {
		dx, dy int
		w      float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	} {
		f, tx, ty := cubeRemapTap(face, ix+tap.dx, iy+tap.dy, n)
		base := ((f*n+ty)*n + tx) * nc
		tw := weight * tap.w
		for c := 0; c < nc; c++ {
			acc[c] += tw * float64(data[base+c])
		}
	}
}

// cubeLod mirrors the 2D lod rule on the projected derivatives.
func (k *TextureCube) cubeLod(p int, axis cubeAxis, sc, tc, ma float64) float64 {
	n := float64(k.Dims[0])
	duX, duY, dvX, dvY := cubeProjDerivs(axis, k.UVDA[p*6:p*6+6], sc, tc, ma)
	m := math.Max((duX*duX+dvX*dvX)*n*n, (duY*duY+dvY*dvY)*n*n)
	if m <= 0 {
		return 0
	}
	return Clamp(0.5*math.Log2(m), 0, float64(k.MaxLevelIdx))
}

func (k *TextureCube) mipLevels(lam float64) (l0, l1 int, frac float64) {
	if k.Filter == FilterLinearMipmapNearest {
		l := Clamp(int(math.Floor(lam+0.5)), 0, k.MaxLevelIdx)
		return l, l, 0
	}
	l0 = int(math.Floor(lam))
	if l0 >= k.MaxLevelIdx {
		return k.MaxLevelIdx, k.MaxLevelIdx, 0
	}
	return l0, l0 + 1, lam - float64(l0)
}

// Run executes the cube sampling pass on the pool.
func (k *TextureCube) Run(pool *dispatch.Pool) {
	nc := k.Channels
	npix := k.Width * k.Height

	pool.For(npix, 256, func(start, end int) {
		acc := make([]float64, nc)
		for p := start; p < end; p++ {
			d := [3]float64{
				float64(k.UV[p*3+0]),
				float64(k.UV[p*3+1]),
				float64(k.UV[p*3+2]),
			}
			o := p * nc
			face, u, v, sc, tc, ma, ok := cubeFace(d)
			if !ok {
				for c := 0; c < nc; c++ {
					k.Out[o+c] = 0
				}
				continue
			}

			if k.Filter == FilterNearest {
				n := k.Dims[0]
				f, tx, ty := cubeRemapTap(face, int(math.Floor(u*float64(n))), int(math.Floor(v*float64(n))), n)
				base := ((f*n+ty)*n + tx) * nc
				copy(k.Out[o:o+nc], k.Levels[0][base:base+nc])
				continue
			}

			for c := range acc {
				acc[c] = 0
			}
			if k.Filter == FilterLinear {
				gatherCube(k.Levels, k.Dims, nc, 0, face, u, v, 1, acc)
			} else {
				l0, l1, f := k.mipLevels(k.cubeLod(p, cubeAxes[face], sc, tc, ma))
				gatherCube(k.Levels, k.Dims, nc, l0, face, u, v, 1-f, acc)
				if f > 0 {
					gatherCube(k.Levels, k.Dims, nc, l1, face, u, v, f, acc)
				}
			}
			for c := 0; c < nc; c++ {
				k.Out[o+c] = float32(acc[c])
			}
		}
	})
}
