// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"math"
	"testing"

	"github.com/gogpu/diffrast/internal/dispatch"
)

func TestCubeFaceSelection(t *testing.T) {
	tests := []struct {
		dir  [3]float64
		face int
	}{
		{[3]float64{1, 0, 0}, 0},
		{[3]float64{-1, 0, 0}, 1},
		{[3]float64{0, 1, 0}, 2},
		{[3]float64{0, -1, 0}, 3},
		{[3]float64{0, 0, 1}, 4},
		{[3]float64{0, 0, -1}, 5},
		{[3]float64{2, 0.5, -0.5}, 0},
		{[3]float64{0.1, -3, 0.2}, 3},
	}
	for _, tt := range tests {
		face, u, v, _, _, _, ok := cubeFace(tt.dir)
		if !ok {
			t.Fatalf("cubeFace(%v): not ok", tt.dir)
		}
		if face != tt.face {
			t.Errorf("cubeFace(%v) = face %d, want %d", tt.dir, face, tt.face)
		}
		if tt.dir[0]*tt.dir[0]+tt.dir[1]*tt.dir[1]+tt.dir[2]*tt.dir[2] == 1 {
			// Axis directions hit the face center.
			if math.Abs(u-0.5) > 1e-12 || math.Abs(v-0.5) > 1e-12 {
				t.Errorf("cubeFace(%v) center = (%v, %v), want (0.5, 0.5)", tt.dir, u, v)
			}
		}
	}
}

func TestCubeFaceZeroDirection(t *testing.T) {
	if _, _, _, _, _, _, ok := cubeFace([3]float64{0, 0, 0}); ok {
		t.Error("zero direction reported ok")
	}
}

// Every out-of-face tap must land on a valid texel of some face, and
// crossing back over the same seam must return to the origin texel.
func TestCubeRemapRoundTrip(t *testing.T) {
	const n = 8
	for face := 0; face < 6; face++ {
		for a := 0; a < n; a++ {
			for _, out := range [][2]int{{-1, a}, {n, a}, {a, -1}, {a, n}} {
				f, ix, iy := cubeRemapTap(face, out[0], out[1], n)
				if f < 0 || f > 5 || ix < 0 || ix >= n || iy < 0 || iy >= n {
					t.Fatalf("face %d tap (%d,%d): remap out of range (%d,%d,%d)", face, out[0], out[1], f, ix, iy)
				}

				// In-range taps must be fixed points of the remap.
				f2, ix2, iy2 := cubeRemapTap(f, ix, iy, n)
				if f2 != f || ix2 != ix || iy2 != iy {
					t.Fatalf("face %d landing (%d,%d,%d) is not stable", face, f, ix, iy)
				}
			}
		}
	}
}

func runTextureCube(pool *dispatch.Pool, levels [][]float32, dims []int, nc, filter, maxIdx int, uv, uvda []float32, w, h int) []float32 {
	out := make([]float32, w*h*nc)
	k := &TextureCube{
		Levels:      levels,
		Dims:        dims,
		Channels:    nc,
		Filter:      filter,
		MaxLevelIdx: maxIdx,
		UV:          uv,
		UVDA:        uvda,
		Width:       w,
		Height:      h,
		Out:         out,
	}
	k.Run(pool)
	return out
}

// faceIDCube builds a cube level whose texels hold their face index.
func faceIDCube(n int) []float32 {
	data := make([]float32, 6*n*n)
	for f := 0; f < 6; f++ {
		for i := 0; i < n*n; i++ {
			data[f*n*n+i] = float32(f)
		}
	}
	return data
}

func TestCubeNearestFaceCenters(t *testing.T) {
	pool := dispatch.NewPool(2)
	defer pool.Close()

	const n = 4
	data := faceIDCube(n)
	uv := []float32{
		1, 0, 0,
		-1, 0, 0,
		0, 1, 0,
		0, -1, 0,
		0, 0, 1,
		0, 0, -1,
	}
	out := runTextureCube(pool, [][]float32{data}, []int{n}, 1, FilterNearest, 0, uv, nil, 6, 1)
	for f := 0; f < 6; f++ {
		if out[f] != float32(f) {
			t.Errorf("direction %d: sampled face %v, want %d", f, out[f], f)
		}
	}
}

func TestCubeSeamBlend(t *testing.T) {
	pool := dispatch.NewPool(2)
	defer pool.Close()

	const n = 4
	data := faceIDCube(n)

	// Directions on edge midpoints: linear taps straddle the seam and
	// average the two face ids.
	tests := []struct {
		dir  [3]float32
		want float64
	}{
		{[3]float32{1, 0, -1}, 2.5},  // +X right edge meets -Z
		{[3]float32{-1, 0, 1}, 2.5},  // -X right edge meets +Z
		{[3]float32{1, 1, 0}, 1},     // +X bottom edge meets +Y
		{[3]float32{1, -1, 0}, 1.5},  // +X top edge meets -Y
		{[3]float32{0, 1, 1}, 3},     // +Y top edge meets +Z
		{[3]float32{0, -1, -1}, 4},   // -Y top edge meets -Z
	}
	for _, tt := range tests {
		uv := []float32{tt.dir[0], tt.dir[1], tt.dir[2]}
		out := runTextureCube(pool, [][]float32{data}, []int{n}, 1, FilterLinear, 0, uv, nil, 1, 1)
		if math.Abs(float64(out[0])-tt.want) > 1e-6 {
			t.Errorf("direction %v: seam blend = %v, want %v", tt.dir, out[0], tt.want)
		}
	}
}

func TestCubeConstantInvariance(t *testing.T) {
	pool := dispatch.NewPool(2)
	defer pool.Close()

	const n = 8
	data := make([]float32, 6*n*n)
	for i := range data {
		data[i] = 3.25
	}

	var uv []float32
	for i := 0; i < 64; i++ {
		x := float32(i%4)*0.61 - 1.1
		y := float32((i/4)%4)*0.47 - 0.9
		z := float32(i/16)*0.53 - 0.8
		if x == 0 && y == 0 && z == 0 {
			x = 1
		}
		uv = append(uv, x, y, z)
	}
	out := runTextureCube(pool, [][]float32{data}, []int{n}, 1, FilterLinear, 0, uv, nil, 64, 1)
	for i, v := range out {
		if math.Abs(float64(v)-3.25) > 1e-5 {
			t.Fatalf("sample %d: constant cube sampled to %v", i, v)
		}
	}
}

func buildPyramidCube(pool *dispatch.Pool, base []float32, n, nc int) ([][]float32, []int) {
	levels := [][]float32{base}
	dims := []int{n}
	for n > 1 {
		nn := n / 2
		next := make([]float32, 6*nn*nn*nc)
		for f := 0; f < 6; f++ {
			Downsample(pool, levels[len(levels)-1][f*n*n*nc:(f+1)*n*n*nc], n, n, nc,
				next[f*nn*nn*nc:(f+1)*nn*nn*nc], nn, nn)
		}
		levels = append(levels, next)
		dims = append(dims, nn)
		n = nn
	}
	return levels, dims
}

func TestCubeGradFD(t *testing.T) {
	pool := dispatch.NewPool(4)
	defer pool.Close()

	const n, nc = 8, 1
	base := make([]float32, 6*n*n*nc)
	for i := range base {
		base[i] = float32((i*7)%23) / 10
	}
	levels, dims := buildPyramidCube(pool, base, n, nc)
	maxIdx := len(levels) - 1

	// Directions clear of seams and corners so the loss is locally
	// smooth in the direction components.
	uv := []float32{
		0.9, 0.2, 0.1,
		-0.15, 0.85, 0.3,
		0.2, -0.25, -0.95,
	}
	// Scaled so every pixel's lod lands strictly inside the level
	// range and away from integer boundaries.
	uvda := []float32{
		0.3, 0.06, -0.12, 0.36, 0.09, -0.06,
		0.15, 0.45, 0.24, -0.09, 0.06, 0.12,
		-0.36, 0.12, 0.15, 0.3, 0.09, -0.18,
	}
	dOut := []float32{0.8, -0.6, 0.5}
	const w, h = 3, 1

	loss := func() float64 {
		out := runTextureCube(pool, levels, dims, nc, FilterLinearMipmapLinear, maxIdx, uv, uvda, w, h)
		s := 0.0
		for i := range out {
			s += float64(dOut[i]) * float64(out[i])
		}
		return s
	}

	g := &TextureCubeGrad{
		Levels:      levels,
		Dims:        dims,
		Channels:    nc,
		Filter:      FilterLinearMipmapLinear,
		MaxLevelIdx: maxIdx,
		UV:          uv,
		UVDA:        uvda,
		Width:       w,
		Height:      h,
		DOut:        dOut,
		GradLevels:  make([][]float64, len(levels)),
		GradUV:      make([]float32, len(uv)),
		GradUVDA:    make([]float32, len(uvda)),
	}
	for lv := range levels {
		g.GradLevels[lv] = make([]float64, len(levels[lv]))
	}
	g.Run(pool)

	const eps = 1e-3

	// Texel gradients, folded to the base and differenced through a
	// pyramid rebuild.
	for lv := len(levels) - 1; lv > 0; lv-- {
		for f := 0; f < 6; f++ {
			sn, dn := dims[lv-1], dims[lv]
			DownsampleGrad(pool, g.GradLevels[lv][f*dn*dn*nc:(f+1)*dn*dn*nc], dn, dn, nc,
				g.GradLevels[lv-1][f*sn*sn*nc:(f+1)*sn*sn*nc], sn, sn)
		}
	}
	for _, i := range []int{5, 77, 200, 383} {
		orig := base[i]
		base[i] = orig + eps
		rebuilt, _ := buildPyramidCube(pool, base, n, nc)
		copyLevels(levels, rebuilt)
		up := loss()
		base[i] = orig - eps
		rebuilt, _ = buildPyramidCube(pool, base, n, nc)
		copyLevels(levels, rebuilt)
		dn := loss()
		base[i] = orig
		rebuilt, _ = buildPyramidCube(pool, base, n, nc)
		copyLevels(levels, rebuilt)

		fd := (up - dn) / (2 * eps)
		if math.Abs(g.GradLevels[0][i]-fd) > 1e-3+5e-3*math.Abs(fd) {
			t.Errorf("texel grad[%d]: analytic %v vs finite difference %v", i, g.GradLevels[0][i], fd)
		}
	}

	for i := range uv {
		orig := uv[i]
		uv[i] = orig + eps
		up := loss()
		uv[i] = orig - eps
		dn := loss()
		uv[i] = orig

		fd := (up - dn) / (2 * eps)
		if math.Abs(float64(g.GradUV[i])-fd) > 2e-3+1e-2*math.Abs(fd) {
			t.Errorf("direction grad[%d]: analytic %v vs finite difference %v", i, g.GradUV[i], fd)
		}
	}
	for i := range uvda {
		orig := uvda[i]
		uvda[i] = orig + eps
		up := loss()
		uvda[i] = orig - eps
		dn := loss()
		uvda[i] = orig

		fd := (up - dn) / (2 * eps)
		if math.Abs(float64(g.GradUVDA[i])-fd) > 2e-3+1e-2*math.Abs(fd) {
			t.Errorf("direction-derivative grad[%d]: analytic %v vs finite difference %v", i, g.GradUVDA[i], fd)
		}
	}
}
