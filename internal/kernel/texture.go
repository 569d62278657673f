package kernel

import (
	"math"

	"github.com/gogpu/diffrast/internal/dispatch"
)

// Filter and boundary codes, numerically identical to the public enums.
const (
	FilterNearest             = 0
	FilterLinear              = 1
	FilterLinearMipmapNearest = 2
	FilterLinearMipmapLinear  = 3
)

const (
	BoundaryCube  = 0
	BoundaryWrap  = 1
	BoundaryClamp = 2
	BoundaryZero  = 3
)

// resolveTap maps an integer tap index onto a texture axis of n texels.
// ok is false only in zero mode, where out-of-range taps contribute
// nothing to values or gradients.
func resolveTap(i, n, boundary int) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	switch boundary {
	case BoundaryWrap:
		return floorMod(i, n), true
	case BoundaryClamp:
		if i < 0 {
			return 0, true
		}
		return n - 1, true
	default:
		return 0, false
	}
}

// texFrac splits a texel-space coordinate into base tap and fraction;
// uv 0..1 spans the axis with texel centers at half-integers.
func texFrac(u float64, n int) (int, float64) {
	x := u*float64(n) - 0.5
	ix := math.Floor(x)
	return int(ix), x - ix
}

// Texture2D samples one uv image against one texture pyramid. Levels
// holds at least the base; deeper levels are required only by the mip
// filters, up to MaxLevelIdx.
type Texture2D struct {
	Levels [][]float32
	Dims   [][2]int // (h, w) per level

	Channels int
	Filter   int
	Boundary int

	// MaxLevelIdx caps mip selection; 0 confines sampling to the base.
	MaxLevelIdx int

	UV   []float32 // Height*Width*2
	UVDA []float32 // Height*Width*4, mip filters only

	Width  int
	Height int

	Out []float32 // Height*Width*Channels
}

// lod returns the clamped fractional mip level for pixel p from the
// texel-space footprint of the uv derivatives; the larger of the X and
// Y squared extents drives the level.
func (k *Texture2D) lod(p int) float64 {
	bh := float64(k.Dims[0][0])
	bw := float64(k.Dims[0][1])
	duX := float64(k.UVDA[p*4+0]) * bw
	duY := float64(k.UVDA[p*4+1]) * bw
	dvX := float64(k.UVDA[p*4+2]) * bh
	dvY := float64(k.UVDA[p*4+3]) * bh

	m := math.Max(duX*duX+dvX*dvX, duY*duY+dvY*dvY)
	if m <= 0 {
		return 0
	}
	lam := 0.5 * math.Log2(m)
	return Clamp(lam, 0, float64(k.MaxLevelIdx))
}

// mipLevels resolves the filter's level blend at pixel p: up to two
// levels with weights summing to one.
func (k *Texture2D) mipLevels(p int) (l0, l1 int, frac float64) {
	lam := k.lod(p)
	if k.Filter == FilterLinearMipmapNearest {
		l := int(math.Floor(lam + 0.5))
		l = Clamp(l, 0, k.MaxLevelIdx)
		return l, l, 0
	}
	l0 = int(math.Floor(lam))
	if l0 >= k.MaxLevelIdx {
		return k.MaxLevelIdx, k.MaxLevelIdx, 0
	}
	return l0, l0 + 1, lam - float64(l0)
}

// gatherBilinear2D accumulates weight * bilinear sample of one level
// into acc.
func gatherBilinear2D(data []float32, h, w, nc, boundary int, u, v, weight float64, acc []float64) {
	ix, fx := texFrac(u, w)
	iy, fy := texFrac(v, h)

	for _, tap := range [4]struct {
		dx, dy int
		w      float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	} {
		tx, okx := resolveTap(ix+tap.dx, w, boundary)
		ty, oky := resolveTap(iy+tap.dy, h, boundary)
		if !okx || !oky {
			continue
		}
		base := (ty*w + tx) * nc
		tw := weight * tap.w
		for c := 0; c < nc; c++ {
			acc[c] += tw * float64(data[base+c])
		}
	}
}

func (k *Texture2D) gatherBilinear(lv int, u, v, weight float64, acc []float64) {
	gatherBilinear2D(k.Levels[lv], k.Dims[lv][0], k.Dims[lv][1], k.Channels, k.Boundary, u, v, weight, acc)
}

// Run executes the sampling pass on the pool.
func (k *Texture2D) Run(pool *dispatch.Pool) {
	nc := k.Channels
	npix := k.Width * k.Height

	pool.For(npix, 256, func(start, end int) {
		acc := make([]float64, nc)
		for p := start; p < end; p++ {
			u := float64(k.UV[p*2+0])
			v := float64(k.UV[p*2+1])
			o := p * nc

			if k.Filter == FilterNearest {
				h, w := k.Dims[0][0], k.Dims[0][1]
				tx, okx := resolveTap(int(math.Floor(u*float64(w))), w, k.Boundary)
				ty, oky := resolveTap(int(math.Floor(v*float64(h))), h, k.Boundary)
				if !okx || !oky {
					for c := 0; c < nc; c++ {
						k.Out[o+c] = 0
					}
					continue
				}
				base := (ty*w + tx) * nc
				copy(k.Out[o:o+nc], k.Levels[0][base:base+nc])
				continue
			}

			for c := range acc {
				acc[c] = 0
			}
			switch k.Filter {
			case FilterLinear:
				k.gatherBilinear(0, u, v, 1, acc)
			default:
				l0, l1, f := k.mipLevels(p)
				k.gatherBilinear(l0, u, v, 1-f, acc)
				if f > 0 {
					k.gatherBilinear(l1, u, v, f, acc)
				}
			}
			for c := 0; c < nc; c++ {
				k.Out[o+c] = float32(acc[c])
			}
		}
	})
}
