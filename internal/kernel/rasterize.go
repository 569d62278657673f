package kernel

import (
	"math"

	"github.com/gogpu/diffrast/internal/dispatch"
)

// rasterTile is the pixel tile edge for coverage dispatch.
const rasterTile = 32

// Raster rasterizes one batch image: for every pixel it finds the
// nearest covering triangle and writes (u, v, z/w, id) into Out, id
// being the global triangle index + 1 and 0 for uncovered pixels.
// When DB is non-nil it also receives the analytic screen-space
// barycentric derivatives (du/dX, du/dY, dv/dX, dv/dY) in pixel units.
type Raster struct {
	Pos []float32 // this image's V*4 clip positions
	Tri []int32   // full triangle index list, 3 per triangle

	// TriStart/TriCount window the triangle list (range mode); ids in
	// Out stay global so attribute lookups work on the full list.
	TriStart int
	TriCount int

	Width  int
	Height int

	Out []float32 // Height*Width*4
	DB  []float32 // Height*Width*4, or nil

	// Scratch planes, Height*Width each, provided by the caller so
	// repeated calls at one resolution reuse them.
	DepthPlane []float32
	TriPlane   []int32
}

// Run executes the coverage pass on the pool.
func (r *Raster) Run(pool *dispatch.Pool) {
	w, h := r.Width, r.Height

	// Reset scratch and output planes.
	pool.For(w*h, 4096, func(start, end int) {
		for i := start; i < end; i++ {
			r.DepthPlane[i] = float32(math.Inf(1))
			r.TriPlane[i] = -1
		}
	})

	// Triangle setup: screen bounds, once per triangle.
	type triBox struct {
		x0, y0, x1, y1 int
		live           bool
	}
	boxes := make([]triBox, r.TriCount)
	pool.For(r.TriCount, 64, func(start, end int) {
		for i := start; i < end; i++ {
			tv, ok := loadTri(r.Pos, r.Tri, r.TriStart+i)
			if !ok {
				continue
			}
			x0, y0, x1, y1, any := screenBounds(&tv, w, h)
			if !any {
				continue
			}
			boxes[i] = triBox{x0: x0, y0: y0, x1: x1, y1: y1, live: true}
		}
	})

	// Coverage: each tile owns its pixels, so the depth test needs no
	// synchronization.
	pool.Tiles(w, h, rasterTile, func(tx0, ty0, tx1, ty1 int) {
		for i := 0; i < r.TriCount; i++ {
			box := boxes[i]
			if !box.live || box.x1 < tx0 || box.x0 >= tx1 || box.y1 < ty0 || box.y0 >= ty1 {
				continue
			}
			t := r.TriStart + i
			tv, _ := loadTri(r.Pos, r.Tri, t)

			px0 := max(box.x0, tx0)
			px1 := min(box.x1, tx1-1)
			py0 := max(box.y0, ty0)
			py1 := min(box.y1, ty1-1)

			for iy := py0; iy <= py1; iy++ {
				py := pixelCenterY(iy, h)
				row := iy * w
				for ix := px0; ix <= px1; ix++ {
					b := evalBary(&tv, pixelCenterX(ix, w), py)
					if !b.inside {
						continue
					}
					zw, ok := b.depth(&tv)
					if !ok {
						continue
					}
					// Strict less keeps the lowest index on ties
					// because triangles are visited in order.
					if float32(zw) < r.DepthPlane[row+ix] {
						r.DepthPlane[row+ix] = float32(zw)
						r.TriPlane[row+ix] = int32(t)
					}
				}
			}
		}
	})

	// Resolve: recompute the winning triangle's barycentrics and
	// derivatives per pixel and write the output channels.
	pool.For(h, 1, func(rowStart, rowEnd int) {
		for iy := rowStart; iy < rowEnd; iy++ {
			py := pixelCenterY(iy, h)
			for ix := 0; ix < w; ix++ {
				pix := iy*w + ix
				o := pix * 4
				t := r.TriPlane[pix]
				if t < 0 {
					r.Out[o+0] = 0
					r.Out[o+1] = 0
					r.Out[o+2] = 0
					r.Out[o+3] = 0
					if r.DB != nil {
						r.DB[o+0] = 0
						r.DB[o+1] = 0
						r.DB[o+2] = 0
						r.DB[o+3] = 0
					}
					continue
				}

				tv, _ := loadTri(r.Pos, r.Tri, int(t))
				px := pixelCenterX(ix, w)
				b := evalBary(&tv, px, py)
				zw, _ := b.depth(&tv)

				r.Out[o+0] = float32(b.u)
				r.Out[o+1] = float32(b.v)
				r.Out[o+2] = float32(zw)
				r.Out[o+3] = float32(t + 1)

				if r.DB != nil {
					duX, duY, dvX, dvY := screenDerivs(&tv, &b, w, h)
					r.DB[o+0] = float32(duX)
					r.DB[o+1] = float32(duY)
					r.DB[o+2] = float32(dvX)
					r.DB[o+3] = float32(dvY)
				}
			}
		}
	})
}

// baryPixelDerivs returns the derivatives of the edge functions with
// respect to the NDC pixel coordinates.
func baryPixelDerivs(tv *triVerts, b *bary) (b0x, b1x, b2x, b0y, b1y, b2y float64) {
	b0x = tv.w2*b.o1y - tv.w1*b.o2y
	b1x = tv.w0*b.o2y - tv.w2*b.o0y
	b2x = tv.w1*b.o0y - tv.w0*b.o1y
	b0y = tv.w1*b.o2x - tv.w2*b.o1x
	b1y = tv.w2*b.o0x - tv.w0*b.o2x
	b2y = tv.w0*b.o1x - tv.w1*b.o0x
	return
}

// screenDerivs differentiates (u,v) with respect to pixel X and Y.
// NDC derivatives come from the quotient rule on aᵢ/area; the 2/W and
// 2/H factors convert to per-pixel steps.
func screenDerivs(tv *triVerts, b *bary, width, height int) (duX, duY, dvX, dvY float64) {
	b0x, b1x, b2x, b0y, b1y, b2y := baryPixelDerivs(tv, b)
	ax := b0x + b1x + b2x
	ay := b0y + b1y + b2y

	inv := 1 / b.area
	duPx := (b0x - b.u*ax) * inv
	dvPx := (b1x - b.v*ax) * inv
	duPy := (b0y - b.u*ay) * inv
	dvPy := (b1y - b.v*ay) * inv

	sx := 2 / float64(width)
	sy := 2 / float64(height)
	return duPx * sx, duPy * sy, dvPx * sx, dvPy * sy
}
