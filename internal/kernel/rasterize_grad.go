package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// RasterGrad computes the gradient of one rasterized image with respect
// to the clip-space positions. Incoming gradients arrive on the u,v
// channels of DOut and, when the derivative path is active, on all four
// channels of DDB; depth and id channels carry no gradient.
type RasterGrad struct {
	Pos []float32
	Tri []int32

	Out  []float32 // saved forward output, id channel drives the scatter
	DOut []float32 // Height*Width*4
	DDB  []float32 // Height*Width*4, nil for the plain path

	Width  int
	Height int

	// GradPos accumulates V*4 position gradients in float64; the
	// caller folds it into the output tensor.
	GradPos []float64
}

// Component offsets inside a vertex gradient quad for the flattened
// (vertex, component) index q used below: q%3 selects x, y or w.
var quadComp = [3]int{0, 1, 3}

// Run executes the gradient pass. Pixel rows are processed in chunks;
// each chunk scatters into a private map, and the maps are folded in
// row order afterwards, since many pixels share vertices.
func (g *RasterGrad) Run(pool *dispatch.Pool) {
	w, h := g.Width, g.Height
	sx := 2 / float64(w)
	sy := 2 / float64(h)

	var parts partials[map[int]*[4]float64]

	pool.ForChunk(h, 4, func(rowStart, rowEnd int) {
		local := make(map[int]*[4]float64)
		acc := func(vi, comp int, val float64) {
			quad := local[vi]
			if quad == nil {
				quad = new([4]float64)
				local[vi] = quad
			}
			quad[comp] += val
		}

		for iy := rowStart; iy < rowEnd; iy++ {
			py := pixelCenterY(iy, h)
			for ix := 0; ix < w; ix++ {
				o := (iy*w + ix) * 4
				id := int(g.Out[o+3])
				if id == 0 {
					continue
				}
				t := id - 1

				gu := float64(g.DOut[o+0])
				gv := float64(g.DOut[o+1])
				var gdb [4]float64
				if g.DDB != nil {
					gdb[0] = float64(g.DDB[o+0])
					gdb[1] = float64(g.DDB[o+1])
					gdb[2] = float64(g.DDB[o+2])
					gdb[3] = float64(g.DDB[o+3])
				}
				if gu == 0 && gv == 0 && gdb == [4]float64{} {
					continue
				}

				tv, ok := loadTri(g.Pos, g.Tri, t)
				if !ok {
					continue
				}
				px := pixelCenterX(ix, w)
				b := evalBary(&tv, px, py)
				if b.area == 0 {
					continue
				}
				inv := 1 / b.area

				// Edge-function partials over the flattened index
				// q = vertex*3 + component, component in (x, y, w).
				var da0, da1, da2 [9]float64
				da0[3] = b.o2y
				da0[4] = -b.o2x
				da0[5] = -px*b.o2y + py*b.o2x
				da0[6] = -b.o1y
				da0[7] = b.o1x
				da0[8] = px*b.o1y - py*b.o1x

				da1[0] = -b.o2y
				da1[1] = b.o2x
				da1[2] = px*b.o2y - py*b.o2x
				da1[6] = b.o0y
				da1[7] = -b.o0x
				da1[8] = -px*b.o0y + py*b.o0x

				da2[0] = b.o1y
				da2[1] = -b.o1x
				da2[2] = -px*b.o1y + py*b.o1x
				da2[3] = -b.o0y
				da2[4] = b.o0x
				da2[5] = px*b.o0y - py*b.o0x

				var du, dv [9]float64
				for q := 0; q < 9; q++ {
					dA := da0[q] + da1[q] + da2[q]
					du[q] = (da0[q] - b.u*dA) * inv
					dv[q] = (da1[q] - b.v*dA) * inv
				}

				var grad [9]float64
				for q := 0; q < 9; q++ {
					grad[q] = gu*du[q] + gv*dv[q]
				}

				if g.DDB != nil {
					g.addDerivGrads(&tv, &b, px, py, inv, sx, sy, &da0, &da1, &da2, &du, &dv, &gdb, &grad)
				}

				verts := [3]int{tv.i0, tv.i1, tv.i2}
				for q := 0; q < 9; q++ {
					if grad[q] != 0 {
						acc(verts[q/3], quadComp[q%3], grad[q])
					}
				}
			}
		}

		parts.add(rowStart, local)
	})

	parts.fold(func(local map[int]*[4]float64) {
		for vi, quad := range local {
			base := vi * 4
			g.GradPos[base+0] += quad[0]
			g.GradPos[base+1] += quad[1]
			g.GradPos[base+3] += quad[3]
		}
	})
}

// addDerivGrads chains the incoming derivative-buffer gradients through
// the second-order terms: each DB channel is a quotient of edge-function
// pixel derivatives, so its position partials need the derivatives of
// those derivatives.
func (g *RasterGrad) addDerivGrads(tv *triVerts, b *bary, px, py, inv, sx, sy float64, da0, da1, da2, du, dv *[9]float64, gdb *[4]float64, grad *[9]float64) {
	b0x, b1x, b2x, b0y, b1y, b2y := baryPixelDerivs(tv, b)
	ax := b0x + b1x + b2x
	ay := b0y + b1y + b2y

	fuX := (b0x - b.u*ax) * inv
	fvX := (b1x - b.v*ax) * inv
	fuY := (b0y - b.u*ay) * inv
	fvY := (b1y - b.v*ay) * inv

	var db0x, db1x, db2x, db0y, db1y, db2y [9]float64

	db0x[4] = tv.w2
	db0x[5] = -py*tv.w2 - b.o2y
	db0x[7] = -tv.w1
	db0x[8] = py*tv.w1 + b.o1y

	db1x[1] = -tv.w2
	db1x[2] = py*tv.w2 + b.o2y
	db1x[7] = tv.w0
	db1x[8] = -py*tv.w0 - b.o0y

	db2x[1] = tv.w1
	db2x[2] = -py*tv.w1 - b.o1y
	db2x[4] = -tv.w0
	db2x[5] = py*tv.w0 + b.o0y

	db0y[3] = -tv.w2
	db0y[5] = px*tv.w2 + b.o2x
	db0y[6] = tv.w1
	db0y[8] = -px*tv.w1 - b.o1x

	db1y[0] = tv.w2
	db1y[2] = -px*tv.w2 - b.o2x
	db1y[6] = -tv.w0
	db1y[8] = px*tv.w0 + b.o0x

	db2y[0] = -tv.w1
	db2y[2] = px*tv.w1 + b.o1x
	db2y[3] = tv.w0
	db2y[5] = -px*tv.w0 - b.o0x

	for q := 0; q < 9; q++ {
		dA := da0[q] + da1[q] + da2[q]
		dAx := db0x[q] + db1x[q] + db2x[q]
		dAy := db0y[q] + db1y[q] + db2y[q]

		dFuX := (db0x[q] - du[q]*ax - b.u*dAx - fuX*dA) * inv
		dFvX := (db1x[q] - dv[q]*ax - b.v*dAx - fvX*dA) * inv
		dFuY := (db0y[q] - du[q]*ay - b.u*dAy - fuY*dA) * inv
		dFvY := (db1y[q] - dv[q]*ay - b.v*dAy - fvY*dA) * inv

		grad[q] += sx*(gdb[0]*dFuX+gdb[2]*dFvX) + sy*(gdb[1]*dFuY+gdb[3]*dFvY)
	}
}
