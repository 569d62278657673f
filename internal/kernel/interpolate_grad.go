package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// InterpGrad computes the gradients of one interpolated image with
// respect to the attributes and the rasterizer planes. Attribute
// gradients scatter through shared vertices and accumulate in float64;
// the rasterizer-plane gradients are per pixel and written directly.
type InterpGrad struct {
	Attr []float32
	Tri  []int32

	Rast   []float32
	RastDB []float32 // nil for the plain path

	Channels int
	Width    int
	Height   int
	Sel      []int

	DOut []float32 // Height*Width*Channels
	DDA  []float32 // Height*Width*2*len(Sel), nil without derivatives

	// GradAttr accumulates V*Channels attribute gradients; with a
	// broadcast attribute tensor the caller passes one accumulator
	// for the whole batch.
	GradAttr []float64

	GradRast   []float32 // Height*Width*4
	GradRastDB []float32 // Height*Width*4, nil for the plain path
}

// Run executes the gradient pass on the pool.
func (g *InterpGrad) Run(pool *dispatch.Pool) {
	w, h, nc := g.Width, g.Height, g.Channels
	ns := len(g.Sel)

	var parts partials[map[int][]float64]

	pool.ForChunk(h, 4, func(rowStart, rowEnd int) {
		local := make(map[int][]float64)
		acc := func(base int, c int, val float64) {
			row := local[base]
			if row == nil {
				row = make([]float64, nc)
				local[base] = row
			}
			row[c] += val
		}

		for iy := rowStart; iy < rowEnd; iy++ {
			for ix := 0; ix < w; ix++ {
				pix := iy*w + ix
				ro := pix * 4
				oo := pix * nc
				do := pix * 2 * ns

				g.GradRast[ro+0] = 0
				g.GradRast[ro+1] = 0
				g.GradRast[ro+2] = 0
				g.GradRast[ro+3] = 0
				if g.GradRastDB != nil {
					g.GradRastDB[ro+0] = 0
					g.GradRastDB[ro+1] = 0
					g.GradRastDB[ro+2] = 0
					g.GradRastDB[ro+3] = 0
				}

				id := int(g.Rast[ro+3])
				if id == 0 {
					continue
				}

				t := id - 1
				v0 := int(g.Tri[t*3+0])
				v1 := int(g.Tri[t*3+1])
				v2 := int(g.Tri[t*3+2])
				u := float64(g.Rast[ro+0])
				v := float64(g.Rast[ro+1])
				tw := 1 - u - v

				var gu, gv float64
				for c := 0; c < nc; c++ {
					gc := float64(g.DOut[oo+c])
					if gc == 0 {
						continue
					}
					acc(v0, c, u*gc)
					acc(v1, c, v*gc)
					acc(v2, c, tw*gc)

					a0 := float64(g.Attr[v0*nc+c])
					a1 := float64(g.Attr[v1*nc+c])
					a2 := float64(g.Attr[v2*nc+c])
					gu += gc * (a0 - a2)
					gv += gc * (a1 - a2)
				}
				g.GradRast[ro+0] = float32(gu)
				g.GradRast[ro+1] = float32(gv)

				if ns == 0 {
					continue
				}
				duX := float64(g.RastDB[ro+0])
				duY := float64(g.RastDB[ro+1])
				dvX := float64(g.RastDB[ro+2])
				dvY := float64(g.RastDB[ro+3])
				var gdb0, gdb1, gdb2, gdb3 float64
				for j, ai := range g.Sel {
					gx := float64(g.DDA[do+2*j+0])
					gy := float64(g.DDA[do+2*j+1])
					if gx == 0 && gy == 0 {
						continue
					}
					acc(v0, ai, gx*duX+gy*duY)
					acc(v1, ai, gx*dvX+gy*dvY)
					acc(v2, ai, -gx*(duX+dvX)-gy*(duY+dvY))

					d0 := float64(g.Attr[v0*nc+ai]) - float64(g.Attr[v2*nc+ai])
					d1 := float64(g.Attr[v1*nc+ai]) - float64(g.Attr[v2*nc+ai])
					gdb0 += gx * d0
					gdb1 += gy * d0
					gdb2 += gx * d1
					gdb3 += gy * d1
				}
				if g.GradRastDB != nil {
					g.GradRastDB[ro+0] = float32(gdb0)
					g.GradRastDB[ro+1] = float32(gdb1)
					g.GradRastDB[ro+2] = float32(gdb2)
					g.GradRastDB[ro+3] = float32(gdb3)
				}
			}
		}

		parts.add(rowStart, local)
	})

	parts.fold(func(local map[int][]float64) {
		for vert, row := range local {
			base := vert * nc
			for c, val := range row {
				g.GradAttr[base+c] += val
			}
		}
	})
}
