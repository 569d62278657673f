package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// Interp interpolates vertex attributes over one rasterized image using
// the saved barycentrics. Covered pixels blend the three corner
// attributes; uncovered pixels are zero. When Sel and OutDA are set,
// the selected attribute channels additionally get their screen-space
// derivatives, chained from the barycentric derivative plane.
type Interp struct {
	Attr []float32 // V*Channels attributes for this image
	Tri  []int32

	Rast   []float32 // Height*Width*4 saved rasterizer output
	RastDB []float32 // Height*Width*4, nil when no derivative plane

	Channels int
	Width    int
	Height   int

	// Sel lists the attribute indices whose derivatives go to OutDA,
	// in output order.
	Sel []int

	Out   []float32 // Height*Width*Channels
	OutDA []float32 // Height*Width*2*len(Sel), nil when Sel is empty
}

// Run executes the interpolation pass on the pool.
func (k *Interp) Run(pool *dispatch.Pool) {
	w, h, nc := k.Width, k.Height, k.Channels
	ns := len(k.Sel)

	pool.For(h, 1, func(rowStart, rowEnd int) {
		for iy := rowStart; iy < rowEnd; iy++ {
			for ix := 0; ix < w; ix++ {
				pix := iy*w + ix
				ro := pix * 4
				oo := pix * nc
				do := pix * 2 * ns

				id := int(k.Rast[ro+3])
				if id == 0 {
					for c := 0; c < nc; c++ {
						k.Out[oo+c] = 0
					}
					for j := 0; j < 2*ns; j++ {
						k.OutDA[do+j] = 0
					}
					continue
				}

				t := id - 1
				i0 := int(k.Tri[t*3+0]) * nc
				i1 := int(k.Tri[t*3+1]) * nc
				i2 := int(k.Tri[t*3+2]) * nc
				u := float64(k.Rast[ro+0])
				v := float64(k.Rast[ro+1])
				tw := 1 - u - v

				for c := 0; c < nc; c++ {
					a0 := float64(k.Attr[i0+c])
					a1 := float64(k.Attr[i1+c])
					a2 := float64(k.Attr[i2+c])
					k.Out[oo+c] = float32(u*a0 + v*a1 + tw*a2)
				}

				if ns > 0 {
					duX := float64(k.RastDB[ro+0])
					duY := float64(k.RastDB[ro+1])
					dvX := float64(k.RastDB[ro+2])
					dvY := float64(k.RastDB[ro+3])
					for j, ai := range k.Sel {
						d0 := float64(k.Attr[i0+ai]) - float64(k.Attr[i2+ai])
						d1 := float64(k.Attr[i1+ai]) - float64(k.Attr[i2+ai])
						k.OutDA[do+2*j+0] = float32(duX*d0 + dvX*d1)
						k.OutDA[do+2*j+1] = float32(duY*d0 + dvY*d1)
					}
				}
			}
		}
	})
}
