// Package kernel implements the compute kernels of the diffrast
// pipeline: rasterization, attribute interpolation, texture sampling
// with mip pyramids, and silhouette antialiasing, each with a forward
// and a gradient pass.
//
// Kernels operate on flat buffers with explicit dimensions and run
// their inner loops under a dispatch.Pool, mirroring how the
// corresponding GPU kernels would be launched over a pixel grid. All
// intermediate arithmetic is float64; inputs and outputs are float32.
package kernel

import (
	"math"
)

// triVerts holds one triangle's vertex indices and clip-space
// coordinates, loaded once per triangle.
type triVerts struct {
	i0, i1, i2 int

	x0, y0, z0, w0 float64
	x1, y1, z1, w1 float64
	x2, y2, z2, w2 float64
}

// loadTri fetches triangle t. pos is one image's V*4 clip positions,
// tri the full index list. ok is false when any vertex has w <= 0;
// such triangles are skipped (no near-plane clipping is performed).
func loadTri(pos []float32, tri []int32, t int) (tv triVerts, ok bool) {
	tv.i0 = int(tri[t*3+0])
	tv.i1 = int(tri[t*3+1])
	tv.i2 = int(tri[t*3+2])

	tv.x0 = float64(pos[tv.i0*4+0])
	tv.y0 = float64(pos[tv.i0*4+1])
	tv.z0 = float64(pos[tv.i0*4+2])
	tv.w0 = float64(pos[tv.i0*4+3])
	tv.x1 = float64(pos[tv.i1*4+0])
	tv.y1 = float64(pos[tv.i1*4+1])
	tv.z1 = float64(pos[tv.i1*4+2])
	tv.w1 = float64(pos[tv.i1*4+3])
	tv.x2 = float64(pos[tv.i2*4+0])
	tv.y2 = float64(pos[tv.i2*4+1])
	tv.z2 = float64(pos[tv.i2*4+2])
	tv.w2 = float64(pos[tv.i2*4+3])

	ok = tv.w0 > 0 && tv.w1 > 0 && tv.w2 > 0
	return tv, ok
}

// pixelCenterX returns the NDC x of pixel column ix.
func pixelCenterX(ix, width int) float64 {
	return (2*float64(ix)+1)/float64(width) - 1
}

// pixelCenterY returns the NDC y of pixel row iy. Row 0 is the bottom
// of the image (GL orientation).
func pixelCenterY(iy, height int) float64 {
	return (2*float64(iy)+1)/float64(height) - 1
}

// screenX maps a clip-space vertex to pixel-space x, where pixel column
// ix has center coordinate ix.
func screenX(x, w float64, width int) float64 {
	return (x/w+1)*float64(width)/2 - 0.5
}

// screenY maps a clip-space vertex to pixel-space y.
func screenY(y, w float64, height int) float64 {
	return (y/w+1)*float64(height)/2 - 0.5
}

// bary holds the homogeneous edge functions of a triangle at one pixel
// center and the barycentrics derived from them.
type bary struct {
	o0x, o0y float64
	o1x, o1y float64
	o2x, o2y float64

	a0, a1, a2, area float64
	u, v             float64
	inside           bool
}

// evalBary evaluates the homogeneous barycentric setup at NDC (px,py).
// The edge functions aᵢ are cross products of the w-projected vertex
// offsets; a pixel is inside when all three share a sign. u and v are
// perspective-correct.
func evalBary(tv *triVerts, px, py float64) bary {
	var b bary
	b.o0x = tv.x0 - px*tv.w0
	b.o0y = tv.y0 - py*tv.w0
	b.o1x = tv.x1 - px*tv.w1
	b.o1y = tv.y1 - py*tv.w1
	b.o2x = tv.x2 - px*tv.w2
	b.o2y = tv.y2 - py*tv.w2

	b.a0 = b.o1x*b.o2y - b.o1y*b.o2x
	b.a1 = b.o2x*b.o0y - b.o2y*b.o0x
	b.a2 = b.o0x*b.o1y - b.o0y*b.o1x
	b.area = b.a0 + b.a1 + b.a2
	if b.area == 0 {
		return b
	}

	pos := b.a0 >= 0 && b.a1 >= 0 && b.a2 >= 0
	neg := b.a0 <= 0 && b.a1 <= 0 && b.a2 <= 0
	if !pos && !neg {
		return b
	}

	b.inside = true
	b.u = b.a0 / b.area
	b.v = b.a1 / b.area
	return b
}

// depth returns the hit's z/w from the barycentrics, and whether the
// interpolated w is usable.
func (b *bary) depth(tv *triVerts) (float64, bool) {
	t := 1 - b.u - b.v
	wf := b.u*tv.w0 + b.v*tv.w1 + t*tv.w2
	if wf == 0 {
		return 0, false
	}
	zf := b.u*tv.z0 + b.v*tv.z1 + t*tv.z2
	return zf / wf, true
}

// screenBounds returns the inclusive pixel bounds of the triangle,
// clipped to the image, and whether any pixel can be covered.
func screenBounds(tv *triVerts, width, height int) (x0, y0, x1, y1 int, ok bool) {
	sx0 := screenX(tv.x0, tv.w0, width)
	sx1 := screenX(tv.x1, tv.w1, width)
	sx2 := screenX(tv.x2, tv.w2, width)
	sy0 := screenY(tv.y0, tv.w0, height)
	sy1 := screenY(tv.y1, tv.w1, height)
	sy2 := screenY(tv.y2, tv.w2, height)

	minX := math.Min(sx0, math.Min(sx1, sx2))
	maxX := math.Max(sx0, math.Max(sx1, sx2))
	minY := math.Min(sy0, math.Min(sy1, sy2))
	maxY := math.Max(sy0, math.Max(sy1, sy2))

	x0 = int(math.Ceil(minX))
	x1 = int(math.Floor(maxX))
	y0 = int(math.Ceil(minY))
	y1 = int(math.Floor(maxY))

	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > width-1 {
		x1 = width - 1
	}
	if y1 > height-1 {
		y1 = height - 1
	}
	return x0, y0, x1, y1, x0 <= x1 && y0 <= y1
}
