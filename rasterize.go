package diffrast

import (
	"fmt"

	"github.com/gogpu/diffrast/internal/kernel"
	"github.com/gogpu/diffrast/tensor"
)

// Resolution is the output image size in pixels.
type Resolution struct {
	Height int
	Width  int
}

// Range selects a window of the triangle list for one output image in
// range mode: triangles [Start, Start+Count) are rasterized. Triangle ids
// in the coverage buffer stay global so one attribute and topology set
// serves every window.
type Range struct {
	Start int32
	Count int32
}

// Triangle ids live in the coverage buffer's float32 id channel as id+1,
// so the count must stay inside the exactly representable integers.
const maxTriangles = 1 << 24

// RasterizeOption configures a single Rasterize call.
type RasterizeOption func(*rasterizeOptions)

type rasterizeOptions struct {
	ranges []Range
	gradDB bool
}

func defaultRasterizeOptions() rasterizeOptions {
	return rasterizeOptions{gradDB: true}
}

// WithRanges selects range mode: positions are a shared [V,4] buffer and
// each Range window produces one output image. Ignored when positions are
// instanced (rank 3).
func WithRanges(ranges []Range) RasterizeOption {
	return func(o *rasterizeOptions) {
		o.ranges = ranges
	}
}

// WithDerivativeGradients controls whether Backward also consumes
// gradients flowing into the derivative plane. Defaults to true; disabling
// it selects the cheaper plain gradient path. The flag is ANDed with the
// context's WithScreenDerivatives setting.
func WithDerivativeGradients(enabled bool) RasterizeOption {
	return func(o *rasterizeOptions) {
		o.gradDB = enabled
	}
}

// Fragments is the output of Rasterize and the entry point for its
// backward pass.
type Fragments struct {
	// Out is the coverage buffer [B,H,W,4]: perspective-correct
	// barycentrics u and v, depth z/w, and triangle id + 1 with 0
	// marking an empty pixel. Row 0 is the bottom of the image.
	Out *tensor.Float

	// DB holds the screen-space barycentric derivatives [B,H,W,4]
	// (du/dX, du/dY, dv/dX, dv/dY) in pixel units. Zero-channel when
	// the context was created with WithScreenDerivatives(false).
	DB *tensor.Float

	ctx    *Context
	pos    *tensor.Float
	tri    *tensor.Int
	ranges []Range
	gradDB bool
}

// Rasterize renders triangles into a coverage buffer.
//
// Instanced mode: pos is [B,V,4] clip-space positions, one mesh copy per
// image. Range mode: pos is [V,4] shared by all images and WithRanges
// selects a triangle window per image.
//
// Per pixel the nearest covering triangle wins, ties broken by the lowest
// triangle index. Triangles with any vertex w ≤ 0 are skipped.
func (c *Context) Rasterize(pos *tensor.Float, tri *tensor.Int, res Resolution, opts ...RasterizeOption) (*Fragments, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	opt := defaultRasterizeOptions()
	for _, o := range opts {
		o(&opt)
	}

	if res.Height < 1 || res.Width < 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadResolution, res.Width, res.Height)
	}
	if tri.Rank() != 2 || tri.Dim(1) != 3 {
		return nil, fmt.Errorf("%w: triangles must be [T,3], got %s", ErrShapeMismatch, tensor.ShapeString(tri.Shape()))
	}
	numTri := tri.Dim(0)
	if numTri >= maxTriangles {
		return nil, fmt.Errorf("%w: %d triangles", ErrTooManyTriangles, numTri)
	}

	var batch, verts int
	var ranges []Range
	switch {
	case pos.Rank() == 3 && pos.Dim(2) == 4:
		batch, verts = pos.Dim(0), pos.Dim(1)
	case pos.Rank() == 2 && pos.Dim(1) == 4:
		verts = pos.Dim(0)
		ranges = opt.ranges
		if len(ranges) == 0 {
			return nil, ErrMissingRanges
		}
		batch = len(ranges)
		for i, r := range ranges {
			if r.Start < 0 || r.Count < 0 || int(r.Start)+int(r.Count) > numTri {
				return nil, fmt.Errorf("%w: range %d selects [%d,%d) of %d triangles", ErrIndexOutOfRange, i, r.Start, int(r.Start)+int(r.Count), numTri)
			}
		}
	default:
		return nil, fmt.Errorf("%w: positions must be [B,V,4] or [V,4], got %s", ErrShapeMismatch, tensor.ShapeString(pos.Shape()))
	}

	for i, idx := range tri.Data() {
		if idx < 0 || int(idx) >= verts {
			return nil, fmt.Errorf("%w: triangle %d references vertex %d of %d", ErrIndexOutOfRange, i/3, idx, verts)
		}
	}

	if c.manual && !c.isBound() {
		return nil, ErrContextNotBound
	}

	out := tensor.NewFloat(batch, res.Height, res.Width, 4)
	dbCh := 0
	if c.derivatives {
		dbCh = 4
	}
	db := tensor.NewFloat(batch, res.Height, res.Width, dbCh)

	err := c.submit(func() {
		if !c.manual {
			c.setBound(true)
			defer c.setBound(false)
		}
		planes := c.planes(res.Height, res.Width)
		plane4 := res.Height * res.Width * 4
		for b := 0; b < batch; b++ {
			k := kernel.Raster{
				Tri:        tri.Data(),
				TriCount:   numTri,
				Width:      res.Width,
				Height:     res.Height,
				Out:        out.Data()[b*plane4 : (b+1)*plane4],
				DepthPlane: planes.depth,
				TriPlane:   planes.tri,
			}
			if ranges != nil {
				k.Pos = pos.Data()
				k.TriStart = int(ranges[b].Start)
				k.TriCount = int(ranges[b].Count)
			} else {
				k.Pos = pos.Data()[b*verts*4 : (b+1)*verts*4]
			}
			if dbCh != 0 {
				k.DB = db.Data()[b*plane4 : (b+1)*plane4]
			}
			k.Run(c.pool)
		}
	})
	if err != nil {
		return nil, err
	}

	return &Fragments{
		Out:    out,
		DB:     db,
		ctx:    c,
		pos:    pos,
		tri:    tri,
		ranges: ranges,
		gradDB: opt.gradDB && c.derivatives,
	}, nil
}

// Backward scatters coverage gradients back to the clip-space positions.
//
// dOut must match Out's shape; its depth and id channels carry no
// gradient. dDB is optional derivative-plane gradient, consumed only when
// the call was made with derivative gradients enabled; pass nil (or a
// zero-channel tensor) to run the plain path. The returned gradient has
// the position tensor's shape. Backward may be called repeatedly.
func (f *Fragments) Backward(dOut, dDB *tensor.Float) (*tensor.Float, error) {
	c := f.ctx
	if err := c.alive(); err != nil {
		return nil, err
	}
	if dOut == nil || !tensor.SameShape(dOut, f.Out) {
		return nil, fmt.Errorf("%w: coverage gradient must match %s", ErrShapeMismatch, tensor.ShapeString(f.Out.Shape()))
	}
	batch := f.Out.Dim(0)
	height := f.Out.Dim(1)
	width := f.Out.Dim(2)

	useDB := dDB != nil && dDB.Len() > 0
	if useDB {
		if !f.gradDB {
			return nil, fmt.Errorf("%w: rasterization ran without derivative gradients", ErrMissingDerivatives)
		}
		if !dDB.ShapeIs(batch, height, width, 4) {
			return nil, fmt.Errorf("%w: derivative gradient must be [%d,%d,%d,4], got %s", ErrShapeMismatch, batch, height, width, tensor.ShapeString(dDB.Shape()))
		}
	}

	instanced := f.ranges == nil
	verts := f.pos.Dim(0)
	if instanced {
		verts = f.pos.Dim(1)
	}
	grad := f.pos.ZerosLike()
	acc := make([]float64, verts*4)

	err := c.submit(func() {
		plane4 := height * width * 4
		for b := 0; b < batch; b++ {
			g := kernel.RasterGrad{
				Tri:     f.tri.Data(),
				Out:     f.Out.Data()[b*plane4 : (b+1)*plane4],
				DOut:    dOut.Data()[b*plane4 : (b+1)*plane4],
				Width:   width,
				Height:  height,
				GradPos: acc,
			}
			if instanced {
				g.Pos = f.pos.Data()[b*verts*4 : (b+1)*verts*4]
			} else {
				g.Pos = f.pos.Data()
			}
			if useDB {
				g.DDB = dDB.Data()[b*plane4 : (b+1)*plane4]
			}
			g.Run(c.pool)

			if instanced {
				dst := grad.Data()[b*verts*4 : (b+1)*verts*4]
				for i, v := range acc {
					dst[i] = float32(v)
					acc[i] = 0
				}
			}
		}
		if !instanced {
			dst := grad.Data()
			for i, v := range acc {
				dst[i] = float32(v)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return grad, nil
}
