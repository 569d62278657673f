package diffrast

import (
	"fmt"

	"github.com/gogpu/diffrast/internal/dispatch"
	"github.com/gogpu/diffrast/internal/kernel"
	"github.com/gogpu/diffrast/tensor"
)

// InterpolateOption configures a single Interpolate call.
type InterpolateOption func(*interpolateOptions)

type interpolateOptions struct {
	db  *tensor.Float
	sel []int
	all bool
}

// WithRastDerivatives supplies the rasterizer's derivative plane so that
// attribute derivatives can be chained through it. Required whenever
// attribute derivatives are selected.
func WithRastDerivatives(db *tensor.Float) InterpolateOption {
	return func(o *interpolateOptions) {
		o.db = db
	}
}

// WithAttributeDerivatives selects the attribute channels whose
// screen-space derivatives are written to OutDA, in the given order.
// Indices may repeat.
func WithAttributeDerivatives(indices ...int) InterpolateOption {
	return func(o *interpolateOptions) {
		o.sel = indices
	}
}

// WithAllAttributeDerivatives selects every attribute channel for
// derivative output.
func WithAllAttributeDerivatives() InterpolateOption {
	return func(o *interpolateOptions) {
		o.all = true
	}
}

// Interpolated is the output of Interpolate and the entry point for its
// backward pass.
type Interpolated struct {
	// Out holds the interpolated attributes [B,H,W,C], zero at empty
	// pixels.
	Out *tensor.Float

	// OutDA holds screen-space attribute derivatives
	// [B,H,W,2·len(selection)], packed (dA/dX, dA/dY) per selected
	// attribute. Zero-channel when no derivatives were selected.
	OutDA *tensor.Float

	attr *tensor.Float
	rast *tensor.Float
	tri  *tensor.Int
	db   *tensor.Float
	sel  []int
}

// Interpolate evaluates vertex attributes at covered pixels with
// perspective-correct barycentric weights.
//
// attr is [B,V,C] or [1,V,C] (broadcast across the batch); rast is the
// coverage buffer from Rasterize, whose triangle ids must refer to tri.
// Selecting attribute derivatives additionally requires the rasterizer's
// derivative plane via WithRastDerivatives.
func Interpolate(attr, rast *tensor.Float, tri *tensor.Int, opts ...InterpolateOption) (*Interpolated, error) {
	opt := interpolateOptions{}
	for _, o := range opts {
		o(&opt)
	}

	if rast.Rank() != 4 || rast.Dim(3) != 4 {
		return nil, fmt.Errorf("%w: coverage buffer must be [B,H,W,4], got %s", ErrShapeMismatch, tensor.ShapeString(rast.Shape()))
	}
	batch := rast.Dim(0)
	height := rast.Dim(1)
	width := rast.Dim(2)

	if attr.Rank() != 3 {
		return nil, fmt.Errorf("%w: attributes must be [B,V,C], got %s", ErrShapeMismatch, tensor.ShapeString(attr.Shape()))
	}
	attrBatch := attr.Dim(0)
	verts := attr.Dim(1)
	channels := attr.Dim(2)
	if attrBatch != batch && attrBatch != 1 {
		return nil, fmt.Errorf("%w: attribute batch %d does not broadcast to %d images", ErrShapeMismatch, attrBatch, batch)
	}

	if tri.Rank() != 2 || tri.Dim(1) != 3 {
		return nil, fmt.Errorf("%w: triangles must be [T,3], got %s", ErrShapeMismatch, tensor.ShapeString(tri.Shape()))
	}
	for i, idx := range tri.Data() {
		if idx < 0 || int(idx) >= verts {
			return nil, fmt.Errorf("%w: triangle %d references vertex %d of %d", ErrIndexOutOfRange, i/3, idx, verts)
		}
	}

	sel := opt.sel
	if opt.all {
		sel = make([]int, channels)
		for i := range sel {
			sel[i] = i
		}
	}
	for _, s := range sel {
		if s < 0 || s >= channels {
			return nil, fmt.Errorf("%w: attribute index %d of %d channels", ErrIndexOutOfRange, s, channels)
		}
	}

	db := opt.db
	if len(sel) > 0 {
		if db == nil || db.Len() == 0 {
			return nil, fmt.Errorf("%w: attribute derivatives need the rasterizer derivative plane", ErrMissingDerivatives)
		}
		if !db.ShapeIs(batch, height, width, 4) {
			return nil, fmt.Errorf("%w: derivative plane must be [%d,%d,%d,4], got %s", ErrShapeMismatch, batch, height, width, tensor.ShapeString(db.Shape()))
		}
	} else {
		// Structural variant selection: a derivative plane alone does
		// not switch to the derivative variant.
		db = nil
	}

	out := tensor.NewFloat(batch, height, width, channels)
	outDA := tensor.NewFloat(batch, height, width, 2*len(sel))

	pool := dispatch.Shared()
	planeC := height * width * channels
	plane4 := height * width * 4
	planeDA := height * width * 2 * len(sel)
	for b := 0; b < batch; b++ {
		ab := b
		if attrBatch == 1 {
			ab = 0
		}
		k := kernel.Interp{
			Attr:     attr.Data()[ab*verts*channels : (ab+1)*verts*channels],
			Tri:      tri.Data(),
			Rast:     rast.Data()[b*plane4 : (b+1)*plane4],
			Channels: channels,
			Width:    width,
			Height:   height,
			Sel:      sel,
			Out:      out.Data()[b*planeC : (b+1)*planeC],
		}
		if len(sel) > 0 {
			k.RastDB = db.Data()[b*plane4 : (b+1)*plane4]
			k.OutDA = outDA.Data()[b*planeDA : (b+1)*planeDA]
		}
		k.Run(pool)
	}

	return &Interpolated{
		Out:   out,
		OutDA: outDA,
		attr:  attr,
		rast:  rast,
		tri:   tri,
		db:    db,
		sel:   sel,
	}, nil
}

// Backward propagates gradients to the attributes, the coverage buffer,
// and (in the derivative variant) the rasterizer derivative plane.
//
// dOut must match Out's shape. dDA matches OutDA and may be nil, in which
// case derivative-output gradients are treated as zero. dRastDB is nil in
// the plain variant. A broadcast attribute tensor accumulates gradients
// across the whole batch. Backward may be called repeatedly.
func (ip *Interpolated) Backward(dOut, dDA *tensor.Float) (dAttr, dRast, dRastDB *tensor.Float, err error) {
	batch := ip.Out.Dim(0)
	height := ip.Out.Dim(1)
	width := ip.Out.Dim(2)
	channels := ip.Out.Dim(3)

	if dOut == nil || !tensor.SameShape(dOut, ip.Out) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient must match %s", ErrShapeMismatch, tensor.ShapeString(ip.Out.Shape()))
	}

	deriv := len(ip.sel) > 0
	useDA := dDA != nil && dDA.Len() > 0
	if useDA {
		if !deriv {
			return nil, nil, nil, fmt.Errorf("%w: no attribute derivatives were selected", ErrMissingDerivatives)
		}
		if !tensor.SameShape(dDA, ip.OutDA) {
			return nil, nil, nil, fmt.Errorf("%w: derivative gradient must match %s", ErrShapeMismatch, tensor.ShapeString(ip.OutDA.Shape()))
		}
	}

	attrBatch := ip.attr.Dim(0)
	verts := ip.attr.Dim(1)
	dAttr = ip.attr.ZerosLike()
	dRast = tensor.NewFloat(batch, height, width, 4)
	if deriv {
		dRastDB = tensor.NewFloat(batch, height, width, 4)
	}

	pool := dispatch.Shared()
	planeC := height * width * channels
	plane4 := height * width * 4
	planeDA := height * width * 2 * len(ip.sel)
	acc := make([]float64, verts*channels)
	fold := func(dst []float32) {
		for i, v := range acc {
			dst[i] = float32(v)
			acc[i] = 0
		}
	}

	for b := 0; b < batch; b++ {
		ab := b
		if attrBatch == 1 {
			ab = 0
		}
		g := kernel.InterpGrad{
			Attr:     ip.attr.Data()[ab*verts*channels : (ab+1)*verts*channels],
			Tri:      ip.tri.Data(),
			Rast:     ip.rast.Data()[b*plane4 : (b+1)*plane4],
			Channels: channels,
			Width:    width,
			Height:   height,
			DOut:     dOut.Data()[b*planeC : (b+1)*planeC],
			GradAttr: acc,
			GradRast: dRast.Data()[b*plane4 : (b+1)*plane4],
		}
		if useDA {
			// The full chain only runs when derivative gradients
			// actually flow; otherwise the plain pass is exact.
			g.RastDB = ip.db.Data()[b*plane4 : (b+1)*plane4]
			g.Sel = ip.sel
			g.DDA = dDA.Data()[b*planeDA : (b+1)*planeDA]
			g.GradRastDB = dRastDB.Data()[b*plane4 : (b+1)*plane4]
		}
		g.Run(pool)

		if attrBatch != 1 {
			fold(dAttr.Data()[b*verts*channels : (b+1)*verts*channels])
		}
	}
	if attrBatch == 1 {
		fold(dAttr.Data())
	}
	return dAttr, dRast, dRastDB, nil
}
