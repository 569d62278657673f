package diffrast

import (
	"fmt"
	"sync"

	"github.com/gogpu/diffrast/internal/dispatch"
	"github.com/gogpu/diffrast/internal/kernel"
	"github.com/gogpu/diffrast/tensor"
)

// Topology is a prebuilt edge adjacency table for Antialias, mapping each
// mesh edge to its incident triangles independent of winding. Build it
// once per mesh and share it across calls; the table depends only on the
// triangle list, never on positions.
type Topology struct {
	topo     *kernel.Topology
	triCount int
}

// BuildTopology hashes the mesh edges of a [T,3] triangle list.
// Non-manifold edges keep their first two incident triangles.
func BuildTopology(tri *tensor.Int) (*Topology, error) {
	if tri.Rank() != 2 || tri.Dim(1) != 3 {
		return nil, fmt.Errorf("%w: triangles must be [T,3], got %s", ErrShapeMismatch, tensor.ShapeString(tri.Shape()))
	}
	for i, idx := range tri.Data() {
		if idx < 0 {
			return nil, fmt.Errorf("%w: triangle %d references vertex %d", ErrIndexOutOfRange, i/3, idx)
		}
	}
	return &Topology{
		topo:     kernel.BuildTopology(tri.Data()),
		triCount: tri.Dim(0),
	}, nil
}

// AntialiasOption configures a single Antialias call.
type AntialiasOption func(*antialiasOptions)

type antialiasOptions struct {
	topo  *Topology
	boost float32
}

func defaultAntialiasOptions() antialiasOptions {
	return antialiasOptions{boost: 1}
}

// WithTopology supplies a prebuilt edge adjacency table. Without it a
// transient table is built for the call and discarded.
func WithTopology(t *Topology) AntialiasOption {
	return func(o *antialiasOptions) {
		o.topo = t
	}
}

// WithPositionGradientBoost scales the position gradients produced by
// Backward. Defaults to 1. Silhouette coverage moves only fractions of a
// pixel per step, so fitting workloads often boost this gradient relative
// to the color gradients.
func WithPositionGradientBoost(boost float32) AntialiasOption {
	return func(o *antialiasOptions) {
		o.boost = boost
	}
}

// Antialiased is the output of Antialias and the entry point for its
// backward pass.
type Antialiased struct {
	// Out holds the blended colors [B,H,W,C]. Pixels away from
	// silhouette crossings pass through unchanged.
	Out *tensor.Float

	color   *tensor.Float
	rast    *tensor.Float
	pos     *tensor.Float
	tri     *tensor.Int
	records [][]kernel.AARecord
	boost   float32

	mu       sync.Mutex
	consumed bool
}

// Antialias blends colors across silhouette edges so coverage becomes
// differentiable with respect to the clip-space positions.
//
// color is [B,H,W,C], typically interpolated shading; rast is the
// coverage buffer the same scene rasterized into. pos and tri must be the
// tensors that produced rast: [B,V,4] instanced positions or a shared
// [V,4] buffer matching global triangle ids. The detected crossings are
// recorded for Backward, which may run once per Antialias call.
func Antialias(color, rast, pos *tensor.Float, tri *tensor.Int, opts ...AntialiasOption) (*Antialiased, error) {
	opt := defaultAntialiasOptions()
	for _, o := range opts {
		o(&opt)
	}

	if color.Rank() != 4 {
		return nil, fmt.Errorf("%w: color must be [B,H,W,C], got %s", ErrShapeMismatch, tensor.ShapeString(color.Shape()))
	}
	batch := color.Dim(0)
	height := color.Dim(1)
	width := color.Dim(2)
	channels := color.Dim(3)
	if !rast.ShapeIs(batch, height, width, 4) {
		return nil, fmt.Errorf("%w: coverage buffer must be [%d,%d,%d,4], got %s", ErrShapeMismatch, batch, height, width, tensor.ShapeString(rast.Shape()))
	}
	if tri.Rank() != 2 || tri.Dim(1) != 3 {
		return nil, fmt.Errorf("%w: triangles must be [T,3], got %s", ErrShapeMismatch, tensor.ShapeString(tri.Shape()))
	}
	numTri := tri.Dim(0)

	var verts int
	instanced := false
	switch {
	case pos.Rank() == 3 && pos.Dim(2) == 4:
		if pos.Dim(0) != batch {
			return nil, fmt.Errorf("%w: position batch %d against %d images", ErrShapeMismatch, pos.Dim(0), batch)
		}
		verts = pos.Dim(1)
		instanced = true
	case pos.Rank() == 2 && pos.Dim(1) == 4:
		verts = pos.Dim(0)
	default:
		return nil, fmt.Errorf("%w: positions must be [B,V,4] or [V,4], got %s", ErrShapeMismatch, tensor.ShapeString(pos.Shape()))
	}
	for i, idx := range tri.Data() {
		if idx < 0 || int(idx) >= verts {
			return nil, fmt.Errorf("%w: triangle %d references vertex %d of %d", ErrIndexOutOfRange, i/3, idx, verts)
		}
	}

	topo := opt.topo
	if topo != nil {
		if topo.triCount != numTri {
			return nil, fmt.Errorf("%w: topology built for %d triangles, list has %d", ErrShapeMismatch, topo.triCount, numTri)
		}
	} else {
		Logger().Debug("diffrast: building transient topology", "triangles", numTri)
		var err error
		topo, err = BuildTopology(tri)
		if err != nil {
			return nil, err
		}
	}

	a := &Antialiased{
		Out:     tensor.NewFloat(batch, height, width, channels),
		color:   color,
		rast:    rast,
		pos:     pos,
		tri:     tri,
		records: make([][]kernel.AARecord, batch),
		boost:   opt.boost,
	}

	pool := dispatch.Shared()
	planeC := height * width * channels
	plane4 := height * width * 4
	for b := 0; b < batch; b++ {
		k := kernel.AA{
			Color:    color.Data()[b*planeC : (b+1)*planeC],
			Rast:     rast.Data()[b*plane4 : (b+1)*plane4],
			Tri:      tri.Data(),
			Topo:     topo.topo,
			Channels: channels,
			Width:    width,
			Height:   height,
			Out:      a.Out.Data()[b*planeC : (b+1)*planeC],
		}
		if instanced {
			k.Pos = pos.Data()[b*verts*4 : (b+1)*verts*4]
		} else {
			k.Pos = pos.Data()
		}
		k.Run(pool)
		a.records[b] = k.Records
	}
	return a, nil
}

// Backward propagates blended-color gradients to the input colors and the
// clip-space positions of the silhouette edges.
//
// dOut must match Out's shape. The position gradients are scaled by the
// call's WithPositionGradientBoost factor. The recorded crossings are
// consumed; a second Backward returns ErrWorkBufferConsumed.
func (a *Antialiased) Backward(dOut *tensor.Float) (dColor, dPos *tensor.Float, err error) {
	if dOut == nil || !tensor.SameShape(dOut, a.Out) {
		return nil, nil, fmt.Errorf("%w: output gradient must match %s", ErrShapeMismatch, tensor.ShapeString(a.Out.Shape()))
	}
	a.mu.Lock()
	if a.consumed {
		a.mu.Unlock()
		return nil, nil, ErrWorkBufferConsumed
	}
	a.consumed = true
	a.mu.Unlock()

	batch := a.Out.Dim(0)
	height := a.Out.Dim(1)
	width := a.Out.Dim(2)
	channels := a.Out.Dim(3)
	instanced := a.pos.Rank() == 3
	verts := a.pos.Dim(0)
	if instanced {
		verts = a.pos.Dim(1)
	}

	dColor = a.color.ZerosLike()
	dPos = a.pos.ZerosLike()
	acc := make([]float64, verts*4)

	pool := dispatch.Shared()
	planeC := height * width * channels
	for b := 0; b < batch; b++ {
		g := kernel.AAGrad{
			Color:     a.color.Data()[b*planeC : (b+1)*planeC],
			DOut:      dOut.Data()[b*planeC : (b+1)*planeC],
			Records:   a.records[b],
			Channels:  channels,
			Width:     width,
			Height:    height,
			Boost:     float64(a.boost),
			GradColor: dColor.Data()[b*planeC : (b+1)*planeC],
			GradPos:   acc,
		}
		if instanced {
			g.Pos = a.pos.Data()[b*verts*4 : (b+1)*verts*4]
		} else {
			g.Pos = a.pos.Data()
		}
		g.Run(pool)

		if instanced {
			dst := dPos.Data()[b*verts*4 : (b+1)*verts*4]
			for i, v := range acc {
				dst[i] = float32(v)
				acc[i] = 0
			}
		}
		a.records[b] = nil
	}
	if !instanced {
		dst := dPos.Data()
		for i, v := range acc {
			dst[i] = float32(v)
		}
	}
	return dColor, dPos, nil
}
