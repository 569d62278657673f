package diffrast

import (
	"errors"
	"fmt"

	"github.com/gogpu/diffrast/internal/dispatch"
	"github.com/gogpu/diffrast/internal/kernel"
	"github.com/gogpu/diffrast/tensor"
)

// FilterMode selects the texture sampling filter.
type FilterMode int32

const (
	// FilterNearest takes the single nearest texel.
	FilterNearest FilterMode = iota

	// FilterLinear bilinearly blends the four surrounding texels.
	FilterLinear

	// FilterLinearMipmapNearest bilinearly samples the mip level
	// nearest to the footprint.
	FilterLinearMipmapNearest

	// FilterLinearMipmapLinear blends bilinear samples from the two
	// mip levels bracketing the footprint.
	FilterLinearMipmapLinear
)

// FilterAuto resolves to FilterLinearMipmapLinear when uv derivatives are
// supplied and FilterLinear otherwise.
const FilterAuto FilterMode = -1

func (m FilterMode) String() string {
	switch m {
	case FilterNearest:
		return "nearest"
	case FilterLinear:
		return "linear"
	case FilterLinearMipmapNearest:
		return "linear-mipmap-nearest"
	case FilterLinearMipmapLinear:
		return "linear-mipmap-linear"
	case FilterAuto:
		return "auto"
	}
	return fmt.Sprintf("FilterMode(%d)", int32(m))
}

// mipmapped reports whether the mode samples beyond the base level.
func (m FilterMode) mipmapped() bool {
	return m == FilterLinearMipmapNearest || m == FilterLinearMipmapLinear
}

// BoundaryMode selects how taps outside the texture are resolved.
type BoundaryMode int32

const (
	// BoundaryCube treats the texture as a cube map indexed by
	// direction vectors; seam taps resolve across face edges.
	BoundaryCube BoundaryMode = iota

	// BoundaryWrap repeats the texture (floored modulo).
	BoundaryWrap

	// BoundaryClamp clamps taps to the edge texels.
	BoundaryClamp

	// BoundaryZero makes outside taps contribute nothing, to values or
	// gradients.
	BoundaryZero
)

func (m BoundaryMode) String() string {
	switch m {
	case BoundaryCube:
		return "cube"
	case BoundaryWrap:
		return "wrap"
	case BoundaryClamp:
		return "clamp"
	case BoundaryZero:
		return "zero"
	}
	return fmt.Sprintf("BoundaryMode(%d)", int32(m))
}

// MipPyramid holds the reduced levels of a texture, built once and shared
// across Texture calls. The base level always comes from the texture
// tensor passed to Texture, so editing the base between calls requires no
// rebuild of the handle itself; the reduced levels are snapshots.
type MipPyramid struct {
	cube     bool
	batch    int
	channels int
	dims     [][2]int      // (h, w) per level; level 0 describes the base
	mips     [][][]float32 // [level-1][batch] planes; the base is not stored
}

// Levels returns the number of pyramid levels including the base.
func (p *MipPyramid) Levels() int { return len(p.mips) + 1 }

// Cube reports whether the pyramid was built from a cube texture.
func (p *MipPyramid) Cube() bool { return p.cube }

// mipChain returns the level dimensions for a base of (h, w), floor
// halving both axes down to one texel, capped at maxLevel+1 levels when
// maxLevel is non-negative.
func mipChain(h, w, maxLevel int) [][2]int {
	dims := [][2]int{{h, w}}
	for h > 1 || w > 1 {
		h, w = kernel.MipDims(h, w)
		dims = append(dims, [2]int{h, w})
	}
	if maxLevel >= 0 && len(dims) > maxLevel+1 {
		dims = dims[:maxLevel+1]
	}
	return dims
}

// downsamplePlane reduces one level into the next, through the registered
// accelerator when possible. gpuOK gates retries, so one decline or
// failure routes the rest of the build to the CPU kernels.
func downsamplePlane(pool *dispatch.Pool, src []float32, sh, sw, nc int, dst []float32, dh, dw int, gpuOK *bool) {
	if *gpuOK {
		a := RegisteredAccelerator()
		if a != nil && a.CanAccelerate(AccelDownsample) {
			switch err := a.Downsample(src, sh, sw, nc, dst, dh, dw); {
			case err == nil:
				return
			case errors.Is(err, ErrFallbackToCPU):
				Logger().Debug("diffrast: accelerator declined downsample",
					"accelerator", a.Name(), "h", dh, "w", dw)
				*gpuOK = false
			default:
				Logger().Warn("diffrast: accelerator downsample failed, using CPU", "error", err)
				*gpuOK = false
			}
		} else {
			*gpuOK = false
		}
	}
	kernel.Downsample(pool, src, sh, sw, nc, dst, dh, dw)
}

// BuildMipPyramid reduces a texture into a reusable mip pyramid.
//
// tex is [B,H,W,C], or [B,6,N,N,C] with cube set. maxLevel caps the chain
// (0 keeps only the base); negative means unlimited, down to one texel.
// Non-square and non-power-of-two 2D textures floor-halve per axis.
func BuildMipPyramid(tex *tensor.Float, maxLevel int, cube bool) (*MipPyramid, error) {
	if cube {
		if tex.Rank() != 5 || tex.Dim(1) != 6 || tex.Dim(2) != tex.Dim(3) {
			return nil, fmt.Errorf("%w: cube texture must be [B,6,N,N,C], got %s", ErrNotCubeTexture, tensor.ShapeString(tex.Shape()))
		}
	} else if tex.Rank() != 4 {
		return nil, fmt.Errorf("%w: texture must be [B,H,W,C], got %s", ErrShapeMismatch, tensor.ShapeString(tex.Shape()))
	}

	batch := tex.Dim(0)
	var height, width, channels int
	if cube {
		height, width, channels = tex.Dim(2), tex.Dim(3), tex.Dim(4)
	} else {
		height, width, channels = tex.Dim(1), tex.Dim(2), tex.Dim(3)
	}

	p := &MipPyramid{
		cube:     cube,
		batch:    batch,
		channels: channels,
		dims:     mipChain(height, width, maxLevel),
	}

	faces := 1
	if cube {
		faces = 6
	}
	pool := dispatch.Shared()
	gpuOK := true
	base := height * width * faces * channels
	for l := 1; l < len(p.dims); l++ {
		sh, sw := p.dims[l-1][0], p.dims[l-1][1]
		dh, dw := p.dims[l][0], p.dims[l][1]
		planes := make([][]float32, batch)
		for b := 0; b < batch; b++ {
			src := tex.Data()[b*base : (b+1)*base]
			if l > 1 {
				src = p.mips[l-2][b]
			}
			dst := make([]float32, dh*dw*faces*channels)
			for f := 0; f < faces; f++ {
				downsamplePlane(pool,
					src[f*sh*sw*channels:(f+1)*sh*sw*channels], sh, sw, channels,
					dst[f*dh*dw*channels:(f+1)*dh*dw*channels], dh, dw, &gpuOK)
			}
			planes[b] = dst
		}
		p.mips = append(p.mips, planes)
	}
	return p, nil
}

// TextureOption configures a single Texture call.
type TextureOption func(*textureOptions)

type textureOptions struct {
	filter   FilterMode
	boundary BoundaryMode
	uvDA     *tensor.Float
	pyramid  *MipPyramid
	maxLevel int
	maxSet   bool
}

func defaultTextureOptions() textureOptions {
	return textureOptions{
		filter:   FilterAuto,
		boundary: BoundaryWrap,
		maxLevel: -1,
	}
}

// WithFilter selects the sampling filter. Defaults to FilterAuto.
func WithFilter(m FilterMode) TextureOption {
	return func(o *textureOptions) {
		o.filter = m
	}
}

// WithBoundary selects the boundary mode. Defaults to BoundaryWrap;
// BoundaryCube switches the whole call to cube sampling.
func WithBoundary(m BoundaryMode) TextureOption {
	return func(o *textureOptions) {
		o.boundary = m
	}
}

// WithUVDerivatives supplies screen-space uv derivatives, [B,H,W,4] for
// 2D sampling or [B,H,W,6] for cube sampling, as produced by Interpolate.
// Required by the mipmapped filters, which size the footprint from them.
func WithUVDerivatives(da *tensor.Float) TextureOption {
	return func(o *textureOptions) {
		o.uvDA = da
	}
}

// WithPyramid samples against a prebuilt mip pyramid instead of building
// a transient one per call.
func WithPyramid(p *MipPyramid) TextureOption {
	return func(o *textureOptions) {
		o.pyramid = p
	}
}

// WithMaxMipLevel caps mip level selection at n. n must be non-negative;
// 0 confines sampling to the base level, degrading mipmapped filters to
// FilterLinear.
func WithMaxMipLevel(n int) TextureOption {
	return func(o *textureOptions) {
		o.maxLevel = n
		o.maxSet = true
	}
}

// Sampled is the output of Texture and the entry point for its backward
// pass.
type Sampled struct {
	// Out holds the filtered samples [B,H,W,C].
	Out *tensor.Float

	tex      *tensor.Float
	uv       *tensor.Float
	uvDA     *tensor.Float
	pyramid  *MipPyramid // nil when only the base level is sampled
	dims     [][2]int
	filter   FilterMode // resolved filter actually sampled with
	boundary BoundaryMode
	cube     bool
	levels   int
}

// Texture samples a texture at per-pixel uv coordinates.
//
// tex is [B,H,W,C] for 2D sampling, or [B,6,N,N,C] with BoundaryCube for
// cube sampling; a texture batch of 1 broadcasts across the uv batch. uv
// is [B,H,W,2], or [B,H,W,3] direction vectors for cube sampling. Output
// resolution follows uv.
func Texture(tex, uv *tensor.Float, opts ...TextureOption) (*Sampled, error) {
	opt := defaultTextureOptions()
	for _, o := range opts {
		o(&opt)
	}

	if opt.boundary < BoundaryCube || opt.boundary > BoundaryZero {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBoundaryMode, int32(opt.boundary))
	}
	cube := opt.boundary == BoundaryCube
	if cube {
		if tex.Rank() != 5 || tex.Dim(1) != 6 || tex.Dim(2) != tex.Dim(3) {
			return nil, fmt.Errorf("%w: cube boundary needs a [B,6,N,N,C] texture, got %s", ErrNotCubeTexture, tensor.ShapeString(tex.Shape()))
		}
	} else {
		if tex.Rank() == 5 {
			return nil, fmt.Errorf("%w: cube texture sampled with %v boundary", ErrNotCubeTexture, opt.boundary)
		}
		if tex.Rank() != 4 {
			return nil, fmt.Errorf("%w: texture must be [B,H,W,C], got %s", ErrShapeMismatch, tensor.ShapeString(tex.Shape()))
		}
	}

	uvCh := 2
	if cube {
		uvCh = 3
	}
	if uv.Rank() != 4 || uv.Dim(3) != uvCh {
		return nil, fmt.Errorf("%w: uv must be [B,H,W,%d], got %s", ErrShapeMismatch, uvCh, tensor.ShapeString(uv.Shape()))
	}
	batch := uv.Dim(0)
	height := uv.Dim(1)
	width := uv.Dim(2)

	texBatch := tex.Dim(0)
	if texBatch != batch && texBatch != 1 {
		return nil, fmt.Errorf("%w: texture batch %d does not broadcast to %d images", ErrShapeMismatch, texBatch, batch)
	}
	var texH, texW, channels int
	if cube {
		texH, texW, channels = tex.Dim(2), tex.Dim(3), tex.Dim(4)
	} else {
		texH, texW, channels = tex.Dim(1), tex.Dim(2), tex.Dim(3)
	}

	haveDA := opt.uvDA != nil && opt.uvDA.Len() > 0
	filter := opt.filter
	if filter == FilterAuto {
		if haveDA {
			filter = FilterLinearMipmapLinear
		} else {
			filter = FilterLinear
		}
	}
	if filter < FilterNearest || filter > FilterLinearMipmapLinear {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFilterMode, int32(opt.filter))
	}
	if filter.mipmapped() && !haveDA {
		return nil, fmt.Errorf("%w: %v", ErrMipWithoutDerivatives, filter)
	}
	if opt.maxSet && opt.maxLevel < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadMipLevel, opt.maxLevel)
	}
	if opt.maxSet && opt.maxLevel == 0 && filter.mipmapped() {
		// A one-level pyramid cannot express a footprint; sample the
		// base bilinearly like the original does.
		filter = FilterLinear
	}

	daCh := 4
	if cube {
		daCh = 6
	}
	var uvDA *tensor.Float
	if filter.mipmapped() {
		uvDA = opt.uvDA
		if !uvDA.ShapeIs(batch, height, width, daCh) {
			return nil, fmt.Errorf("%w: uv derivatives must be [%d,%d,%d,%d], got %s", ErrShapeMismatch, batch, height, width, daCh, tensor.ShapeString(uvDA.Shape()))
		}
	}

	var pyr *MipPyramid
	levels := 1
	if filter.mipmapped() {
		pyr = opt.pyramid
		if pyr != nil {
			if pyr.cube != cube || pyr.channels != channels || pyr.batch != texBatch ||
				pyr.dims[0][0] != texH || pyr.dims[0][1] != texW {
				return nil, fmt.Errorf("%w: pyramid was built for a different texture", ErrShapeMismatch)
			}
		} else {
			Logger().Debug("diffrast: building transient mip pyramid",
				"height", texH, "width", texW, "cube", cube)
			var err error
			pyr, err = BuildMipPyramid(tex, opt.maxLevel, cube)
			if err != nil {
				return nil, err
			}
		}
		levels = pyr.Levels()
		if opt.maxSet && levels > opt.maxLevel+1 {
			levels = opt.maxLevel + 1
		}
	}

	dims := mipChain(texH, texW, levels-1)

	s := &Sampled{
		Out:      tensor.NewFloat(batch, height, width, channels),
		tex:      tex,
		uv:       uv,
		uvDA:     uvDA,
		pyramid:  pyr,
		dims:     dims,
		filter:   filter,
		boundary: opt.boundary,
		cube:     cube,
		levels:   levels,
	}

	pool := dispatch.Shared()
	planeC := height * width * channels
	planeUV := height * width * uvCh
	planeDA := height * width * daCh
	for b := 0; b < batch; b++ {
		tb := b
		if texBatch == 1 {
			tb = 0
		}
		if cube {
			k := kernel.TextureCube{
				Levels:      s.levelPlanes(tb),
				Dims:        s.cubeEdges(),
				Channels:    channels,
				Filter:      int(filter),
				MaxLevelIdx: levels - 1,
				UV:          uv.Data()[b*planeUV : (b+1)*planeUV],
				Width:       width,
				Height:      height,
				Out:         s.Out.Data()[b*planeC : (b+1)*planeC],
			}
			if uvDA != nil {
				k.UVDA = uvDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			k.Run(pool)
		} else {
			k := kernel.Texture2D{
				Levels:      s.levelPlanes(tb),
				Dims:        dims,
				Channels:    channels,
				Filter:      int(filter),
				Boundary:    int(opt.boundary),
				MaxLevelIdx: levels - 1,
				UV:          uv.Data()[b*planeUV : (b+1)*planeUV],
				Width:       width,
				Height:      height,
				Out:         s.Out.Data()[b*planeC : (b+1)*planeC],
			}
			if uvDA != nil {
				k.UVDA = uvDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			k.Run(pool)
		}
	}
	return s, nil
}

// levelPlanes assembles the per-level data slices for one texture batch
// index: the base straight from the texture tensor, deeper levels from
// the pyramid.
func (s *Sampled) levelPlanes(tb int) [][]float32 {
	faces := 1
	if s.cube {
		faces = 6
	}
	base := s.dims[0][0] * s.dims[0][1] * faces * s.texChannels()
	planes := make([][]float32, s.levels)
	planes[0] = s.tex.Data()[tb*base : (tb+1)*base]
	for l := 1; l < s.levels; l++ {
		planes[l] = s.pyramid.mips[l-1][tb]
	}
	return planes
}

func (s *Sampled) texChannels() int {
	return s.tex.Dim(s.tex.Rank() - 1)
}

// cubeEdges flattens the square level dims to the edge lengths the cube
// kernels take.
func (s *Sampled) cubeEdges() []int {
	edges := make([]int, s.levels)
	for l := 0; l < s.levels; l++ {
		edges[l] = s.dims[l][0]
	}
	return edges
}

// Backward propagates sample gradients to the texture, and where the
// filter depends on them, to the uv coordinates and their derivatives.
//
// dOut must match Out's shape. dUV is nil for FilterNearest; dUVDA is
// non-nil only for FilterLinearMipmapLinear. Gradients that arrived at
// reduced pyramid levels are folded back onto the base texture through
// the transposed box filter, so dTex always matches the texture tensor.
// A broadcast texture accumulates gradients across the whole batch.
// Backward may be called repeatedly.
func (s *Sampled) Backward(dOut *tensor.Float) (dTex, dUV, dUVDA *tensor.Float, err error) {
	if dOut == nil || !tensor.SameShape(dOut, s.Out) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient must match %s", ErrShapeMismatch, tensor.ShapeString(s.Out.Shape()))
	}

	batch := s.Out.Dim(0)
	height := s.Out.Dim(1)
	width := s.Out.Dim(2)
	channels := s.Out.Dim(3)
	texBatch := s.tex.Dim(0)
	faces := 1
	uvCh := 2
	daCh := 4
	if s.cube {
		faces = 6
		uvCh = 3
		daCh = 6
	}

	dTex = s.tex.ZerosLike()
	if s.filter != FilterNearest {
		dUV = s.uv.ZerosLike()
	}
	if s.filter == FilterLinearMipmapLinear {
		dUVDA = s.uvDA.ZerosLike()
	}

	grad := make([][]float64, s.levels)
	for l := range grad {
		grad[l] = make([]float64, s.dims[l][0]*s.dims[l][1]*faces*channels)
	}

	pool := dispatch.Shared()
	planeC := height * width * channels
	planeUV := height * width * uvCh
	planeDA := height * width * daCh
	fold := func(tb int) {
		for l := s.levels - 1; l >= 1; l-- {
			sh, sw := s.dims[l-1][0], s.dims[l-1][1]
			dh, dw := s.dims[l][0], s.dims[l][1]
			for f := 0; f < faces; f++ {
				kernel.DownsampleGrad(pool,
					grad[l][f*dh*dw*channels:(f+1)*dh*dw*channels], dh, dw, channels,
					grad[l-1][f*sh*sw*channels:(f+1)*sh*sw*channels], sh, sw)
			}
		}
		dst := dTex.Data()[tb*len(grad[0]) : (tb+1)*len(grad[0])]
		for i, v := range grad[0] {
			dst[i] = float32(v)
		}
		for l := range grad {
			for i := range grad[l] {
				grad[l][i] = 0
			}
		}
	}

	for b := 0; b < batch; b++ {
		tb := b
		if texBatch == 1 {
			tb = 0
		}
		if s.cube {
			g := kernel.TextureCubeGrad{
				Levels:      s.levelPlanes(tb),
				Dims:        s.cubeEdges(),
				Channels:    channels,
				Filter:      int(s.filter),
				MaxLevelIdx: s.levels - 1,
				UV:          s.uv.Data()[b*planeUV : (b+1)*planeUV],
				Width:       width,
				Height:      height,
				DOut:        dOut.Data()[b*planeC : (b+1)*planeC],
				GradLevels:  grad,
			}
			if s.uvDA != nil {
				g.UVDA = s.uvDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			if dUV != nil {
				g.GradUV = dUV.Data()[b*planeUV : (b+1)*planeUV]
			}
			if dUVDA != nil {
				g.GradUVDA = dUVDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			g.Run(pool)
		} else {
			g := kernel.Texture2DGrad{
				Levels:      s.levelPlanes(tb),
				Dims:        s.dims,
				Channels:    channels,
				Filter:      int(s.filter),
				Boundary:    int(s.boundary),
				MaxLevelIdx: s.levels - 1,
				UV:          s.uv.Data()[b*planeUV : (b+1)*planeUV],
				Width:       width,
				Height:      height,
				DOut:        dOut.Data()[b*planeC : (b+1)*planeC],
				GradLevels:  grad,
			}
			if s.uvDA != nil {
				g.UVDA = s.uvDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			if dUV != nil {
				g.GradUV = dUV.Data()[b*planeUV : (b+1)*planeUV]
			}
			if dUVDA != nil {
				g.GradUVDA = dUVDA.Data()[b*planeDA : (b+1)*planeDA]
			}
			g.Run(pool)
		}

		if texBatch != 1 {
			fold(tb)
		}
	}
	if texBatch == 1 {
		fold(0)
	}
	return dTex, dUV, dUVDA, nil
}
