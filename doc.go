// Package diffrast provides differentiable triangle rasterization for Go.
//
// # Overview
//
// diffrast is a Pure Go modular rasterization pipeline designed to
// integrate with the GoGPU ecosystem. It decomposes rendering into four
// differentiable operations: rasterization, attribute interpolation,
// texture sampling, and silhouette antialiasing. Each operation has an
// exact backward pass, so a renderer assembled from them can be fitted by
// gradient descent against image-space losses.
//
// # Quick Start
//
//	import "github.com/gogpu/diffrast"
//
//	ctx, err := diffrast.NewContext()
//	if err != nil { ... }
//	defer ctx.Close()
//
//	// Rasterize clip-space positions into a coverage buffer.
//	frags, err := ctx.Rasterize(pos, tri, diffrast.Resolution{Height: 512, Width: 512})
//
//	// Interpolate per-vertex colors at the covered pixels.
//	colors, err := diffrast.Interpolate(attr, frags.Out, tri)
//
//	// Blend silhouette edges so coverage is differentiable too.
//	img, err := diffrast.Antialias(colors.Out, frags.Out, pos, tri)
//
//	// Backward: gradient of a loss on img flows to pos and attr.
//	dColor, dPos, err := img.Backward(dLoss)
//
// # Architecture
//
// The library is organized into:
//   - Public API: Context, Fragments, Interpolated, Sampled, Antialiased
//   - tensor: dense shape-checked float32/int32 buffers
//   - internal/kernel: the forward and backward compute kernels
//   - internal/dispatch: the worker pool the kernels run on
//   - backend/wgpu: optional GPU acceleration via gogpu/wgpu
//
// # Coordinate System
//
// Uses OpenGL-style clip space and image orientation:
//   - Positions are homogeneous (x, y, z, w); screen x = (x/w+1)·W/2 − ½
//   - Image row 0 is the bottom of the frame
//   - uv (0,0) addresses the corner of texel (0,0); texel centers sit at
//     half-integer texel coordinates
//
// # Determinism
//
// All CPU kernels produce identical results for identical inputs
// regardless of worker count: forward passes write disjoint outputs,
// and gradient scatters fold per-chunk partials in a fixed order.
// Depth ties resolve to the lowest triangle index.
package diffrast

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
