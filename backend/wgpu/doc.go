// Package wgpu provides GPU compute acceleration for diffrast using
// wgpu/hal compute shaders.
//
// The accelerator offloads mip pyramid reduction to the GPU. Shaders are
// written in WGSL, compiled to SPIR-V through naga at pipeline creation,
// and dispatched over the Vulkan HAL backend. Everything else in the
// pipeline stays on the CPU kernels; results differ from the CPU path
// only by float32 rounding in the box filter.
//
// Most programs never import this package directly. Use the registration
// shim instead:
//
//	import _ "github.com/gogpu/diffrast/gpu"
//
// When no usable GPU is present the accelerator registers anyway and
// declines every operation, so the CPU kernels keep full coverage.
//
// Building with -tags nogpu removes the GPU code path entirely.
package wgpu
