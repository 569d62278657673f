//go:build !nogpu

// Package gpu registers the wgpu compute accelerator for GPU mip
// pyramid construction.
//
// Import this package to route supported operations through wgpu/hal
// compute shaders. Rasterization, interpolation, sampling and
// antialiasing stay on the CPU kernels either way.
//
// If GPU initialization fails (no Vulkan available), the accelerator
// registers in a declining state and all compute silently stays on the
// CPU.
//
// Usage:
//
//	import _ "github.com/gogpu/diffrast/gpu" // enable GPU compute
package gpu

import (
	"github.com/gogpu/diffrast"
	"github.com/gogpu/diffrast/backend/wgpu"
)

func init() {
	if err := diffrast.RegisterAccelerator(&wgpu.Accelerator{}); err != nil {
		diffrast.Logger().Warn("diffrast: GPU accelerator not available", "error", err)
	}
}

// SetDeviceProvider configures the registered accelerator to share a
// GPU device from an external provider (e.g., a gogpu window). This
// avoids creating a second GPU instance when the application already
// owns one.
//
// The provider must additionally implement HalDevice() any and
// HalQueue() any returning wgpu/hal types, or the accelerator keeps its
// own device.
//
// Call after importing this package and before the first pyramid build.
func SetDeviceProvider(provider diffrast.DeviceHandle) error {
	return diffrast.SetAcceleratorDeviceProvider(provider)
}
