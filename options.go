package diffrast

import "github.com/gogpu/gpucontext"

// DeviceHandle provides GPU device access from the host application.
//
// The host application (e.g., a gogpu.App) implements DeviceHandle and passes
// it to NewContext via WithDeviceProvider, allowing diffrast to run its
// compute passes on the shared GPU device instead of creating its own.
//
// DeviceHandle is an alias for gpucontext.DeviceProvider, providing a
// diffrast-specific name for the interface while maintaining full
// compatibility with the gpucontext ecosystem.
type DeviceHandle = gpucontext.DeviceProvider

// ContextOption configures a Context during creation.
// Use functional options to customize Context behavior.
//
// Example:
//
//	// Default: automatic binding, screen-space derivatives enabled.
//	ctx, err := diffrast.NewContext()
//
//	// Manual binding for interleaved rendering workloads.
//	ctx, err := diffrast.NewContext(diffrast.WithManualBinding())
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	manualBinding     bool
	screenDerivatives bool
	workers           int
	deviceProvider    DeviceHandle
}

// defaultContextOptions returns the default context options.
func defaultContextOptions() contextOptions {
	return contextOptions{
		screenDerivatives: true,
		workers:           0, // 0 selects GOMAXPROCS
	}
}

// WithManualBinding creates the context in manual binding mode.
//
// In manual mode the caller brackets rasterization calls with Acquire and
// Release, which is useful when diffrast shares a GPU device with another
// renderer and the application controls when each party may touch it. In the
// default automatic mode every operation binds and unbinds on its own.
func WithManualBinding() ContextOption {
	return func(o *contextOptions) {
		o.manualBinding = true
	}
}

// WithScreenDerivatives controls whether Rasterize produces screen-space
// barycentric derivatives alongside the coverage buffer.
//
// Derivatives default to enabled. Disabling them skips the derivative pass
// entirely; Rasterize then returns a zero-channel derivative tensor, and
// mipmap-based texture filtering cannot consume its output.
func WithScreenDerivatives(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.screenDerivatives = enabled
	}
}

// WithWorkers sets the number of worker goroutines used for CPU compute.
// Values less than 1 select runtime.GOMAXPROCS(0).
func WithWorkers(n int) ContextOption {
	return func(o *contextOptions) {
		o.workers = n
	}
}

// WithDeviceProvider supplies an external GPU device shared with the host
// application. The device is handed to the registered accelerator, if any;
// see SetAcceleratorDeviceProvider.
func WithDeviceProvider(provider DeviceHandle) ContextOption {
	return func(o *contextOptions) {
		o.deviceProvider = provider
	}
}
