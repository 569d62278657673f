package diffrast

import (
	"errors"
	"sync"
)

// ErrFallbackToCPU indicates the GPU accelerator cannot handle this
// operation. The caller should transparently fall back to the CPU
// compute path.
var ErrFallbackToCPU = errors.New("diffrast: falling back to CPU compute")

// AcceleratedOp describes operation types for GPU capability checking.
type AcceleratedOp uint32

const (
	// AccelDownsample represents mip pyramid level construction.
	AccelDownsample AcceleratedOp = 1 << iota

	// AccelRasterize represents triangle coverage and depth resolve.
	AccelRasterize

	// AccelTexture represents filtered texture sampling.
	AccelTexture

	// AccelAntialias represents silhouette edge blending.
	AccelAntialias
)

// Accelerator is an optional GPU compute provider.
//
// When registered via RegisterAccelerator, pyramid construction tries the
// accelerator first for supported operations. If the accelerator returns
// ErrFallbackToCPU or any error, the computation transparently falls back
// to the CPU kernels.
//
// Implementations are provided by backend packages (backend/wgpu).
// Users opt in via blank import:
//
//	import _ "github.com/gogpu/diffrast/gpu" // enables GPU compute
type Accelerator interface {
	// Name returns the accelerator name (e.g., "wgpu", "vulkan").
	Name() string

	// Init initializes GPU resources. Called once during registration.
	Init() error

	// Close releases GPU resources.
	Close()

	// CanAccelerate reports whether the accelerator supports the given
	// operation. This is a fast check used to skip the GPU entirely for
	// unsupported operations.
	CanAccelerate(op AcceleratedOp) bool

	// Downsample box-filters one mip level into the next. src is
	// (sh, sw, nc) row-major, dst is (dh, dw, nc) with the floor-halved
	// dimensions. Returns ErrFallbackToCPU if the shape cannot be
	// dispatched.
	Downsample(src []float32, sh, sw, nc int, dst []float32, dh, dw int) error
}

// DeviceProviderAware is an optional interface for accelerators that can
// share GPU resources with an external provider (e.g., a gogpu window).
// When SetDeviceProvider is called, the accelerator reuses the provided
// GPU device instead of creating its own.
type DeviceProviderAware interface {
	SetDeviceProvider(provider any) error
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator registers a GPU accelerator for optional GPU compute.
//
// Only one accelerator can be registered. Subsequent calls replace the
// previous one. The accelerator's Init() method is called during
// registration. If Init() fails, the accelerator is not registered and the
// error is returned.
//
// Typical usage via blank import in GPU backend packages:
//
//	func init() {
//	    diffrast.RegisterAccelerator(NewAccelerator())
//	}
func RegisterAccelerator(a Accelerator) error {
	if a == nil {
		return errors.New("diffrast: accelerator must not be nil")
	}
	propagateLogger(a, Logger())
	if err := a.Init(); err != nil {
		return err
	}
	accelMu.Lock()
	old := accel
	accel = a
	accelMu.Unlock()
	if old != nil {
		old.Close()
	}
	Logger().Info("diffrast: accelerator registered", "name", a.Name())
	return nil
}

// RegisteredAccelerator returns the currently registered GPU accelerator,
// or nil if none.
func RegisteredAccelerator() Accelerator {
	accelMu.RLock()
	a := accel
	accelMu.RUnlock()
	return a
}

// CloseAccelerator releases the registered GPU accelerator, if any.
// Call at application shutdown; contexts keep working on the CPU path.
func CloseAccelerator() {
	accelMu.Lock()
	old := accel
	accel = nil
	accelMu.Unlock()
	if old != nil {
		old.Close()
		Logger().Debug("diffrast: accelerator closed", "name", old.Name())
	}
}

// SetAcceleratorDeviceProvider passes a device provider to the registered
// accelerator, enabling GPU device sharing. If no accelerator is
// registered or it doesn't support device sharing, this is a no-op.
//
// The provider should implement HalDevice() any and HalQueue() any methods
// that return wgpu/hal types; see gpucontext.DeviceProvider.
func SetAcceleratorDeviceProvider(provider any) error {
	a := RegisteredAccelerator()
	if a == nil {
		return nil
	}
	if dpa, ok := a.(DeviceProviderAware); ok {
		return dpa.SetDeviceProvider(provider)
	}
	return nil
}
