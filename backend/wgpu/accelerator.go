//go:build !nogpu

package wgpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/diffrast"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Accelerator dispatches mip pyramid reduction to the GPU through
// wgpu/hal compute shaders. It implements the diffrast.Accelerator
// interface.
//
// The zero value is ready to register. Init brings up a Vulkan device;
// when none is available the accelerator stays registered but declines
// every call with diffrast.ErrFallbackToCPU.
type Accelerator struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// Reduction pipeline (used by Downsample).
	reduceShader     hal.ShaderModule
	reduceBindLayout hal.BindGroupLayout
	reducePipeLayout hal.PipelineLayout
	reducePipeline   hal.ComputePipeline

	logger *slog.Logger

	gpuReady       bool
	externalDevice bool // true when using a shared device (don't destroy on Close)
}

var (
	_ diffrast.Accelerator         = (*Accelerator)(nil)
	_ diffrast.DeviceProviderAware = (*Accelerator)(nil)
)

func (a *Accelerator) Name() string { return "wgpu" }

func (a *Accelerator) CanAccelerate(op diffrast.AcceleratedOp) bool {
	return op&diffrast.AccelDownsample != 0
}

// SetLogger routes accelerator logs through l. diffrast calls this on
// registration and whenever the package logger changes.
func (a *Accelerator) SetLogger(l *slog.Logger) {
	a.mu.Lock()
	a.logger = l
	a.mu.Unlock()
}

func (a *Accelerator) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return diffrast.Logger()
}

// Init brings up the GPU. A missing or failing device is not an error:
// the accelerator registers anyway and declines per call, keeping the
// CPU kernels in charge.
func (a *Accelerator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initGPU(); err != nil {
		a.log().Warn("wgpu: GPU init failed, compute stays on CPU", "error", err)
	}
	return nil
}

func (a *Accelerator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyPipelines()
	if !a.externalDevice {
		if a.device != nil {
			a.device.Destroy()
			a.device = nil
		}
		if a.instance != nil {
			a.instance.Destroy()
			a.instance = nil
		}
	} else {
		// Shared resources belong to the provider.
		a.device = nil
		a.instance = nil
	}
	a.queue = nil
	a.gpuReady = false
	a.externalDevice = false
}

// SetDeviceProvider switches the accelerator onto a shared GPU device
// from an external provider (e.g., a gogpu window). The provider must
// implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue.
func (a *Accelerator) SetDeviceProvider(provider any) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Release own resources before adopting the shared ones.
	a.destroyPipelines()
	if !a.externalDevice && a.device != nil {
		a.device.Destroy()
	}
	if a.instance != nil {
		a.instance.Destroy()
		a.instance = nil
	}

	a.device = device
	a.queue = queue
	a.externalDevice = true

	if err := a.createPipelines(); err != nil {
		a.gpuReady = false
		return fmt.Errorf("wgpu: create pipelines with shared device: %w", err)
	}
	a.gpuReady = true
	a.log().Info("wgpu: using shared GPU device")
	return nil
}

func (a *Accelerator) initGPU() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	a.instance = instance
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	a.device = openDev.Device
	a.queue = openDev.Queue
	if err := a.createPipelines(); err != nil {
		a.device.Destroy()
		a.device = nil
		a.queue = nil
		return fmt.Errorf("create pipelines: %w", err)
	}
	a.gpuReady = true
	a.log().Info("wgpu: GPU accelerator initialized", "adapter", selected.Info.Name)
	return nil
}

func (a *Accelerator) destroyPipelines() {
	if a.device == nil {
		return
	}
	if a.reducePipeline != nil {
		a.device.DestroyComputePipeline(a.reducePipeline)
		a.reducePipeline = nil
	}
	if a.reducePipeLayout != nil {
		a.device.DestroyPipelineLayout(a.reducePipeLayout)
		a.reducePipeLayout = nil
	}
	if a.reduceBindLayout != nil {
		a.device.DestroyBindGroupLayout(a.reduceBindLayout)
		a.reduceBindLayout = nil
	}
	if a.reduceShader != nil {
		a.device.DestroyShaderModule(a.reduceShader)
		a.reduceShader = nil
	}
}
