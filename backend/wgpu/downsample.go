//go:build !nogpu

package wgpu

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/gogpu/diffrast"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	"honnef.co/go/safeish"
)

//go:embed shaders/downsample.wgsl
var downsampleWGSL string

// downsampleParams is the uniform block consumed by the reduction
// shader. Must match the Params struct in shaders/downsample.wgsl.
type downsampleParams struct {
	SrcWidth  uint32
	SrcHeight uint32
	DstWidth  uint32
	DstHeight uint32
	Channels  uint32
	RowElems  uint32 // DstWidth * Channels
	Pad0      uint32
	Pad1      uint32
}

const (
	// downsampleWorkgroup matches @workgroup_size in downsample.wgsl.
	downsampleWorkgroup = 64

	// downsampleMinElems keeps small planes on the CPU, where the
	// upload and fence round trip costs more than the reduction.
	downsampleMinElems = 1 << 14

	// downsampleTimeout bounds the fence wait per dispatch.
	downsampleTimeout = 5 * time.Second
)

// Downsample box-filters one mip plane into the next on the GPU.
// src is (sh, sw, nc) row-major, dst is (dh, dw, nc).
//
// Returns diffrast.ErrFallbackToCPU when no device is ready or the
// plane is too small for the round trip to pay off. Any other error
// means the dispatch itself failed.
func (a *Accelerator) Downsample(src []float32, sh, sw, nc int, dst []float32, dh, dw int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.gpuReady {
		return diffrast.ErrFallbackToCPU
	}
	if dh*dw*nc < downsampleMinElems {
		return diffrast.ErrFallbackToCPU
	}
	return a.dispatchDownsample(src, sh, sw, nc, dst, dh, dw)
}

// dispatchDownsample uploads the source plane, runs one compute pass,
// and reads the reduced plane back through a staging buffer. One submit
// and one fence wait per plane.
func (a *Accelerator) dispatchDownsample(src []float32, sh, sw, nc int, dst []float32, dh, dw int) error {
	params := downsampleParams{
		SrcWidth:  uint32(sw), //nolint:gosec // plane dims always fit uint32
		SrcHeight: uint32(sh), //nolint:gosec
		DstWidth:  uint32(dw), //nolint:gosec
		DstHeight: uint32(dh), //nolint:gosec
		Channels:  uint32(nc), //nolint:gosec
		RowElems:  uint32(dw * nc), //nolint:gosec
	}
	paramsBytes := safeish.AsBytes(&params)
	srcBytes := safeish.SliceCast[[]byte](src[:sh*sw*nc])
	dstSize := uint64(dh * dw * nc * 4)

	paramsBuf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mip_params", Size: uint64(len(paramsBytes)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create params buffer: %w", err)
	}
	defer a.device.DestroyBuffer(paramsBuf)

	srcBuf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mip_src", Size: uint64(len(srcBytes)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create src buffer: %w", err)
	}
	defer a.device.DestroyBuffer(srcBuf)

	dstBuf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mip_dst", Size: dstSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("create dst buffer: %w", err)
	}
	defer a.device.DestroyBuffer(dstBuf)

	stagingBuf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mip_staging", Size: dstSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	defer a.device.DestroyBuffer(stagingBuf)

	a.queue.WriteBuffer(paramsBuf, 0, paramsBytes)
	a.queue.WriteBuffer(srcBuf, 0, srcBytes)

	bindGroup, err := a.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: "mip_bind", Layout: a.reduceBindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: paramsBuf.NativeHandle(), Offset: 0, Size: uint64(len(paramsBytes))}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: srcBuf.NativeHandle(), Offset: 0, Size: uint64(len(srcBytes))}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: dstBuf.NativeHandle(), Offset: 0, Size: dstSize}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer a.device.DestroyBindGroup(bindGroup)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "mip_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("mip_downsample"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "mip_pass"})
	pass.SetPipeline(a.reducePipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	groupsX := (dw*nc + downsampleWorkgroup - 1) / downsampleWorkgroup
	pass.Dispatch(uint32(groupsX), uint32(dh), 1) //nolint:gosec // dims fit uint32
	pass.End()

	encoder.CopyBufferToBuffer(dstBuf, stagingBuf, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: dstSize},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer a.device.FreeCommandBuffer(cmdBuf)

	fence, err := a.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer a.device.DestroyFence(fence)
	if err := a.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fenceOK, err := a.device.Wait(fence, 1, downsampleTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("wait for GPU: ok=%v err=%w", fenceOK, err)
	}

	readback := make([]byte, dstSize)
	if err := a.queue.ReadBuffer(stagingBuf, 0, readback); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	copy(dst, safeish.SliceCast[[]float32](readback))
	return nil
}

// compileDownsampleSPIRV translates the embedded WGSL through naga into
// SPIR-V words for the Vulkan backend.
func compileDownsampleSPIRV() ([]uint32, error) {
	spirvBytes, err := naga.Compile(downsampleWGSL)
	if err != nil {
		return nil, fmt.Errorf("compile downsample shader: %w", err)
	}
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

// createPipelines builds the reduction pipeline on a.device.
func (a *Accelerator) createPipelines() error {
	spirv, err := compileDownsampleSPIRV()
	if err != nil {
		return err
	}
	shader, err := a.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "mip_downsample",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}
	a.reduceShader = shader

	bindLayout, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "mip_downsample_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{
				Type:           gputypes.BufferBindingTypeUniform,
				MinBindingSize: 32, // sizeof(downsampleParams)
			}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{
				Type: gputypes.BufferBindingTypeReadOnlyStorage,
			}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{
				Type: gputypes.BufferBindingTypeStorage,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	a.reduceBindLayout = bindLayout

	pipeLayout, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "mip_downsample_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{a.reduceBindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	a.reducePipeLayout = pipeLayout

	pipeline, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "mip_downsample_pipeline",
		Layout:  a.reducePipeLayout,
		Compute: hal.ComputeState{Module: a.reduceShader, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	a.reducePipeline = pipeline
	return nil
}
