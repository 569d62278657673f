package diffrast

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/diffrast/tensor"
)

// newTestContext creates a context and registers cleanup.
func newTestContext(t *testing.T, opts ...ContextOption) *Context {
	t.Helper()
	ctx, err := NewContext(opts...)
	if err != nil {
		t.Fatalf("NewContext() = %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

// smallScene returns a triangle covering the lower-left of the frame.
func smallScene(t *testing.T) (*tensor.Float, *tensor.Int) {
	t.Helper()
	pos, err := tensor.FloatFrom([]float32{
		-0.8, -0.8, 0, 1,
		0.8, -0.8, 0, 1,
		-0.8, 0.8, 0, 1,
	}, 1, 3, 4)
	if err != nil {
		t.Fatalf("FloatFrom() = %v", err)
	}
	tri, err := tensor.IntFrom([]int32{0, 1, 2}, 1, 3)
	if err != nil {
		t.Fatalf("IntFrom() = %v", err)
	}
	return pos, tri
}

func TestContextAutomaticBindingRejectsAcquire(t *testing.T) {
	ctx := newTestContext(t)

	if err := ctx.Acquire(); !errors.Is(err, ErrAutomaticMode) {
		t.Errorf("Acquire() = %v, want ErrAutomaticMode", err)
	}
	if err := ctx.Release(); !errors.Is(err, ErrAutomaticMode) {
		t.Errorf("Release() = %v, want ErrAutomaticMode", err)
	}

	// Operations bind on their own in automatic mode.
	pos, tri := smallScene(t)
	if _, err := ctx.Rasterize(pos, tri, Resolution{Height: 4, Width: 4}); err != nil {
		t.Errorf("Rasterize() = %v in automatic mode", err)
	}
}

func TestContextManualBindingStateMachine(t *testing.T) {
	ctx := newTestContext(t, WithManualBinding())
	pos, tri := smallScene(t)
	res := Resolution{Height: 4, Width: 4}

	if _, err := ctx.Rasterize(pos, tri, res); !errors.Is(err, ErrContextNotBound) {
		t.Fatalf("Rasterize() unbound = %v, want ErrContextNotBound", err)
	}
	if err := ctx.Acquire(); err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := ctx.Acquire(); !errors.Is(err, ErrContextBound) {
		t.Fatalf("second Acquire() = %v, want ErrContextBound", err)
	}
	if _, err := ctx.Rasterize(pos, tri, res); err != nil {
		t.Fatalf("Rasterize() bound = %v", err)
	}
	if err := ctx.Release(); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if err := ctx.Release(); !errors.Is(err, ErrContextNotBound) {
		t.Fatalf("second Release() = %v, want ErrContextNotBound", err)
	}
}

func TestContextCloseIdempotent(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext() = %v", err)
	}
	pos, tri := smallScene(t)
	frags, err := ctx.Rasterize(pos, tri, Resolution{Height: 4, Width: 4})
	if err != nil {
		t.Fatalf("Rasterize() = %v", err)
	}

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := ctx.Close(); !errors.Is(err, ErrContextClosed) {
		t.Fatalf("second Close() = %v, want ErrContextClosed", err)
	}

	if _, err := ctx.Rasterize(pos, tri, Resolution{Height: 4, Width: 4}); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Rasterize() after close = %v, want ErrContextClosed", err)
	}
	if err := ctx.Acquire(); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Acquire() after close = %v, want ErrContextClosed", err)
	}
	if _, err := frags.Backward(frags.Out.ZerosLike(), nil); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Backward() after close = %v, want ErrContextClosed", err)
	}
}

func TestContextWithWorkers(t *testing.T) {
	ctx := newTestContext(t, WithWorkers(3))
	if got := ctx.pool.Workers(); got != 3 {
		t.Errorf("pool workers = %d, want 3", got)
	}
}

func TestContextScratchPlaneReuse(t *testing.T) {
	ctx := newTestContext(t)

	a := ctx.planes(16, 16)
	b := ctx.planes(16, 16)
	if a != b {
		t.Error("same resolution should reuse scratch planes")
	}
	c := ctx.planes(16, 32)
	if c == a {
		t.Error("different resolution must not share scratch planes")
	}
	if len(c.depth) != 16*32 || len(c.tri) != 16*32 {
		t.Errorf("scratch sized %d/%d, want %d", len(c.depth), len(c.tri), 16*32)
	}
}

func TestContextConcurrentRasterize(t *testing.T) {
	ctx := newTestContext(t)
	pos, tri := smallScene(t)
	res := Resolution{Height: 8, Width: 8}

	want, err := ctx.Rasterize(pos, tri, res)
	if err != nil {
		t.Fatalf("Rasterize() = %v", err)
	}

	const goroutines = 8
	results := make([]*Fragments, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := ctx.Rasterize(pos, tri, res)
			if err != nil {
				t.Errorf("concurrent Rasterize() = %v", err)
				return
			}
			results[i] = f
		}()
	}
	wg.Wait()

	for i, f := range results {
		if f == nil {
			continue
		}
		for j, v := range f.Out.Data() {
			if v != want.Out.Data()[j] {
				t.Fatalf("goroutine %d pixel word %d = %v, want %v", i, j, v, want.Out.Data()[j])
			}
		}
	}
}

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

// mockQueue implements gpucontext.Queue for testing.
type mockQueue struct{}

// mockAdapter implements gpucontext.Adapter for testing.
type mockAdapter struct{}

// mockProvider implements DeviceHandle for testing.
type mockProvider struct{}

func (m *mockProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// rejectingAccel refuses any shared device.
type rejectingAccel struct {
	mockAccelerator
	rejectErr error
}

func (r *rejectingAccel) SetDeviceProvider(provider any) error { return r.rejectErr }

func TestNewContextWithDeviceProvider(t *testing.T) {
	resetAccelerator()
	t.Cleanup(resetAccelerator)

	// Without an accelerator the provider is accepted and unused.
	ctx, err := NewContext(WithDeviceProvider(&mockProvider{}))
	if err != nil {
		t.Fatalf("NewContext() = %v with no accelerator", err)
	}
	ctx.Close()

	// An accelerator that rejects the device fails context creation.
	rejected := errors.New("wrong backend")
	if err := RegisterAccelerator(&rejectingAccel{
		mockAccelerator: mockAccelerator{name: "picky"},
		rejectErr:       rejected,
	}); err != nil {
		t.Fatalf("RegisterAccelerator() = %v", err)
	}
	if _, err := NewContext(WithDeviceProvider(&mockProvider{})); !errors.Is(err, rejected) {
		t.Fatalf("NewContext() = %v, want device rejection", err)
	}
}
