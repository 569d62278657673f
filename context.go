package diffrast

import (
	"io"
	"runtime"
	"sync"

	"github.com/gogpu/diffrast/internal/cache"
	"github.com/gogpu/diffrast/internal/dispatch"
)

// Context owns the resources shared by the rasterization operations: the
// worker pool for CPU compute, the dispatch thread that serializes device
// access, and per-resolution scratch planes reused across Rasterize calls.
// Context implements io.Closer for proper resource cleanup.
//
// A Context is safe for concurrent use; operations submitted from multiple
// goroutines execute one at a time on the dispatch thread.
type Context struct {
	pool *dispatch.Pool

	// Dispatch loop. Operations run one at a time on a locked OS thread
	// so an accelerator sees a stable submission thread.
	work     chan func()
	loopDone chan struct{}

	// runMu serializes submission against Close. Submitters hold the
	// read side for a full dispatch; Close takes the write side.
	runMu  sync.RWMutex
	closed bool

	// Binding state machine, used in manual mode.
	stateMu sync.Mutex
	bound   bool

	manual      bool
	derivatives bool

	scratch *cache.Sharded[uint64, *scratchPlanes]
}

// scratchPlanes holds the per-resolution working buffers of the coverage
// pass. Reuse is safe because the dispatch loop runs one operation at a
// time.
type scratchPlanes struct {
	depth []float32
	tri   []int32
}

// Ensure Context implements io.Closer
var _ io.Closer = (*Context)(nil)

// NewContext creates a rasterization context.
// Optional ContextOption arguments customize binding mode, derivative
// output, worker count, and GPU device sharing:
//
//	// Default: automatic binding, screen-space derivatives enabled.
//	ctx, err := diffrast.NewContext()
//
//	// Share the host application's GPU device.
//	ctx, err := diffrast.NewContext(diffrast.WithDeviceProvider(app))
func NewContext(opts ...ContextOption) (*Context, error) {
	options := defaultContextOptions()
	for _, opt := range opts {
		opt(&options)
	}

	c := &Context{
		pool:        dispatch.NewPool(options.workers),
		work:        make(chan func()),
		loopDone:    make(chan struct{}),
		manual:      options.manualBinding,
		derivatives: options.screenDerivatives,
		scratch:     cache.New[uint64, *scratchPlanes](4, cache.Uint64Hasher),
	}
	go c.runLoop()

	if options.deviceProvider != nil {
		if err := SetAcceleratorDeviceProvider(options.deviceProvider); err != nil {
			c.Close()
			return nil, err
		}
	}

	Logger().Debug("diffrast: context created",
		"workers", c.pool.Workers(),
		"manualBinding", c.manual,
		"screenDerivatives", c.derivatives)
	return c, nil
}

// runLoop executes submitted operations on a dedicated OS thread.
func (c *Context) runLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range c.work {
		fn()
	}
	close(c.loopDone)
}

// submit runs fn on the dispatch thread and waits for it to finish.
func (c *Context) submit(fn func()) error {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	if c.closed {
		return ErrContextClosed
	}
	done := make(chan struct{})
	c.work <- func() {
		defer close(done)
		fn()
	}
	<-done
	return nil
}

// Close shuts down the dispatch thread and the worker pool. In-flight
// operations finish first. A second Close returns ErrContextClosed.
// Implements io.Closer.
//
// Close does NOT shut down a registered accelerator, since it may be
// shared by other contexts. To release GPU resources at application
// shutdown, call [CloseAccelerator].
func (c *Context) Close() error {
	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return ErrContextClosed
	}
	c.closed = true
	close(c.work)
	c.runMu.Unlock()

	<-c.loopDone
	c.pool.Close()
	return nil
}

// Acquire binds the context ahead of a batch of rasterization calls.
// Only valid in manual binding mode (see WithManualBinding); automatic
// contexts return ErrAutomaticMode. Acquiring an already bound context
// returns ErrContextBound.
func (c *Context) Acquire() error {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	if c.closed {
		return ErrContextClosed
	}
	if !c.manual {
		return ErrAutomaticMode
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.bound {
		return ErrContextBound
	}
	c.bound = true
	return nil
}

// Release unbinds a manually bound context. Releasing an unbound context
// returns ErrContextNotBound.
func (c *Context) Release() error {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	if c.closed {
		return ErrContextClosed
	}
	if !c.manual {
		return ErrAutomaticMode
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.bound {
		return ErrContextNotBound
	}
	c.bound = false
	return nil
}

// alive reports ErrContextClosed once Close has begun.
func (c *Context) alive() error {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

func (c *Context) setBound(v bool) {
	c.stateMu.Lock()
	c.bound = v
	c.stateMu.Unlock()
}

// isBound reports the binding state without mutating it.
func (c *Context) isBound() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.bound
}

// planes returns the reusable scratch buffers for an output resolution.
func (c *Context) planes(height, width int) *scratchPlanes {
	key := uint64(height)<<32 | uint64(width)
	return c.scratch.GetOrCreate(key, func() *scratchPlanes {
		Logger().Debug("diffrast: allocating scratch planes",
			"width", width, "height", height)
		return &scratchPlanes{
			depth: make([]float32, height*width),
			tri:   make([]int32, height*width),
		}
	})
}
