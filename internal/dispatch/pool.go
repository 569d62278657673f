// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package dispatch executes compute kernels over index spaces the way a
// GPU launch would: the caller describes a 1D or 2D grid and a kernel
// body, and the pool fans the grid out to per-worker queues.
//
// Workers primarily pull from their own queue and steal from others when
// idle, which balances load when coverage is uneven across the grid (a
// few dense tiles next to many empty ones is the common case when
// rasterizing small triangles).
package dispatch

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of worker goroutines with per-worker queues and
// work stealing. It is safe for concurrent use.
type Pool struct {
	workers int

	// queues holds one channel per worker; worker i pulls queues[i]
	// first and steals from the rest when it is empty.
	queues []chan func()

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPool creates a pool with the given number of workers and starts
// them. If workers <= 0, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// A few queued items per worker hides submission latency without
	// holding many closures alive.
	depth := workers * 4
	if depth < 8 {
		depth = 8
	}

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), depth)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case fn := <-own:
			if fn != nil {
				fn()
			}
		default:
			if fn := p.steal(id); fn != nil {
				fn()
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case fn := <-own:
				if fn != nil {
					fn()
				}
			}
		}
	}
}

func (p *Pool) drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			if fn != nil {
				fn()
			}
		default:
			return
		}
	}
}

func (p *Pool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case fn := <-p.queues[i]:
			return fn
		default:
		}
	}
	return nil
}

// Run distributes the work items round-robin across workers and blocks
// until every item has executed. A closed pool runs nothing.
func (p *Pool) Run(work []func()) {
	if len(work) == 0 || !p.running.Load() {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(work))
	for i, fn := range work {
		body := fn
		item := func() {
			defer wg.Done()
			body()
		}
		select {
		case p.queues[i%p.workers] <- item:
		case <-p.done:
			wg.Done()
		}
	}
	wg.Wait()
}

// For launches fn over [0,n) in contiguous chunks and blocks until the
// whole range is processed. minChunk bounds the smallest chunk so tiny
// ranges do not pay per-item scheduling cost.
func (p *Pool) For(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	chunk := (n + p.workers*4 - 1) / (p.workers * 4)
	if chunk < minChunk {
		chunk = minChunk
	}
	if chunk >= n {
		fn(0, n)
		return
	}

	work := make([]func(), 0, (n+chunk-1)/chunk)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		s, e := start, end
		work = append(work, func() { fn(s, e) })
	}
	p.Run(work)
}

// ForChunk launches fn over [0,n) in fixed-size chunks and blocks until
// the whole range is processed. Unlike For, the decomposition depends
// only on chunk, never on the worker count; passes that accumulate
// per-chunk partials rely on this to keep their reduction tree stable.
func (p *Pool) ForChunk(n, chunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if chunk < 1 {
		chunk = 1
	}
	if chunk >= n {
		fn(0, n)
		return
	}

	work := make([]func(), 0, (n+chunk-1)/chunk)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		s, e := start, end
		work = append(work, func() { fn(s, e) })
	}
	p.Run(work)
}

// Tiles launches fn over a width×height grid decomposed into tile×tile
// blocks and blocks until all tiles are processed. fn receives the
// half-open pixel bounds [x0,x1)×[y0,y1) of its tile.
func (p *Pool) Tiles(width, height, tile int, fn func(x0, y0, x1, y1 int)) {
	if width <= 0 || height <= 0 {
		return
	}
	if tile < 1 {
		tile = 1
	}
	tx := (width + tile - 1) / tile
	ty := (height + tile - 1) / tile
	if tx*ty == 1 {
		fn(0, 0, width, height)
		return
	}

	work := make([]func(), 0, tx*ty)
	for y := 0; y < height; y += tile {
		y1 := y + tile
		if y1 > height {
			y1 = height
		}
		for x := 0; x < width; x += tile {
			x1 := x + tile
			if x1 > width {
				x1 = width
			}
			x0, y0, xe, ye := x, y, x1, y1
			work = append(work, func() { fn(x0, y0, xe, ye) })
		}
	}
	p.Run(work)
}

// Close stops accepting work, lets queued work finish, and joins the
// workers. Safe to call more than once.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the worker count.
func (p *Pool) Workers() int { return p.workers }

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool { return p.running.Load() }

var (
	sharedOnce sync.Once
	sharedPool *Pool
)

// Shared returns the process-wide pool used by operations that do not
// run under a Context. It is created on first use with GOMAXPROCS
// workers and lives for the life of the process.
func Shared() *Pool {
	sharedOnce.Do(func() {
		sharedPool = NewPool(0)
	})
	return sharedPool
}
