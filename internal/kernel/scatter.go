// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"slices"
	"sync"
)

// partials collects per-chunk scatter results from a parallel pass and
// replays them in chunk order. Chunks complete in whatever order the
// pool schedules them; folding sorted by start index fixes the float
// accumulation order, so a backward pass produces the same bits for
// any worker count.
type partials[T any] struct {
	mu sync.Mutex
	ps []chunkPartial[T]
}

type chunkPartial[T any] struct {
	start int
	data  T
}

// add stashes one chunk's result keyed by its start index.
func (p *partials[T]) add(start int, data T) {
	p.mu.Lock()
	p.ps = append(p.ps, chunkPartial[T]{start: start, data: data})
	p.mu.Unlock()
}

// fold applies the stashed results in ascending chunk order.
func (p *partials[T]) fold(apply func(T)) {
	slices.SortFunc(p.ps, func(a, b chunkPartial[T]) int {
		return a.start - b.start
	})
	for i := range p.ps {
		apply(p.ps[i].data)
	}
}
