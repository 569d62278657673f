// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import "testing"

func TestPartialsFoldInChunkOrder(t *testing.T) {
	var p partials[int]
	p.add(256, 3)
	p.add(0, 1)
	p.add(128, 2)

	var got []int
	p.fold(func(v int) { got = append(got, v) })

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("fold applied %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fold order = %v, want %v", got, want)
		}
	}
}

func TestPartialsFoldEmpty(t *testing.T) {
	var p partials[[]float64]
	calls := 0
	p.fold(func([]float64) { calls++ })
	if calls != 0 {
		t.Fatalf("empty fold applied %d chunks, want 0", calls)
	}
}
