package kernel

import (
	"golang.org/x/exp/constraints"
)

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// floorMod returns v modulo n with the sign of n (floored division),
// so negative taps wrap to the top of the range.
func floorMod(v, n int) int {
	m := v % n
	if m < 0 {
		m += n
	}
	return m
}
