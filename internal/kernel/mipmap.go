// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// MipDims returns the level dimensions for a base of (h,w): each level
// floor-halves both axes, never below one texel.
func MipDims(h, w int) (int, int) {
	return max(h/2, 1), max(w/2, 1)
}

// Downsample box-filters one level into the next: every output texel
// averages a 2x2 input block, taps clamped to the input extent so a
// one-texel axis replicates.
func Downsample(pool *dispatch.Pool, src []float32, sh, sw, nc int, dst []float32, dh, dw int) {
	pool.For(dh, 1, func(rowStart, rowEnd int) {
		for oy := rowStart; oy < rowEnd; oy++ {
			y0 := 2 * oy
			y1 := min(y0+1, sh-1)
			for ox := 0; ox < dw; ox++ {
				x0 := 2 * ox
				x1 := min(x0+1, sw-1)
				s00 := (y0*sw + x0) * nc
				s10 := (y0*sw + x1) * nc
				s01 := (y1*sw + x0) * nc
				s11 := (y1*sw + x1) * nc
				d := (oy*dw + ox) * nc
				for c := 0; c < nc; c++ {
					sum := float64(src[s00+c]) + float64(src[s10+c]) +
						float64(src[s01+c]) + float64(src[s11+c])
					dst[d+c] = float32(sum / 4)
				}
			}
		}
	})
}

// DownsampleGrad is the transpose of Downsample: each output-texel
// gradient spreads a quarter share onto its four input taps. Used to
// fold pyramid-level gradients back onto the base texture. Output row
// oy only ever touches source rows 2oy and 2oy+1, so chunking on
// output rows cannot race.
func DownsampleGrad(pool *dispatch.Pool, dDst []float64, dh, dw, nc int, dSrc []float64, sh, sw int) {
	pool.For(dh, 1, func(rowStart, rowEnd int) {
		for oy := rowStart; oy < rowEnd; oy++ {
			y0 := 2 * oy
			y1 := min(y0+1, sh-1)
			for ox := 0; ox < dw; ox++ {
				x0 := 2 * ox
				x1 := min(x0+1, sw-1)
				d := (oy*dw + ox) * nc
				s00 := (y0*sw + x0) * nc
				s10 := (y0*sw + x1) * nc
				s01 := (y1*sw + x0) * nc
				s11 := (y1*sw + x1) * nc
				for c := 0; c < nc; c++ {
					q := dDst[d+c] / 4
					dSrc[s00+c] += q
					dSrc[s10+c] += q
					dSrc[s01+c] += q
					dSrc[s11+c] += q
				}
			}
		}
	})
}
