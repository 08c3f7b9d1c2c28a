// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

// decomposer is the signed gadget decomposition with base B = 2^baseLog and
// l levels. Level 0 carries the most significant factor q/B.
type decomposer[T Torus] struct {
	baseLog int
	levels  int
	w       int
}

func newDecomposer[T Torus](baseLog, levels int) decomposer[T] {
	return decomposer[T]{baseLog: baseLog, levels: levels, w: torusBits[T]()}
}

// closest returns x rounded to the nearest multiple of q/B^l, divided by
// q/B^l. The result has baseLog*levels bits.
func (d decomposer[T]) closest(x T) uint64 {
	u := uint64(x)
	width := d.baseLog * d.levels
	shift := d.w - width

	state := u
	if shift > 0 {
		state = u>>shift + (u>>(shift-1))&1
	}
	if width < 64 {
		state &= uint64(1)<<width - 1
	}
	return state
}

// polynomial decomposes the n coefficients of poly into digits, stored as
// digits[level*n + x]. Every digit lies in [-B/2, B/2).
func (d decomposer[T]) polynomial(digits []int64, poly []T) {
	n := len(poly)
	base := uint64(1) << d.baseLog
	mask := base - 1
	half := int64(base >> 1)

	for x := 0; x < n; x++ {
		state := d.closest(poly[x])
		for level := d.levels - 1; level >= 0; level-- {
			digit := int64(state & mask)
			state >>= d.baseLog
			if digit >= half {
				digit -= int64(base)
				state++
			}
			digits[level*n+x] = digit
		}
	}
}

// gadgetFactor returns q/B^(level+1) as a torus element.
func gadgetFactor[T Torus](baseLog, level int) T {
	return T(uint64(1) << (torusBits[T]() - baseLog*(level+1)))
}
