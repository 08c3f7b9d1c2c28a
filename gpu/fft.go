// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"math"
)

// Folded negacyclic transform.
//
// A real polynomial a of size N modulo X^N+1 is folded into N/2 complex values
// z_j = (a_j + i*a_{j+N/2}) * psi^j, psi = exp(i*pi/N), and transformed with a
// cyclic FFT of size N/2. The result is a evaluated at the roots
// psi^(4k+1) of X^N+1, which is enough to recover a real product since the
// remaining roots are their conjugates.

// butterflies runs an in-place radix-2 decimation-in-time FFT with the given
// root table.
func (tw *Twiddles) butterflies(z []complex128, roots []complex128) {
	m := len(z)
	for i, j := range tw.rev {
		if i < j {
			z[i], z[j] = z[j], z[i]
		}
	}
	for size := 2; size <= m; size <<= 1 {
		half := size >> 1
		step := m / size
		for start := 0; start < m; start += size {
			for j := 0; j < half; j++ {
				u := z[start+j]
				v := z[start+j+half] * roots[j*step]
				z[start+j] = u + v
				z[start+j+half] = u - v
			}
		}
	}
}

func torusToFloat[T Torus](x T, w int) float64 {
	if w == 32 {
		return float64(int32(x))
	}
	return float64(int64(x))
}

var twoPow32, twoPow64 = math.Ldexp(1, 32), math.Ldexp(1, 64)

// floatToTorus rounds x and reduces it modulo 2^w.
func floatToTorus[T Torus](x float64, w int) T {
	r := math.Round(x)
	if w == 32 {
		r -= twoPow32 * math.Round(r/twoPow32)
		return T(uint64(int64(r)))
	}
	r -= twoPow64 * math.Round(r/twoPow64)
	if r >= twoPow64/2 {
		r -= twoPow64
	}
	return T(uint64(int64(r)))
}

// forwardTorus transforms the torus polynomial src (N coefficients, read as
// signed integers) into dst (N/2 values).
func forwardTorus[T Torus](tw *Twiddles, dst []complex128, src []T) {
	m := tw.N / 2
	w := torusBits[T]()
	for j := 0; j < m; j++ {
		dst[j] = complex(torusToFloat(src[j], w), torusToFloat(src[j+m], w)) * tw.twist[j]
	}
	tw.butterflies(dst[:m], tw.roots)
}

// forwardDigits transforms a polynomial of signed decomposition digits.
func forwardDigits(tw *Twiddles, dst []complex128, src []int64) {
	m := tw.N / 2
	for j := 0; j < m; j++ {
		dst[j] = complex(float64(src[j]), float64(src[j+m])) * tw.twist[j]
	}
	tw.butterflies(dst[:m], tw.roots)
}

// backwardAdd inverse-transforms src in place and adds the rounded result
// to the torus polynomial dst.
func backwardAdd[T Torus](tw *Twiddles, dst []T, src []complex128) {
	m := tw.N / 2
	w := torusBits[T]()
	tw.butterflies(src[:m], tw.iroots)
	for j := 0; j < m; j++ {
		v := src[j] * tw.untwist[j]
		dst[j] += floatToTorus[T](real(v), w)
		dst[j+m] += floatToTorus[T](imag(v), w)
	}
}

// fourierMulAdd accumulates the pointwise product a*b into acc.
func fourierMulAdd(acc, a, b []complex128) {
	for j := range acc {
		acc[j] += a[j] * b[j]
	}
}
