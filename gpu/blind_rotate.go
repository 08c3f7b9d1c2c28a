// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"math/bits"
)

// Per-sample programmable bootstrapping.
//
// Algorithm for each ciphertext (a_0..a_{n-1}, b):
//  1. Switch b to Z_{2N}: b~ = round(b * 2N / q)
//  2. Initialize accumulator: ACC = X^(-b~) * TV
//  3. For i = 0 to n-1:
//     a. Switch a_i to Z_{2N}: a~_i
//     b. ACC = ACC + ExtProd(BSK[i], ACC * X^(a~_i) - ACC)
//  4. Extract the constant coefficient of ACC as an LWE ciphertext under
//     the flattened GLWE key
//
// Both kernel strategies call cmux with identical operands and accumulate
// the transform-domain products in the same order, so their outputs are
// bit-identical.

// kernel binds the operands shared by every sample of one launch.
type kernel[T Torus] struct {
	tw  *Twiddles
	key []complex128
	ly  Layout
	dec decomposer[T]
	w   int

	resident bool
}

func newKernel[T Torus](tw *Twiddles, key *FourierKey, baseLog int, strategy Strategy) *kernel[T] {
	return &kernel[T]{
		tw:       tw,
		key:      key.data,
		ly:       key.layout,
		dec:      newDecomposer[T](baseLog, key.layout.Levels),
		w:        torusBits[T](),
		resident: strategy == LowLatency,
	}
}

// sampleState is the per-sample working set: the accumulator, the rotation
// difference and the digits of one decomposed polynomial.
type sampleState[T Torus] struct {
	acc    []T
	rot    []T
	digits []int64
}

func newSampleState[T Torus](ly Layout) *sampleState[T] {
	size := (ly.GLWEDimension + 1) * ly.PolynomialSize
	return &sampleState[T]{
		acc:    make([]T, size),
		rot:    make([]T, size),
		digits: make([]int64, ly.Levels*ly.PolynomialSize),
	}
}

// modSwitch maps a torus element to Z_{2N} with rounding: the bits below
// log2(2N) are dropped and the highest dropped bit rounds.
func modSwitch[T Torus](x T, w, logN int) int {
	u := uint64(x) >> (w - logN - 2)
	u += u & 1
	u >>= 1
	return int(u & (uint64(2)<<logN - 1))
}

// mulByMonomial sets dst = src * X^a mod X^N+1 for a in [0, 2N).
func mulByMonomial[T Torus](dst, src []T, a int) {
	n := len(src)
	negate := a >= n
	if negate {
		a -= n
	}
	for j := 0; j < a; j++ {
		v := src[j-a+n]
		if !negate {
			v = -v
		}
		dst[j] = v
	}
	for j := a; j < n; j++ {
		v := src[j-a]
		if negate {
			v = -v
		}
		dst[j] = v
	}
}

// initialize loads X^(-b~) * TV into the accumulator.
func (kr *kernel[T]) initialize(st *sampleState[T], tv []T, body T) {
	n := kr.ly.PolynomialSize
	logN := bits.TrailingZeros(uint(n))
	b := modSwitch(body, kr.w, logN)
	shift := (2*n - b) % (2 * n)
	for c := 0; c <= kr.ly.GLWEDimension; c++ {
		mulByMonomial(st.acc[c*n:(c+1)*n], tv[c*n:(c+1)*n], shift)
	}
}

// cmux folds GGSW i into the accumulator for the switched mask coefficient
// abar. digitDFT holds (k+1)*l transforms when the kernel keeps every digit
// transform resident, one otherwise. accDFT holds k+1 transforms.
func (kr *kernel[T]) cmux(st *sampleState[T], digitDFT, accDFT []complex128, i, abar int) {
	if abar == 0 {
		return
	}

	ly := kr.ly
	n, m := ly.PolynomialSize, ly.PolynomialSize/2
	k1, l := ly.GLWEDimension+1, ly.Levels

	// ACC * X^abar - ACC
	for c := 0; c < k1; c++ {
		rot, acc := st.rot[c*n:(c+1)*n], st.acc[c*n:(c+1)*n]
		mulByMonomial(rot, acc, abar)
		for j := range rot {
			rot[j] -= acc[j]
		}
	}

	clear(accDFT[:k1*m])

	if kr.resident {
		for r := 0; r < k1; r++ {
			kr.dec.polynomial(st.digits, st.rot[r*n:(r+1)*n])
			for j := 0; j < l; j++ {
				forwardDigits(kr.tw, digitDFT[(r*l+j)*m:(r*l+j+1)*m], st.digits[j*n:(j+1)*n])
			}
		}
		for c := 0; c < k1; c++ {
			for r := 0; r < k1; r++ {
				for j := 0; j < l; j++ {
					off := ly.RowBlock(0, i, r, j) + c*m
					fourierMulAdd(accDFT[c*m:(c+1)*m], digitDFT[(r*l+j)*m:(r*l+j+1)*m], kr.key[off:off+m])
				}
			}
		}
	} else {
		for r := 0; r < k1; r++ {
			kr.dec.polynomial(st.digits, st.rot[r*n:(r+1)*n])
			for j := 0; j < l; j++ {
				forwardDigits(kr.tw, digitDFT[:m], st.digits[j*n:(j+1)*n])
				off := ly.RowBlock(0, i, r, j)
				for c := 0; c < k1; c++ {
					fourierMulAdd(accDFT[c*m:(c+1)*m], digitDFT[:m], kr.key[off+c*m:off+c*m+m])
				}
			}
		}
	}

	for c := 0; c < k1; c++ {
		backwardAdd(kr.tw, st.acc[c*n:(c+1)*n], accDFT[c*m:(c+1)*m])
	}
}

// extract writes the constant coefficient of the accumulator as an LWE
// ciphertext of dimension k*N into out.
func (kr *kernel[T]) extract(out []T, st *sampleState[T]) {
	n, k := kr.ly.PolynomialSize, kr.ly.GLWEDimension
	for r := 0; r < k; r++ {
		a := st.acc[r*n : (r+1)*n]
		out[r*n] = a[0]
		for j := 1; j < n; j++ {
			out[r*n+j] = -a[n-j]
		}
	}
	out[k*n] = st.acc[k*n]
}
