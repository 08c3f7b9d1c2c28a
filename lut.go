// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"github.com/luxfi/pbs/gpu"
)

// LookUpTable is a test vector: a trivial GLWE ciphertext of (k+1)N
// coefficients whose masks are zero and whose body encodes f.
type LookUpTable[T gpu.Torus] struct {
	Value []T
}

// Body returns the body polynomial.
func (lut LookUpTable[T]) Body(N int) []T { return lut.Value[len(lut.Value)-N:] }

// GenLookUpTable builds the test vector of f over [0, p). The polynomial
// holds N/p copies of each f(m)·Δ, rotated by half a box so that any phase
// within q/(4p) of m·Δ selects f(m).
func GenLookUpTable[T gpu.Torus](params Parameters, f func(int) int) LookUpTable[T] {
	N := params.PolynomialSize()
	k := params.GLWEDimension()
	p := params.MessageModulus()
	box := N / p
	half := box / 2

	boxes := make([]T, N)
	for j := range boxes {
		boxes[j] = Encode[T](params, f(j/box))
	}

	lut := LookUpTable[T]{Value: make([]T, (k+1)*N)}
	body := lut.Body(N)
	for j := range body {
		if j+half < N {
			body[j] = boxes[j+half]
		} else {
			body[j] = -boxes[j+half-N]
		}
	}
	return lut
}

// Identity returns the test vector of the identity, the plain noise refresh.
func Identity[T gpu.Torus](params Parameters) LookUpTable[T] {
	return GenLookUpTable[T](params, func(m int) int { return m })
}
