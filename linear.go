// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"fmt"

	"github.com/luxfi/pbs/gpu"
)

// Linear operations act on the phase directly and add noise. Messages
// stay correct while the encoded sum remains below the padding bit, that is
// while the plaintext result lies in [0, p).

// Trivial returns the noiseless encryption of m with a zero mask.
func Trivial[T gpu.Torus](params Parameters, n, m int) *Ciphertext[T] {
	ct := NewCiphertext[T](n)
	ct.Value[n] = Encode[T](params, m)
	return ct
}

func checkDims[T gpu.Torus](a, b *Ciphertext[T]) error {
	if a.Dimension() != b.Dimension() {
		return fmt.Errorf("%w: dimensions %d and %d", ErrInvalidParameters, a.Dimension(), b.Dimension())
	}
	return nil
}

// Add returns a + b.
func Add[T gpu.Torus](a, b *Ciphertext[T]) (*Ciphertext[T], error) {
	if err := checkDims(a, b); err != nil {
		return nil, err
	}
	out := a.CopyNew()
	for i, v := range b.Value {
		out.Value[i] += v
	}
	return out, nil
}

// Sub returns a - b.
func Sub[T gpu.Torus](a, b *Ciphertext[T]) (*Ciphertext[T], error) {
	if err := checkDims(a, b); err != nil {
		return nil, err
	}
	out := a.CopyNew()
	for i, v := range b.Value {
		out.Value[i] -= v
	}
	return out, nil
}

// Neg returns -a.
func Neg[T gpu.Torus](a *Ciphertext[T]) *Ciphertext[T] {
	out := NewCiphertext[T](a.Dimension())
	for i, v := range a.Value {
		out.Value[i] = -v
	}
	return out
}

// AddPlain adds the encoding of m to the body.
func AddPlain[T gpu.Torus](params Parameters, a *Ciphertext[T], m int) *Ciphertext[T] {
	out := a.CopyNew()
	out.Value[out.Dimension()] += Encode[T](params, m)
	return out
}

// MulScalar returns c·a. Noise grows by |c|.
func MulScalar[T gpu.Torus](a *Ciphertext[T], c int) *Ciphertext[T] {
	out := NewCiphertext[T](a.Dimension())
	f := T(uint64(int64(c)))
	for i, v := range a.Value {
		out.Value[i] = v * f
	}
	return out
}
