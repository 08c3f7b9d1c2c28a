// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
)

// Layout describes the transform-domain bootstrapping key of n GGSW
// ciphertexts with GLWE dimension k, l levels and polynomial size N.
//
// The key is stored slice by slice. Slice i holds k+1 row groups (the k mask
// rows, then the body row), each of l levels. One block is a GGSW row at one
// level: k+1 folded polynomials of N/2 pairs each.
//
//	slice i: [mask 0: level 0..l-1] ... [mask k-1: level 0..l-1] [body: level 0..l-1]
type Layout struct {
	InputLWEDimension int // n
	GLWEDimension     int // k
	Levels            int // l
	PolynomialSize    int // N
}

// Validate checks that every dimension is usable.
func (ly Layout) Validate() error {
	if ly.InputLWEDimension <= 0 || ly.GLWEDimension <= 0 || ly.Levels <= 0 {
		return fmt.Errorf("%w: n=%d k=%d l=%d", ErrInvalidParameter, ly.InputLWEDimension, ly.GLWEDimension, ly.Levels)
	}
	if ly.PolynomialSize < 2 || !isPowerOfTwo(ly.PolynomialSize) {
		return fmt.Errorf("%w: polynomial size %d is not a power of two >= 2", ErrInvalidParameter, ly.PolynomialSize)
	}
	return nil
}

// BlockSize returns the number of pairs of one block, (k+1)*N/2.
func (ly Layout) BlockSize() int {
	return (ly.GLWEDimension + 1) * ly.PolynomialSize / 2
}

// SliceSize returns the number of pairs of one GGSW.
func (ly Layout) SliceSize() int {
	return (ly.GLWEDimension + 1) * ly.Levels * ly.BlockSize()
}

// Size returns the number of pairs of the whole key.
func (ly Layout) Size() int {
	return ly.InputLWEDimension * ly.SliceSize()
}

// StandardSize returns the number of torus elements of the key in standard
// (host) representation.
func (ly Layout) StandardSize() int {
	k1 := ly.GLWEDimension + 1
	return ly.InputLWEDimension * ly.Levels * k1 * k1 * ly.PolynomialSize
}

// StartOffset returns the first pair of GGSW i.
func (ly Layout) StartOffset(i int) int {
	return i * ly.SliceSize()
}

// MaskBlock returns the first pair of mask row r of GGSW i at level.
func (ly Layout) MaskBlock(base, i, r, level int) int {
	return base + ly.StartOffset(i) + (r*ly.Levels+level)*ly.BlockSize()
}

// BodyBlock returns the first pair of the body row of GGSW i at level.
func (ly Layout) BodyBlock(base, i, level int) int {
	return base + ly.StartOffset(i) + (ly.GLWEDimension*ly.Levels+level)*ly.BlockSize()
}

// RowBlock returns MaskBlock for r < k and BodyBlock for r == k. The
// converter and the kernels address key rows through it.
func (ly Layout) RowBlock(base, i, r, level int) int {
	if r < ly.GLWEDimension {
		return ly.MaskBlock(base, i, r, level)
	}
	return ly.BodyBlock(base, i, level)
}

// StandardOffset returns the first coefficient of polynomial col of row r of
// GGSW i at level in the standard layout.
func (ly Layout) StandardOffset(i, level, r, col int) int {
	k1 := ly.GLWEDimension + 1
	return (((i*ly.Levels+level)*k1+r)*k1 + col) * ly.PolynomialSize
}

// StartOffset is Layout.StartOffset for the given dimensions.
func StartOffset(i, polynomialSize, glweDimension, levels int) int {
	return Layout{GLWEDimension: glweDimension, Levels: levels, PolynomialSize: polynomialSize}.StartOffset(i)
}

// MaskBlock is Layout.MaskBlock for the given dimensions.
func MaskBlock(base, i, r, level, polynomialSize, glweDimension, levels int) int {
	return Layout{GLWEDimension: glweDimension, Levels: levels, PolynomialSize: polynomialSize}.MaskBlock(base, i, r, level)
}

// BodyBlock is Layout.BodyBlock for the given dimensions.
func BodyBlock(base, i, level, polynomialSize, glweDimension, levels int) int {
	return Layout{GLWEDimension: glweDimension, Levels: levels, PolynomialSize: polynomialSize}.BodyBlock(base, i, level)
}
