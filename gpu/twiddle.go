// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"math/big"
	"math/bits"
	"sync"

	"github.com/luxfi/lattice/v7/utils/bignum"
)

// twiddlePrecision is the working precision, in bits, of the root computation.
const twiddlePrecision = 128

// Twiddles holds the precomputed factors of the folded negacyclic transform
// of size N: the twist psi^j and scaled untwist psi^-j/(N/2) for j < N/2,
// with psi = exp(i*pi/N), and the roots exp(+-2*pi*i*k/(N/2)) for k < N/4.
type Twiddles struct {
	N int

	twist   []complex128
	untwist []complex128
	roots   []complex128
	iroots  []complex128
	rev     []int

	dev   *Device
	bytes int64
}

// PolynomialSize returns N.
func (tw *Twiddles) PolynomialSize() int { return tw.N }

// Device returns the device holding the table.
func (tw *Twiddles) Device() *Device { return tw.dev }

// Bytes returns the device memory held by the table.
func (tw *Twiddles) Bytes() int64 { return tw.bytes }

func twiddleBytes(n int) int64 {
	m := int64(n / 2)
	return 16*(2*m+2*(m/2)) + 8*m
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// newTwiddles computes the table for polynomial size n. exp(i*pi*j/n) is
// evaluated in arbitrary precision for j <= n/4 only, the other entries
// follow from the octant symmetries of sine and cosine.
func newTwiddles(n int) *Twiddles {
	m := n / 2
	quarter := n / 4

	pi := bignum.Pi(twiddlePrecision)
	cos := make([]float64, quarter+1)
	sin := make([]float64, quarter+1)
	for j := 0; j <= quarter; j++ {
		theta := new(big.Float).SetPrec(twiddlePrecision).Mul(pi, bignum.NewFloat(j, twiddlePrecision))
		theta.Quo(theta, bignum.NewFloat(n, twiddlePrecision))
		cos[j], _ = bignum.Cos(theta).Float64()
		sin[j], _ = bignum.Sin(theta).Float64()
	}
	// exact at the axis, the series leaves an ulp there
	cos[0], sin[0] = 1, 0

	table := make([]complex128, n)
	for j := 0; j < n; j++ {
		switch {
		case j <= quarter:
			table[j] = complex(cos[j], sin[j])
		case j <= m:
			jj := m - j
			table[j] = complex(sin[jj], cos[jj])
		default:
			jj := n - j
			table[j] = complex(-real(table[jj]), imag(table[jj]))
		}
	}

	tw := &Twiddles{
		N:       n,
		twist:   make([]complex128, m),
		untwist: make([]complex128, m),
		roots:   make([]complex128, m/2),
		iroots:  make([]complex128, m/2),
		rev:     make([]int, m),
	}

	scale := 1 / float64(m)
	for j := 0; j < m; j++ {
		tw.twist[j] = table[j]
		tw.untwist[j] = complex(real(table[j])*scale, -imag(table[j])*scale)
	}
	for k := 0; k < m/2; k++ {
		tw.roots[k] = table[4*k]
		tw.iroots[k] = complex(real(table[4*k]), -imag(table[4*k]))
	}

	if logM := bits.Len(uint(m)) - 1; logM > 0 {
		for i := 0; i < m; i++ {
			tw.rev[i] = int(bits.Reverse(uint(i)) >> (bits.UintSize - logM))
		}
	}

	return tw
}

type twiddleKey struct {
	n      int
	device int
}

// TwiddleCache owns one immutable table per (polynomial size, device) pair.
// Tables live until the owning Context is closed.
type TwiddleCache struct {
	ctx *Context

	mu     sync.Mutex
	tables map[twiddleKey]*Twiddles
}

func newTwiddleCache(ctx *Context) *TwiddleCache {
	return &TwiddleCache{
		ctx:    ctx,
		tables: make(map[twiddleKey]*Twiddles),
	}
}

// GetOrInit returns the table for (polynomialSize, gpuIndex), computing it
// on first use. Concurrent callers observe a single initialization.
func (c *TwiddleCache) GetOrInit(polynomialSize, gpuIndex int) (*Twiddles, error) {
	if !isPowerOfTwo(polynomialSize) || polynomialSize < 2 {
		return nil, fmt.Errorf("%w: polynomial size %d is not a power of two >= 2", ErrInvalidParameter, polynomialSize)
	}
	dev, err := c.ctx.Device(gpuIndex)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := twiddleKey{n: polynomialSize, device: gpuIndex}
	if tw, ok := c.tables[key]; ok {
		return tw, nil
	}

	bytes := twiddleBytes(polynomialSize)
	if err := dev.reserve(bytes); err != nil {
		return nil, err
	}

	tw := newTwiddles(polynomialSize)
	tw.dev = dev
	tw.bytes = bytes
	c.tables[key] = tw

	c.ctx.logger.Printf("gpu %d: twiddles initialized for N=%d (%d bytes)", gpuIndex, polynomialSize, bytes)
	return tw, nil
}

// Get returns the table for (polynomialSize, gpuIndex) or
// ErrTwiddlesUninitialized.
func (c *TwiddleCache) Get(polynomialSize, gpuIndex int) (*Twiddles, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tw, ok := c.tables[twiddleKey{n: polynomialSize, device: gpuIndex}]
	if !ok {
		return nil, fmt.Errorf("%w: N=%d on gpu %d", ErrTwiddlesUninitialized, polynomialSize, gpuIndex)
	}
	return tw, nil
}

// Len returns the number of tables held.
func (c *TwiddleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables)
}

func (c *TwiddleCache) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, tw := range c.tables {
		tw.dev.release(tw.bytes)
		delete(c.tables, key)
	}
}
