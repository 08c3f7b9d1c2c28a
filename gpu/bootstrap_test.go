// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testStrategyEquivalence[T Torus](t *testing.T) {
	ctx := newTestContext(t)

	for _, num := range []int{1, 2, 17, 256} {
		t.Run(fmt.Sprintf("samples=%d", num), func(t *testing.T) {
			numTV := 1
			if num > 1 {
				numTV = 2
			}
			f := newBootstrapFixture[T](t, ctx, uint64(num), smallLayout, num, numTV)

			amortized := f.run(t, Amortized, f.p)
			lowLatency := f.run(t, LowLatency, f.p)
			if diff := cmp.Diff(amortized, lowLatency); diff != "" {
				t.Fatalf("strategies disagree (-amortized +low-latency):\n%s", diff)
			}
		})
	}
}

func TestStrategyEquivalence32(t *testing.T) { testStrategyEquivalence[uint32](t) }
func TestStrategyEquivalence64(t *testing.T) { testStrategyEquivalence[uint64](t) }

func testDeterminism[T Torus](t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[T](t, ctx, 42, smallLayout, 5, 3)
	g := newBootstrapFixture[T](t, ctx, 42, smallLayout, 5, 3)

	for _, strategy := range []Strategy{Amortized, LowLatency} {
		first := f.run(t, strategy, f.p)
		require.Equal(t, first, f.run(t, strategy, f.p), strategy.String())
		require.Equal(t, first, g.run(t, strategy, g.p), strategy.String())
	}
}

func TestDeterminism32(t *testing.T) { testDeterminism[uint32](t) }
func TestDeterminism64(t *testing.T) { testDeterminism[uint64](t) }

func TestAmortizedSpillMatchesFull(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint64](t, ctx, 7, smallLayout, 9, 2)

	full := f.run(t, Amortized, f.p)

	p := f.p
	p.MaxSharedMemory = ScratchRequirement(Amortized, Precision64, smallLayout.PolynomialSize, 1, smallLayout.Levels)
	require.Less(t, p.MaxSharedMemory, amortizedFullScratch(smallLayout.PolynomialSize, 1))
	require.Equal(t, full, f.run(t, Amortized, p))
}

func TestScratchBoundary(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint32](t, ctx, 11, smallLayout, 3, 1)

	for _, strategy := range []Strategy{Amortized, LowLatency} {
		required := ScratchRequirement(strategy, Precision32, smallLayout.PolynomialSize, 1, smallLayout.Levels)

		out, err := Alloc[uint32](f.s.Device(), f.outputSize())
		require.NoError(t, err)
		sentinel := make([]uint32, out.Len())
		for i := range sentinel {
			sentinel[i] = 0xdeadbeef
		}
		require.NoError(t, Upload(f.s, out, 0, sentinel))

		p := f.p
		p.MaxSharedMemory = required - 1
		err = Bootstrap(f.s, strategy, out, f.tvs, f.idx, f.in, f.key, p)
		require.ErrorIs(t, err, ErrInsufficientResources, strategy.String())
		require.Contains(t, err.Error(), fmt.Sprint(required))

		got := make([]uint32, out.Len())
		require.NoError(t, Download(f.s, got, out, 0))
		require.NoError(t, f.s.Synchronize())
		require.Equal(t, sentinel, got, "%s wrote output on failure", strategy)

		p.MaxSharedMemory = required
		require.NoError(t, Bootstrap(f.s, strategy, out, f.tvs, f.idx, f.in, f.key, p))
		require.NoError(t, f.s.Synchronize())
		out.Free()
	}
}

func TestScratchRequirement(t *testing.T) {
	// N=1024, k=1, l=3
	require.Equal(t, 16384, ScratchRequirement(Amortized, Precision64, 1024, 1, 3))
	require.Equal(t, 24576, amortizedFullScratch(1024, 1))
	require.Equal(t, 32768+24576+49152+16384, ScratchRequirement(LowLatency, Precision64, 1024, 1, 3))
	require.Equal(t, 16384+24576+49152+16384, ScratchRequirement(LowLatency, Precision32, 1024, 1, 3))
}

func TestBootstrapRejects(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint64](t, ctx, 3, smallLayout, 4, 2)

	out, err := Alloc[uint64](f.s.Device(), f.outputSize())
	require.NoError(t, err)
	defer out.Free()

	cases := []struct {
		name   string
		modify func(p *BootstrapParams)
		want   error
	}{
		{"zero samples", func(p *BootstrapParams) { p.NumSamples = 0 }, ErrInvalidParameter},
		{"non power of two", func(p *BootstrapParams) { p.PolynomialSize = 250 }, ErrInvalidParameter},
		{"decomposition too wide", func(p *BootstrapParams) { p.BaseLog = 30 }, ErrInvalidParameter},
		{"more test vectors than samples", func(p *BootstrapParams) { p.NumTestVectors = 5 }, ErrInvalidParameter},
		{"no test vectors", func(p *BootstrapParams) { p.NumTestVectors = 0 }, ErrInvalidParameter},
		{"dimension mismatch", func(p *BootstrapParams) { p.InputLWEDimension = 15 }, ErrKeyMismatch},
		{"level mismatch", func(p *BootstrapParams) { p.Levels = 2 }, ErrKeyMismatch},
		{"glwe mismatch", func(p *BootstrapParams) { p.GLWEDimension = 2 }, ErrKeyMismatch},
		{"polynomial size mismatch", func(p *BootstrapParams) { p.PolynomialSize = 512 }, ErrKeyMismatch},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := f.p
			c.modify(&p)
			require.ErrorIs(t, BootstrapAmortized64(f.s, out, f.tvs, f.idx, f.in, f.key, p), c.want)
			require.ErrorIs(t, BootstrapLowLatency64(f.s, out, f.tvs, f.idx, f.in, f.key, p), c.want)
		})
	}
	require.NoError(t, f.s.Synchronize())

	f.key.Free()
	require.ErrorIs(t, BootstrapAmortized64(f.s, out, f.tvs, f.idx, f.in, f.key, f.p), ErrKeyFreed)
	require.ErrorIs(t, BootstrapLowLatency64(f.s, out, f.tvs, f.idx, f.in, f.key, f.p), ErrKeyFreed)
}

func TestBootstrapPrecisionMismatch(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint64](t, ctx, 5, smallLayout, 2, 1)

	rng := rand.New(rand.NewPCG(1, 1))
	s := f.s
	out := toBuffer(t, s, make([]uint32, f.outputSize()))
	tvs := toBuffer(t, s, randomTorus[uint32](rng, 2*smallLayout.PolynomialSize))
	in := toBuffer(t, s, randomTorus[uint32](rng, 2*(smallLayout.InputLWEDimension+1)))

	require.ErrorIs(t, BootstrapAmortized32(s, out, tvs, f.idx, in, f.key, f.p), ErrPrecisionMismatch)
	require.ErrorIs(t, BootstrapLowLatency32(s, out, tvs, f.idx, in, f.key, f.p), ErrPrecisionMismatch)
}

func TestBootstrapTwiddlesUninitialized(t *testing.T) {
	ctx := newTestContext(t)
	s := newTestStream(t, ctx, 0)

	ly := Layout{InputLWEDimension: 2, GLWEDimension: 1, Levels: 1, PolynomialSize: 64}
	key, err := NewFourierKey(s.Device(), ly, Precision32)
	require.NoError(t, err)
	defer key.Free()

	src := toBuffer(t, s, make([]uint32, ly.StandardSize()))
	require.ErrorIs(t, ConvertBootstrapKey32(key, src, s, 0, 2, 1, 1, 64), ErrTwiddlesUninitialized)

	out := toBuffer(t, s, make([]uint32, ly.GLWEDimension*ly.PolynomialSize+1))
	tvs := toBuffer(t, s, make([]uint32, 2*ly.PolynomialSize))
	idx := toBuffer(t, s, []uint32{0})
	in := toBuffer(t, s, make([]uint32, 3))
	p := BootstrapParams{InputLWEDimension: 2, PolynomialSize: 64, BaseLog: 8, Levels: 1, NumSamples: 1, NumTestVectors: 1}
	require.ErrorIs(t, BootstrapLowLatency32(s, out, tvs, idx, in, key, p), ErrTwiddlesUninitialized)
}

func TestBootstrapBadTestVectorIndex(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint32](t, ctx, 9, smallLayout, 3, 2)

	out, err := Alloc[uint32](f.s.Device(), f.outputSize())
	require.NoError(t, err)
	defer out.Free()

	require.NoError(t, Upload(f.s, f.idx, 0, []uint32{0, 1, 2}))
	require.NoError(t, BootstrapAmortized32(f.s, out, f.tvs, f.idx, f.in, f.key, f.p))
	require.ErrorIs(t, f.s.Synchronize(), ErrIllegalAddress)
}

func TestBootstrapLWEIndex(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint64](t, ctx, 13, smallLayout, 3, 1)

	base := f.run(t, LowLatency, f.p)
	slot := smallLayout.GLWEDimension*smallLayout.PolynomialSize + 1

	f.p.LWEIndex = 2
	shifted := f.run(t, LowLatency, f.p)
	require.Len(t, shifted, 5*slot)
	require.Equal(t, make([]uint64, 2*slot), shifted[:2*slot])
	require.Equal(t, base, shifted[2*slot:])
}

func TestBootstrapDeviceMismatch(t *testing.T) {
	ctx := newTestContext(t)
	f := newBootstrapFixture[uint64](t, ctx, 17, smallLayout, 1, 1)
	other := newTestStream(t, ctx, 1)
	require.NoError(t, ctx.InitializeTwiddles(uint32(smallLayout.PolynomialSize), 1))

	out, err := Alloc[uint64](f.s.Device(), f.outputSize())
	require.NoError(t, err)
	defer out.Free()

	require.ErrorIs(t, BootstrapAmortized64(other, out, f.tvs, f.idx, f.in, f.key, f.p), ErrDeviceMismatch)
}
