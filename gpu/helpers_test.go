// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestContext(t testing.TB) *Context {
	t.Helper()
	ctx, err := NewContext(Config{
		NumDevices:      2,
		MemoryBudget:    1 << 30,
		MaxSharedMemory: maxSharedMemory,
		Workers:         4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func newTestStream(t testing.TB, ctx *Context, device int) *Stream {
	t.Helper()
	s, err := ctx.NewStream(device)
	require.NoError(t, err)
	return s
}

func randomTorus[T Torus](rng *rand.Rand, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(rng.Uint64())
	}
	return out
}

func toBuffer[T any](t testing.TB, s *Stream, host []T) *Buffer[T] {
	t.Helper()
	b, err := Alloc[T](s.Device(), len(host))
	require.NoError(t, err)
	require.NoError(t, Upload(s, b, 0, host))
	t.Cleanup(b.Free)
	return b
}

// bootstrapFixture holds a converted random key and a random batch.
type bootstrapFixture[T Torus] struct {
	s   *Stream
	ly  Layout
	key *FourierKey
	p   BootstrapParams

	tvs *Buffer[T]
	idx *Buffer[uint32]
	in  *Buffer[T]
}

var smallLayout = Layout{InputLWEDimension: 16, GLWEDimension: 1, Levels: 3, PolynomialSize: 256}

func newBootstrapFixture[T Torus](t testing.TB, ctx *Context, seed uint64, ly Layout, numSamples, numTestVectors int) *bootstrapFixture[T] {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	require.NoError(t, ctx.InitializeTwiddles(uint32(ly.PolynomialSize), 0))
	s := newTestStream(t, ctx, 0)

	key, err := NewFourierKey(s.Device(), ly, PrecisionOf[T]())
	require.NoError(t, err)
	t.Cleanup(key.Free)

	src := toBuffer(t, s, randomTorus[T](rng, ly.StandardSize()))
	require.NoError(t, ConvertBootstrapKey(s, key, src))

	tvSize := (ly.GLWEDimension + 1) * ly.PolynomialSize
	idx := make([]uint32, numSamples)
	for i := range idx {
		idx[i] = uint32(rng.IntN(numTestVectors))
	}

	f := &bootstrapFixture[T]{
		s:   s,
		ly:  ly,
		key: key,
		p: BootstrapParams{
			InputLWEDimension: ly.InputLWEDimension,
			PolynomialSize:    ly.PolynomialSize,
			BaseLog:           7,
			Levels:            ly.Levels,
			NumSamples:        numSamples,
			NumTestVectors:    numTestVectors,
		},
		tvs: toBuffer(t, s, randomTorus[T](rng, numTestVectors*tvSize)),
		idx: toBuffer(t, s, idx),
		in:  toBuffer(t, s, randomTorus[T](rng, numSamples*(ly.InputLWEDimension+1))),
	}
	require.NoError(t, s.Synchronize())
	return f
}

func (f *bootstrapFixture[T]) outputSize() int {
	return (f.p.LWEIndex + f.p.NumSamples) * (f.ly.GLWEDimension*f.ly.PolynomialSize + 1)
}

// run bootstraps the batch and returns the downloaded output.
func (f *bootstrapFixture[T]) run(t testing.TB, strategy Strategy, p BootstrapParams) []T {
	t.Helper()
	out, err := Alloc[T](f.s.Device(), f.outputSize())
	require.NoError(t, err)
	defer out.Free()

	require.NoError(t, Bootstrap(f.s, strategy, out, f.tvs, f.idx, f.in, f.key, p))
	host := make([]T, out.Len())
	require.NoError(t, Download(f.s, host, out, 0))
	require.NoError(t, f.s.Synchronize())
	return host
}
