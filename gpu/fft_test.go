// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// negacyclicProduct is the schoolbook product of digits and poly modulo
// X^N+1 over the torus.
func negacyclicProduct[T Torus](digits []int64, poly []T) []T {
	n := len(poly)
	out := make([]T, n)
	for i := 0; i < n; i++ {
		if digits[i] == 0 {
			continue
		}
		d := T(uint64(digits[i]))
		for j := 0; j < n; j++ {
			if i+j < n {
				out[i+j] += d * poly[j]
			} else {
				out[i+j-n] -= d * poly[j]
			}
		}
	}
	return out
}

func randomDigits(rng *rand.Rand, n int, baseLog int) []int64 {
	half := int64(1) << (baseLog - 1)
	out := make([]int64, n)
	for i := range out {
		out[i] = rng.Int64N(2*half) - half
	}
	return out
}

func fourierProduct[T Torus](tw *Twiddles, digits []int64, poly []T) []T {
	m := tw.N / 2
	a := make([]complex128, m)
	b := make([]complex128, m)
	acc := make([]complex128, m)
	forwardDigits(tw, a, digits)
	forwardTorus(tw, b, poly)
	fourierMulAdd(acc, a, b)

	out := make([]T, tw.N)
	backwardAdd(tw, out, acc)
	return out
}

func TestFourierProduct32(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, n := range []int{2, 8, 256, 1024} {
		tw := newTwiddles(n)
		digits := randomDigits(rng, n, 7)
		poly := randomTorus[uint32](rng, n)

		got := fourierProduct(tw, digits, poly)
		want := negacyclicProduct(digits, poly)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("N=%d product mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestFourierProduct64(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, n := range []int{256, 1024} {
		tw := newTwiddles(n)
		digits := randomDigits(rng, n, 7)
		poly := randomTorus[uint64](rng, n)

		got := fourierProduct(tw, digits, poly)
		want := negacyclicProduct(digits, poly)
		for j := range want {
			diff := int64(got[j] - want[j])
			if diff < 0 {
				diff = -diff
			}
			// float64 carries 53 bits of a 64-bit torus
			require.Less(t, diff, int64(1)<<30, "N=%d coefficient %d", n, j)
		}
	}
}

// backwardFloat inverse-transforms src in place into real coefficients.
func backwardFloat(tw *Twiddles, dst []float64, src []complex128) {
	m := tw.N / 2
	tw.butterflies(src[:m], tw.iroots)
	for j := 0; j < m; j++ {
		v := src[j] * tw.untwist[j]
		dst[j] = real(v)
		dst[j+m] = imag(v)
	}
}

func TestFourierRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	tw := newTwiddles(512)
	poly := randomTorus[uint32](rng, 512)

	z := make([]complex128, 256)
	forwardTorus(tw, z, poly)
	back := make([]float64, 512)
	backwardFloat(tw, back, z)

	for j, v := range poly {
		require.InDelta(t, float64(int32(v)), back[j], 1e-4)
	}
}

func TestFloatToTorusWraps(t *testing.T) {
	require.Equal(t, uint32(0xffffffff), floatToTorus[uint32](-1, 32))
	require.Equal(t, uint32(5), floatToTorus[uint32](math.Ldexp(1, 32)+5, 32))
	require.Equal(t, uint32(0x80000000), floatToTorus[uint32](math.Ldexp(1, 31), 32))
	require.Equal(t, uint64(1)<<63, floatToTorus[uint64](math.Ldexp(1, 63), 64))
	require.Equal(t, ^uint64(0)-1, floatToTorus[uint64](-2, 64))
	require.Equal(t, uint64(1)<<62, floatToTorus[uint64](math.Ldexp(5, 62), 64))
	require.Equal(t, uint32(2), floatToTorus[uint32](1.5, 32))
}
