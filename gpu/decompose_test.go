// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkDecomposition[T Torus](t *testing.T, baseLog, levels int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(uint64(baseLog), uint64(levels)))
	const n = 64

	dec := newDecomposer[T](baseLog, levels)
	poly := randomTorus[T](rng, n)
	poly[0] = 0
	poly[1] = ^T(0)
	digits := make([]int64, levels*n)
	dec.polynomial(digits, poly)

	half := int64(1) << (baseLog - 1)
	w := torusBits[T]()
	// q / (2 B^l)
	var bound uint64
	if baseLog*levels < w {
		bound = uint64(1) << (w - baseLog*levels - 1)
	}

	for x := 0; x < n; x++ {
		var sum T
		for level := 0; level < levels; level++ {
			d := digits[level*n+x]
			require.GreaterOrEqual(t, d, -half)
			require.Less(t, d, half)
			sum += T(uint64(d)) * gadgetFactor[T](baseLog, level)
		}
		diff := int64(sum - poly[x])
		if w == 32 {
			diff = int64(int32(uint32(sum - poly[x])))
		}
		if diff < 0 {
			diff = -diff
		}
		if uint64(diff) > bound {
			t.Fatalf("B=2^%d l=%d: coefficient %d reconstructs to %d, error %d > %d", baseLog, levels, x, sum, diff, bound)
		}
	}
}

func TestDecompose(t *testing.T) {
	for _, c := range []struct{ baseLog, levels int }{{7, 3}, {4, 8}, {10, 2}, {8, 4}, {1, 1}, {23, 1}} {
		checkDecomposition[uint32](t, c.baseLog, c.levels)
		checkDecomposition[uint64](t, c.baseLog, c.levels)
	}
	checkDecomposition[uint64](t, 16, 4)
	checkDecomposition[uint64](t, 2, 32)
}

func TestModSwitch(t *testing.T) {
	// N = 1024, 2N = 2048
	const logN = 10
	q := uint64(1) << 32

	for _, c := range []struct {
		x    uint32
		want int
	}{
		{0, 0},
		{uint32(q / 2048), 1},
		{uint32(q/2048/2 - 1), 0},
		{uint32(q / 2048 / 2), 1},
		{uint32(q / 2), 1024},
		{uint32(q - 1), 0},
		{uint32(q - q/2048), 2047},
	} {
		require.Equal(t, c.want, modSwitch(c.x, 32, logN), "x=%d", c.x)
	}

	require.Equal(t, 1024, modSwitch(uint64(1)<<63, 64, logN))
}

func TestMulByMonomial(t *testing.T) {
	src := []uint32{1, 2, 3, 4}
	dst := make([]uint32, 4)
	neg := func(v uint32) uint32 { return -v }

	mulByMonomial(dst, src, 1)
	require.Equal(t, []uint32{neg(4), 1, 2, 3}, dst)

	mulByMonomial(dst, src, 4)
	require.Equal(t, []uint32{neg(1), neg(2), neg(3), neg(4)}, dst)

	mulByMonomial(dst, src, 7)
	require.Equal(t, []uint32{2, 3, 4, neg(1)}, dst)

	mulByMonomial(dst, src, 0)
	require.Equal(t, src, dst)
}
