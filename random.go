// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/luxfi/lattice/v7/utils/sampling"
	"github.com/luxfi/pbs/gpu"
	"github.com/zeebo/blake3"
	"gonum.org/v1/gonum/stat/distuv"
)

// SeedSize is the length of seeds accepted by key generators and encryptors.
const SeedSize = 32

// sampler draws uniform, binary and Gaussian values from a keyed PRNG.
// The same seed always produces the same stream, so keys and ciphertexts
// can be regenerated by anyone holding the seed.
//
// sampler is not safe for concurrent use.
type sampler struct {
	prng *sampling.KeyedPRNG
	buf  [8]byte
}

// newSampler keys the PRNG with the blake3 digest of seed. A nil seed draws
// a fresh one from the system source.
func newSampler(seed []byte) (*sampler, error) {
	if seed == nil {
		seed = make([]byte, SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("read seed: %w", err)
		}
	}
	key := blake3.Sum256(seed)
	prng, err := sampling.NewKeyedPRNG(key[:])
	if err != nil {
		return nil, fmt.Errorf("keyed prng: %w", err)
	}
	return &sampler{prng: prng}, nil
}

// Uint64 implements the gonum random source.
func (s *sampler) Uint64() uint64 {
	if _, err := s.prng.Read(s.buf[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(s.buf[:])
}

// Seed rewinds the stream to its start. The key is fixed at construction.
func (s *sampler) Seed(uint64) { s.prng.Reset() }

func (s *sampler) binary(dst []uint64) {
	for i := 0; i < len(dst); i += 64 {
		word := s.Uint64()
		for j := i; j < len(dst) && j < i+64; j++ {
			dst[j] = word & 1
			word >>= 1
		}
	}
}

func uniform[T gpu.Torus](s *sampler, dst []T) {
	for i := range dst {
		dst[i] = T(s.Uint64())
	}
}

// gaussian returns a rounded centered normal sample with standard deviation
// 2^log2Sigma on the torus of type T.
func gaussian[T gpu.Torus](s *sampler, log2Sigma float64) T {
	w := float64(gpu.PrecisionOf[T]())
	normal := distuv.Normal{Mu: 0, Sigma: math.Exp2(w + log2Sigma), Src: s}
	return T(uint64(int64(math.Round(normal.Rand()))))
}
