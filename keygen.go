// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"github.com/luxfi/pbs/gpu"
)

// SecretKey holds the binary LWE and GLWE secrets.
type SecretKey struct {
	// LWE is the n-coefficient key of input ciphertexts
	LWE []uint64
	// GLWE holds k polynomials of N coefficients, concatenated
	GLWE []uint64
}

// ExtractedKey returns the LWE key of bootstrapped ciphertexts, the GLWE key
// read as a vector of dimension kN.
func (sk *SecretKey) ExtractedKey() []uint64 { return sk.GLWE }

// BootstrapKey is a bootstrap key in the standard domain. Value follows the
// canonical order consumed by gpu.ConvertBootstrapKey: for each input key
// coefficient, each level and each row, k+1 polynomials of N coefficients.
type BootstrapKey[T gpu.Torus] struct {
	Layout  gpu.Layout
	BaseLog int
	Value   []T
}

// Fingerprint returns the content hash the evaluator caches the key under.
func (bk *BootstrapKey[T]) Fingerprint() gpu.Fingerprint {
	return gpu.FingerprintKey(bk.Layout, bk.Value)
}

// KeyGenerator generates secret and bootstrap keys
type KeyGenerator[T gpu.Torus] struct {
	params Parameters
	s      *sampler
}

// NewKeyGenerator returns a generator seeded with seed. A nil seed is drawn
// from the system source.
func NewKeyGenerator[T gpu.Torus](params Parameters, seed []byte) (*KeyGenerator[T], error) {
	if err := checkPrecision[T](params); err != nil {
		return nil, err
	}
	s, err := newSampler(seed)
	if err != nil {
		return nil, err
	}
	return &KeyGenerator[T]{params: params, s: s}, nil
}

// GenSecretKey samples binary LWE and GLWE secrets.
func (kg *KeyGenerator[T]) GenSecretKey() *SecretKey {
	sk := &SecretKey{
		LWE:  make([]uint64, kg.params.LWEDimension()),
		GLWE: make([]uint64, kg.params.OutputLWEDimension()),
	}
	kg.s.binary(sk.LWE)
	kg.s.binary(sk.GLWE)
	return sk
}

// GenBootstrapKey encrypts each LWE key bit as a GGSW ciphertext under the
// GLWE key. Row r of level j is a GLWE encryption of zero with s_i·q/B^(j+1)
// added to the constant coefficient of component r.
func (kg *KeyGenerator[T]) GenBootstrapKey(sk *SecretKey) *BootstrapKey[T] {
	ly := kg.params.Layout()
	N, k := ly.PolynomialSize, ly.GLWEDimension
	w := int(kg.params.Precision())
	bl := kg.params.BaseLog()

	bk := &BootstrapKey[T]{Layout: ly, BaseLog: bl, Value: make([]T, ly.StandardSize())}
	for i := 0; i < ly.InputLWEDimension; i++ {
		for level := 0; level < ly.Levels; level++ {
			factor := T(uint64(1) << (w - bl*(level+1)))
			for r := 0; r <= k; r++ {
				row := bk.Value[ly.StandardOffset(i, level, r, 0) : ly.StandardOffset(i, level, r, 0)+(k+1)*N]
				kg.encryptZero(row, sk.GLWE)
				row[r*N] += T(sk.LWE[i]) * factor
			}
		}
	}
	return bk
}

// encryptZero writes a GLWE encryption of zero: k uniform masks followed by
// the body sum_c A_c·S_c + e.
func (kg *KeyGenerator[T]) encryptZero(dst []T, key []uint64) {
	N := kg.params.PolynomialSize()
	k := kg.params.GLWEDimension()
	body := dst[k*N:]
	for i := range body {
		body[i] = gaussian[T](kg.s, kg.params.Literal().GLWENoise)
	}
	for c := 0; c < k; c++ {
		mask := dst[c*N : (c+1)*N]
		uniform(kg.s, mask)
		addMulBinary(body, mask, key[c*N:(c+1)*N])
	}
}

// addMulBinary adds a·s mod X^N+1 to dst for a binary polynomial s.
func addMulBinary[T gpu.Torus](dst, a []T, s []uint64) {
	N := len(dst)
	for i, bit := range s {
		if bit == 0 {
			continue
		}
		for j, v := range a {
			if i+j < N {
				dst[i+j] += v
			} else {
				dst[i+j-N] -= v
			}
		}
	}
}
