// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"fmt"

	"github.com/luxfi/pbs/gpu"
)

// Decryptor decrypts both fresh and bootstrapped ciphertexts. The key is
// chosen by ciphertext dimension: n for fresh inputs, kN for outputs.
type Decryptor[T gpu.Torus] struct {
	params Parameters
	sk     *SecretKey
}

// NewDecryptor creates a decryptor from the secret key
func NewDecryptor[T gpu.Torus](params Parameters, sk *SecretKey) (*Decryptor[T], error) {
	if err := checkPrecision[T](params); err != nil {
		return nil, err
	}
	return &Decryptor[T]{params: params, sk: sk}, nil
}

// Phase returns b - <a, s>.
func (dec *Decryptor[T]) Phase(ct *Ciphertext[T]) (T, error) {
	var key []uint64
	switch ct.Dimension() {
	case len(dec.sk.LWE):
		key = dec.sk.LWE
	case len(dec.sk.GLWE):
		key = dec.sk.ExtractedKey()
	default:
		return 0, fmt.Errorf("%w: no key of dimension %d", ErrInvalidParameters, ct.Dimension())
	}

	phase := ct.Body()
	for i, bit := range key {
		phase -= ct.Value[i] * T(bit)
	}
	return phase, nil
}

// Decrypt rounds the phase to the nearest multiple of q/(2p) and returns it
// reduced mod p.
func (dec *Decryptor[T]) Decrypt(ct *Ciphertext[T]) (int, error) {
	phase, err := dec.Phase(ct)
	if err != nil {
		return 0, err
	}
	return Decode(dec.params, phase), nil
}

// Decode is the inverse of Encode up to noise below q/(4p).
func Decode[T gpu.Torus](params Parameters, phase T) int {
	dl := params.deltaLog()
	rounded := (uint64(phase) + uint64(1)<<(dl-1)) >> dl
	return int(rounded % uint64(params.MessageModulus()))
}

// Noise returns the signed distance of the phase from the encoding of m.
func (dec *Decryptor[T]) Noise(ct *Ciphertext[T], m int) (float64, error) {
	phase, err := dec.Phase(ct)
	if err != nil {
		return 0, err
	}
	d := phase - Encode[T](dec.params, m)
	if gpu.PrecisionOf[T]() == gpu.Precision32 {
		return float64(int32(uint32(d))), nil
	}
	return float64(int64(uint64(d))), nil
}
