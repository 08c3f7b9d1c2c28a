// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"fmt"

	"github.com/luxfi/pbs/gpu"
)

// Ciphertext is an LWE ciphertext: the mask a_0..a_{n-1} followed by the body b.
type Ciphertext[T gpu.Torus] struct {
	Value []T
}

// NewCiphertext returns a zero ciphertext of dimension n.
func NewCiphertext[T gpu.Torus](n int) *Ciphertext[T] {
	return &Ciphertext[T]{Value: make([]T, n+1)}
}

// Dimension returns the mask length n.
func (ct *Ciphertext[T]) Dimension() int { return len(ct.Value) - 1 }

// Body returns b.
func (ct *Ciphertext[T]) Body() T { return ct.Value[len(ct.Value)-1] }

// CopyNew returns a deep copy.
func (ct *Ciphertext[T]) CopyNew() *Ciphertext[T] {
	return &Ciphertext[T]{Value: append([]T(nil), ct.Value...)}
}

// Encryptor encrypts messages under the LWE secret
type Encryptor[T gpu.Torus] struct {
	params Parameters
	key    []uint64
	s      *sampler
}

// NewEncryptor creates an encryptor for input ciphertexts under sk.LWE.
// A nil seed is drawn from the system source.
func NewEncryptor[T gpu.Torus](params Parameters, sk *SecretKey, seed []byte) (*Encryptor[T], error) {
	if err := checkPrecision[T](params); err != nil {
		return nil, err
	}
	if len(sk.LWE) != params.LWEDimension() {
		return nil, fmt.Errorf("%w: secret key has dimension %d, want %d", ErrInvalidParameters, len(sk.LWE), params.LWEDimension())
	}
	s, err := newSampler(seed)
	if err != nil {
		return nil, err
	}
	return &Encryptor[T]{params: params, key: sk.LWE, s: s}, nil
}

// Encode maps m in [0, p) to m·q/(2p).
func Encode[T gpu.Torus](params Parameters, m int) T {
	p := params.MessageModulus()
	m %= p
	if m < 0 {
		m += p
	}
	return T(uint64(m) << params.deltaLog())
}

// Encrypt encrypts m mod p.
func (enc *Encryptor[T]) Encrypt(m int) *Ciphertext[T] {
	return enc.EncryptPhase(Encode[T](enc.params, m))
}

// EncryptPhase encrypts an already encoded torus value.
func (enc *Encryptor[T]) EncryptPhase(mu T) *Ciphertext[T] {
	n := len(enc.key)
	ct := NewCiphertext[T](n)
	uniform(enc.s, ct.Value[:n])

	b := mu + gaussian[T](enc.s, enc.params.Literal().LWENoise)
	for i, bit := range enc.key {
		b += ct.Value[i] * T(bit)
	}
	ct.Value[n] = b
	return ct
}

// EncryptBatch encrypts each message of ms.
func (enc *Encryptor[T]) EncryptBatch(ms []int) []*Ciphertext[T] {
	cts := make([]*Ciphertext[T], len(ms))
	for i, m := range ms {
		cts[i] = enc.Encrypt(m)
	}
	return cts
}
