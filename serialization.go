// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/pbs/gpu"
)

// ErrMalformedBatch is returned when a batch encoding cannot be decoded.
var ErrMalformedBatch = errors.New("malformed ciphertext batch")

var batchMagic = [4]byte{'P', 'B', 'S', 'B'}

// batchHeader precedes the little-endian ciphertext values.
type batchHeader struct {
	Magic     [4]byte
	Precision uint32
	Dimension uint32
	Count     uint32
}

// maxBatchElements bounds decoding of untrusted headers.
const maxBatchElements = 1 << 28

// EncodeBatch writes cts, which must share one dimension, to w.
func EncodeBatch[T gpu.Torus](w io.Writer, cts []*Ciphertext[T]) error {
	dim := 0
	if len(cts) > 0 {
		dim = cts[0].Dimension()
	}
	for i, ct := range cts {
		if ct.Dimension() != dim {
			return fmt.Errorf("%w: ciphertext %d has dimension %d, batch has %d", ErrMalformedBatch, i, ct.Dimension(), dim)
		}
	}

	bw := bufio.NewWriter(w)
	hdr := batchHeader{
		Magic:     batchMagic,
		Precision: uint32(gpu.PrecisionOf[T]()),
		Dimension: uint32(dim),
		Count:     uint32(len(cts)),
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write batch header: %w", err)
	}
	for _, ct := range cts {
		if err := binary.Write(bw, binary.LittleEndian, ct.Value); err != nil {
			return fmt.Errorf("write ciphertext: %w", err)
		}
	}
	return bw.Flush()
}

// DecodeBatch reads a batch written by EncodeBatch.
func DecodeBatch[T gpu.Torus](r io.Reader) ([]*Ciphertext[T], error) {
	var hdr batchHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedBatch, err)
	}
	if hdr.Magic != batchMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedBatch, hdr.Magic[:])
	}
	if want := gpu.PrecisionOf[T](); gpu.Precision(hdr.Precision) != want {
		return nil, fmt.Errorf("%w: batch is %s, want %s", gpu.ErrPrecisionMismatch, gpu.Precision(hdr.Precision), want)
	}
	if (uint64(hdr.Dimension)+1)*uint64(hdr.Count) > maxBatchElements {
		return nil, fmt.Errorf("%w: %d ciphertexts of dimension %d", ErrMalformedBatch, hdr.Count, hdr.Dimension)
	}

	cts := make([]*Ciphertext[T], hdr.Count)
	for i := range cts {
		ct := NewCiphertext[T](int(hdr.Dimension))
		if err := binary.Read(r, binary.LittleEndian, ct.Value); err != nil {
			return nil, fmt.Errorf("%w: ciphertext %d: %v", ErrMalformedBatch, i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}

// MarshalBatch is EncodeBatch into a byte slice.
func MarshalBatch[T gpu.Torus](cts []*Ciphertext[T]) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeBatch(&buf, cts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBatch is DecodeBatch from a byte slice.
func UnmarshalBatch[T gpu.Torus](data []byte) ([]*Ciphertext[T], error) {
	return DecodeBatch[T](bytes.NewReader(data))
}

// BatchPrecision reports the precision recorded in an encoded batch.
func BatchPrecision(data []byte) (gpu.Precision, error) {
	var hdr batchHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil || hdr.Magic != batchMagic {
		return 0, ErrMalformedBatch
	}
	return gpu.Precision(hdr.Precision), nil
}
