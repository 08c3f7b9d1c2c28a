// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"math"
	"sync"
	"unsafe"
)

// Torus is the set of ciphertext coefficient types.
type Torus interface {
	~uint32 | ~uint64
}

// Precision is the ciphertext width in bits.
type Precision int

const (
	Precision32 Precision = 32
	Precision64 Precision = 64
)

func (p Precision) String() string {
	return fmt.Sprintf("%d-bit", int(p))
}

// PrecisionOf returns the precision of the torus type T.
func PrecisionOf[T Torus]() Precision {
	return Precision(torusBits[T]())
}

func torusBits[T Torus]() int {
	var zero T
	if uint64(^zero) == math.MaxUint32 {
		return 32
	}
	return 64
}

// Buffer is a typed allocation on a device. Its contents are only touched by
// commands running on a stream of the same device.
type Buffer[T any] struct {
	dev   *Device
	data  []T
	bytes int64
	once  sync.Once
}

// Alloc reserves n elements on dev.
func Alloc[T any](dev *Device, n int) (*Buffer[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrInvalidParameter, n)
	}
	var zero T
	bytes := int64(n) * int64(unsafe.Sizeof(zero))
	if err := dev.reserve(bytes); err != nil {
		return nil, err
	}
	return &Buffer[T]{dev: dev, data: make([]T, n), bytes: bytes}, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return len(b.data) }

// Device returns the device holding the buffer.
func (b *Buffer[T]) Device() *Device { return b.dev }

// Free releases the allocation. It is safe to call more than once.
func (b *Buffer[T]) Free() {
	b.once.Do(func() {
		b.dev.release(b.bytes)
		b.data = nil
	})
}

func (b *Buffer[T]) checkDevice(s *Stream) error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidParameter)
	}
	if b.dev != s.dev {
		return &DeviceError{Device: s.dev.Index(), Op: "launch", Err: fmt.Errorf("%w: buffer on gpu %d", ErrDeviceMismatch, b.dev.Index())}
	}
	return nil
}

// Upload copies src into dst at element offset off once the stream reaches
// the command. src must not be modified until then.
func Upload[T any](s *Stream, dst *Buffer[T], off int, src []T) error {
	if err := dst.checkDevice(s); err != nil {
		return err
	}
	return s.enqueue("memcpy_htod", func() error {
		if off < 0 || off+len(src) > len(dst.data) {
			return fmt.Errorf("%w: copy of %d elements at %d into buffer of %d", ErrIllegalAddress, len(src), off, len(dst.data))
		}
		copy(dst.data[off:], src)
		return nil
	})
}

// Download copies src from element offset off into dst once the stream
// reaches the command. dst is valid after the stream synchronizes.
func Download[T any](s *Stream, dst []T, src *Buffer[T], off int) error {
	if err := src.checkDevice(s); err != nil {
		return err
	}
	return s.enqueue("memcpy_dtoh", func() error {
		if off < 0 || off+len(dst) > len(src.data) {
			return fmt.Errorf("%w: copy of %d elements at %d from buffer of %d", ErrIllegalAddress, len(dst), off, len(src.data))
		}
		copy(dst, src.data[off:])
		return nil
	})
}
