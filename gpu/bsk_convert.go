// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// FourierKey is a bootstrapping key in the transform domain, laid out for the
// kernels. It remembers the dimensions and source precision it was built for.
type FourierKey struct {
	layout    Layout
	precision Precision
	dev       *Device
	data      []complex128
	bytes     int64
	once      sync.Once
	freed     atomic.Bool
}

// NewFourierKey allocates a key of layout.Size() pairs on dev.
func NewFourierKey(dev *Device, layout Layout, precision Precision) (*FourierKey, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if precision != Precision32 && precision != Precision64 {
		return nil, fmt.Errorf("%w: precision %d", ErrInvalidParameter, int(precision))
	}

	bytes := int64(layout.Size()) * 16
	if err := dev.reserve(bytes); err != nil {
		return nil, err
	}

	return &FourierKey{
		layout:    layout,
		precision: precision,
		dev:       dev,
		data:      make([]complex128, layout.Size()),
		bytes:     bytes,
	}, nil
}

// Layout returns the key dimensions.
func (k *FourierKey) Layout() Layout { return k.layout }

// Precision returns the precision of the key the conversion read.
func (k *FourierKey) Precision() Precision { return k.precision }

// Device returns the device holding the key.
func (k *FourierKey) Device() *Device { return k.dev }

// Bytes returns the device memory held by the key.
func (k *FourierKey) Bytes() int64 { return k.bytes }

// Free releases the key memory. It is safe to call more than once.
// Launches already enqueued keep reading the data they captured.
func (k *FourierKey) Free() {
	k.once.Do(func() {
		k.freed.Store(true)
		k.dev.release(k.bytes)
	})
}

func (k *FourierKey) check(s *Stream, ly Layout, p Precision) error {
	if k == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidParameter)
	}
	if k.freed.Load() {
		return ErrKeyFreed
	}
	if k.precision != p {
		return fmt.Errorf("%w: key is %s, kernel is %s", ErrPrecisionMismatch, k.precision, p)
	}
	if k.layout != ly {
		return fmt.Errorf("%w: key has %+v, call has %+v", ErrKeyMismatch, k.layout, ly)
	}
	if k.dev != s.dev {
		return &DeviceError{Device: s.dev.Index(), Op: "launch", Err: fmt.Errorf("%w: key on gpu %d", ErrDeviceMismatch, k.dev.Index())}
	}
	return nil
}

// ConvertBootstrapKey enqueues the conversion of the standard key src into
// dst. Every polynomial of every GGSW is moved from its level-major position
// to its block in dst and transformed. Conversion is deterministic.
func ConvertBootstrapKey[T Torus](s *Stream, dst *FourierKey, src *Buffer[T]) error {
	if dst == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidParameter)
	}
	ly := dst.layout
	if err := dst.check(s, ly, PrecisionOf[T]()); err != nil {
		return err
	}
	if err := src.checkDevice(s); err != nil {
		return err
	}
	if src.Len() != ly.StandardSize() {
		return fmt.Errorf("%w: source has %d elements, layout needs %d", ErrKeyMismatch, src.Len(), ly.StandardSize())
	}
	tw, err := s.Context().Twiddles().Get(ly.PolynomialSize, s.dev.Index())
	if err != nil {
		return err
	}

	out := dst.data
	return s.enqueue("convert_bsk", func() error {
		in := src.data
		if len(in) != ly.StandardSize() {
			return fmt.Errorf("%w: source buffer released", ErrIllegalAddress)
		}
		return launch(s.dev, "convert_bsk", ly.InputLWEDimension, func(i int) error {
			convertSlice(tw, ly, out, in, i)
			return nil
		})
	})
}

func convertSlice[T Torus](tw *Twiddles, ly Layout, dst []complex128, src []T, i int) {
	n, half := ly.PolynomialSize, ly.PolynomialSize/2
	for level := 0; level < ly.Levels; level++ {
		for r := 0; r <= ly.GLWEDimension; r++ {
			block := ly.RowBlock(0, i, r, level)
			for c := 0; c <= ly.GLWEDimension; c++ {
				off := ly.StandardOffset(i, level, r, c)
				forwardTorus(tw, dst[block+c*half:block+(c+1)*half], src[off:off+n])
			}
		}
	}
}

func convertBootstrapKey[T Torus](dst *FourierKey, src *Buffer[T], s *Stream, gpuIndex, inputLWEDim, glweDim, levels, polynomialSize uint32) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidParameter)
	}
	if int(gpuIndex) != s.dev.Index() {
		return &DeviceError{Device: int(gpuIndex), Op: "convert_bsk", Err: fmt.Errorf("%w: stream on gpu %d", ErrDeviceMismatch, s.dev.Index())}
	}
	ly := Layout{
		InputLWEDimension: int(inputLWEDim),
		GLWEDimension:     int(glweDim),
		Levels:            int(levels),
		PolynomialSize:    int(polynomialSize),
	}
	if err := ly.Validate(); err != nil {
		return err
	}
	if dst != nil && dst.layout != ly {
		return fmt.Errorf("%w: key has %+v, call has %+v", ErrKeyMismatch, dst.layout, ly)
	}
	return ConvertBootstrapKey(s, dst, src)
}

// ConvertBootstrapKey32 converts a 32-bit standard key.
func ConvertBootstrapKey32(dst *FourierKey, src *Buffer[uint32], stream *Stream, gpuIndex, inputLWEDim, glweDim, levels, polynomialSize uint32) error {
	return convertBootstrapKey(dst, src, stream, gpuIndex, inputLWEDim, glweDim, levels, polynomialSize)
}

// ConvertBootstrapKey64 converts a 64-bit standard key.
func ConvertBootstrapKey64(dst *FourierKey, src *Buffer[uint64], stream *Stream, gpuIndex, inputLWEDim, glweDim, levels, polynomialSize uint32) error {
	return convertBootstrapKey(dst, src, stream, gpuIndex, inputLWEDim, glweDim, levels, polynomialSize)
}
