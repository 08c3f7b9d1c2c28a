// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
)

// Synchronous errors are returned by an entry point before anything is
// enqueued on the stream.
var (
	// ErrInsufficientResources is returned when the caller's shared memory
	// bound is too small for the requested kernel configuration.
	ErrInsufficientResources = errors.New("insufficient shared memory")

	// ErrInvalidParameter is returned for zero dimensions, non power of two
	// polynomial sizes and decompositions wider than the torus.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrKeyMismatch is returned when a converted key was produced for
	// different dimensions than the ones of the bootstrap call.
	ErrKeyMismatch = errors.New("bootstrap key dimension mismatch")

	// ErrPrecisionMismatch is returned when a 32-bit key is used by a
	// 64-bit kernel or vice versa.
	ErrPrecisionMismatch = errors.New("bootstrap key precision mismatch")

	// ErrTwiddlesUninitialized is returned when no twiddle table exists for
	// the (polynomial size, device) pair of the call.
	ErrTwiddlesUninitialized = errors.New("twiddles not initialized")

	// ErrKeyFreed is returned when a converted key was freed, for example
	// evicted from a KeyCache, before the call that uses it.
	ErrKeyFreed = errors.New("bootstrap key has been freed")

	// ErrStreamClosed is returned when work is submitted to a destroyed stream.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrNoDevice is returned for a device index outside the context.
	ErrNoDevice = errors.New("no such device")
)

// Device faults surface asynchronously through Stream.Synchronize and are
// sticky: once a stream has faulted, every later command is skipped.
var (
	ErrDeviceFault    = errors.New("device fault")
	ErrOutOfMemory    = fmt.Errorf("%w: out of device memory", ErrDeviceFault)
	ErrIllegalAddress = fmt.Errorf("%w: illegal memory access", ErrDeviceFault)
	ErrDeviceMismatch = fmt.Errorf("%w: buffer resides on another device", ErrDeviceFault)
)

// DeviceError reports a fault raised while a command ran on a device.
type DeviceError struct {
	Device int
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("gpu %d: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func insufficient(strategy Strategy, required, available int) error {
	return fmt.Errorf("%w: %s kernel needs %d bytes, limit is %d", ErrInsufficientResources, strategy, required, available)
}
