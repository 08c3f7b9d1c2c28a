// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu implements the programmable bootstrapping engine: the twiddle
// cache, the bootstrap key converter, the key layout addressing, and the
// amortized and low-latency bootstrapping kernels.
//
// Work is expressed against devices and streams. A Context owns one or more
// devices; a Stream is an ordered asynchronous command queue on one device.
// Kernels fan out over the device's multiprocessors and respect a scratch
// ("shared memory") budget supplied by the caller.
package gpu

import (
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

const (
	defaultMemoryBudget = 4 << 30

	// Scratch limits mirror what current accelerators expose per block.
	minSharedMemory = 48 << 10
	maxSharedMemory = 228 << 10
)

// Config holds execution context configuration
type Config struct {
	// NumDevices is the number of devices exposed by the context (default: 1)
	NumDevices int
	// MemoryBudget is the per-device memory budget in bytes (default: 4 GiB)
	MemoryBudget int64
	// MaxSharedMemory overrides the detected per-unit scratch limit (0 = detect)
	MaxSharedMemory int
	// Workers overrides the detected multiprocessor count (0 = detect)
	Workers int
	// Logger receives lifecycle messages; nil discards them
	Logger *log.Logger
}

// DefaultConfig returns a single-device configuration sized from the host.
func DefaultConfig() Config {
	return Config{
		NumDevices:   1,
		MemoryBudget: defaultMemoryBudget,
	}
}

// Properties describes a device, the way a driver query would.
type Properties struct {
	Index                   int
	Name                    string
	MultiProcessors         int
	MaxSharedMemoryPerBlock int
	TotalMemory             int64
}

// Device is one execution target of a Context.
type Device struct {
	props Properties
	ctx   *Context
	used  atomic.Int64
}

// Properties returns the device properties.
func (d *Device) Properties() Properties { return d.props }

// Index returns the device index within its context.
func (d *Device) Index() int { return d.props.Index }

// MemoryUsed returns the bytes currently allocated on the device.
func (d *Device) MemoryUsed() int64 { return d.used.Load() }

func (d *Device) reserve(bytes int64) error {
	for {
		cur := d.used.Load()
		if cur+bytes > d.props.TotalMemory {
			return &DeviceError{Device: d.props.Index, Op: "alloc", Err: fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, bytes, cur, d.props.TotalMemory)}
		}
		if d.used.CompareAndSwap(cur, cur+bytes) {
			return nil
		}
	}
}

func (d *Device) release(bytes int64) {
	d.used.Add(-bytes)
}

// Context owns a set of devices together with the per-device twiddle cache.
type Context struct {
	cfg      Config
	devices  []*Device
	twiddles *TwiddleCache
	logger   *log.Logger

	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
}

// NewContext creates an execution context.
func NewContext(cfg Config) (*Context, error) {
	if cfg.NumDevices <= 0 {
		cfg.NumDevices = 1
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = defaultMemoryBudget
	}
	if cfg.MaxSharedMemory < 0 || cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: negative shared memory or worker count", ErrInvalidParameter)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	c := &Context{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[*Stream]struct{}),
	}
	c.twiddles = newTwiddleCache(c)

	for i := 0; i < cfg.NumDevices; i++ {
		d := &Device{props: detectProperties(i, cfg), ctx: c}
		c.devices = append(c.devices, d)
		logger.Printf("gpu %d: %s, %d multiprocessors, %d bytes shared memory, %d bytes global memory",
			i, d.props.Name, d.props.MultiProcessors, d.props.MaxSharedMemoryPerBlock, d.props.TotalMemory)
	}

	return c, nil
}

func detectProperties(index int, cfg Config) Properties {
	workers := cfg.Workers
	if workers == 0 {
		workers = cpuid.CPU.LogicalCores
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	shared := cfg.MaxSharedMemory
	if shared == 0 {
		shared = cpuid.CPU.Cache.L2
		if shared < minSharedMemory {
			shared = minSharedMemory
		}
		if shared > maxSharedMemory {
			shared = maxSharedMemory
		}
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}

	return Properties{
		Index:                   index,
		Name:                    name,
		MultiProcessors:         workers,
		MaxSharedMemoryPerBlock: shared,
		TotalMemory:             cfg.MemoryBudget,
	}
}

// NumDevices returns the number of devices of the context.
func (c *Context) NumDevices() int { return len(c.devices) }

// Device returns the device at index.
func (c *Context) Device(index int) (*Device, error) {
	if index < 0 || index >= len(c.devices) {
		return nil, fmt.Errorf("%w: index %d, context has %d", ErrNoDevice, index, len(c.devices))
	}
	return c.devices[index], nil
}

// Twiddles returns the twiddle cache of the context.
func (c *Context) Twiddles() *TwiddleCache { return c.twiddles }

// InitializeTwiddles precomputes the transform roots for polynomialSize on
// device gpuIndex. It is idempotent and cheap once the table exists.
func (c *Context) InitializeTwiddles(polynomialSize, gpuIndex uint32) error {
	_, err := c.twiddles.GetOrInit(int(polynomialSize), int(gpuIndex))
	return err
}

// NewStream creates an ordered command queue on device gpuIndex.
func (c *Context) NewStream(gpuIndex int) (*Stream, error) {
	dev, err := c.Device(gpuIndex)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrStreamClosed
	}

	s := newStream(dev)
	c.streams[s] = struct{}{}
	return s, nil
}

func (c *Context) forget(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	c.mu.Unlock()
}

// Close destroys every stream and releases the twiddle tables.
// Outstanding work is drained first.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.Destroy()
	}
	c.twiddles.release()
	return nil
}
