// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"math/bits"
)

// Strategy selects how a batch is scheduled on the device.
type Strategy int

const (
	// Amortized walks the key slice by slice and advances every sample by
	// one CMUX per slice, so each key slice is read once per batch.
	Amortized Strategy = iota
	// LowLatency gives each sample to one worker for its whole lifetime
	// with all intermediates held in scratch.
	LowLatency
)

func (s Strategy) String() string {
	switch s {
	case Amortized:
		return "amortized"
	case LowLatency:
		return "low-latency"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// BootstrapParams are the per-call parameters of a bootstrap.
type BootstrapParams struct {
	InputLWEDimension int // n
	GLWEDimension     int // k, 0 takes the key's
	PolynomialSize    int // N
	BaseLog           int
	Levels            int
	NumSamples        int
	NumTestVectors    int
	// LWEIndex is the output slot of sample 0; sample s lands in slot
	// LWEIndex+s.
	LWEIndex int
	// MaxSharedMemory is the scratch budget per concurrent unit in bytes,
	// 0 uses the device limit.
	MaxSharedMemory int
}

func (p BootstrapParams) validate(w int) error {
	if p.InputLWEDimension <= 0 || p.PolynomialSize <= 0 || p.BaseLog <= 0 || p.Levels <= 0 || p.NumSamples <= 0 {
		return fmt.Errorf("%w: zero dimension in %+v", ErrInvalidParameter, p)
	}
	if p.GLWEDimension < 0 || p.LWEIndex < 0 || p.MaxSharedMemory < 0 {
		return fmt.Errorf("%w: negative field in %+v", ErrInvalidParameter, p)
	}
	if p.PolynomialSize < 2 || !isPowerOfTwo(p.PolynomialSize) {
		return fmt.Errorf("%w: polynomial size %d is not a power of two >= 2", ErrInvalidParameter, p.PolynomialSize)
	}
	if bits.TrailingZeros(uint(p.PolynomialSize))+2 > w {
		return fmt.Errorf("%w: polynomial size %d too large for %d-bit torus", ErrInvalidParameter, p.PolynomialSize, w)
	}
	if p.BaseLog*p.Levels > w || p.BaseLog > 62 {
		return fmt.Errorf("%w: base log %d with %d levels exceeds %d-bit torus", ErrInvalidParameter, p.BaseLog, p.Levels, w)
	}
	if p.NumTestVectors < 1 || p.NumTestVectors > p.NumSamples {
		return fmt.Errorf("%w: %d test vectors for %d samples", ErrInvalidParameter, p.NumTestVectors, p.NumSamples)
	}
	return nil
}

// ScratchRequirement returns the minimum scratch bytes per concurrent unit
// the strategy needs for the given precision and dimensions.
func ScratchRequirement(strategy Strategy, precision Precision, polynomialSize, glweDimension, levels int) int {
	half := polynomialSize / 2
	k1 := glweDimension + 1
	switch strategy {
	case LowLatency:
		t := int(precision) / 8
		return t*2*k1*polynomialSize + 8*levels*polynomialSize + 16*k1*levels*half + 16*k1*half
	default:
		return amortizedPartialScratch(polynomialSize, glweDimension)
	}
}

// amortizedFullScratch keeps one digit transform and the accumulator
// transform in scratch.
func amortizedFullScratch(polynomialSize, glweDimension int) int {
	half := polynomialSize / 2
	return 16*half + 16*(glweDimension+1)*half
}

// amortizedPartialScratch keeps the accumulator transform only.
func amortizedPartialScratch(polynomialSize, glweDimension int) int {
	return 16 * (glweDimension + 1) * (polynomialSize / 2)
}

// Bootstrap enqueues the programmable bootstrap of p.NumSamples ciphertexts
// of in. Sample s is bootstrapped with test vector testVectorIndexes[s] and
// written to slot p.LWEIndex+s of out, each slot holding k*N+1 elements.
//
// Parameter, key and scratch checks happen before anything is enqueued;
// nothing is written to out when they fail.
func Bootstrap[T Torus](s *Stream, strategy Strategy, out, testVectors *Buffer[T], testVectorIndexes *Buffer[uint32], in *Buffer[T], key *FourierKey, p BootstrapParams) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidParameter)
	}
	if strategy != Amortized && strategy != LowLatency {
		return fmt.Errorf("%w: unknown strategy %s", ErrInvalidParameter, strategy)
	}
	precision := PrecisionOf[T]()
	if err := p.validate(int(precision)); err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidParameter)
	}
	if p.GLWEDimension == 0 {
		p.GLWEDimension = key.layout.GLWEDimension
	}
	ly := Layout{
		InputLWEDimension: p.InputLWEDimension,
		GLWEDimension:     p.GLWEDimension,
		Levels:            p.Levels,
		PolynomialSize:    p.PolynomialSize,
	}
	if err := key.check(s, ly, precision); err != nil {
		return err
	}
	for _, err := range []error{out.checkDevice(s), testVectors.checkDevice(s), testVectorIndexes.checkDevice(s), in.checkDevice(s)} {
		if err != nil {
			return err
		}
	}
	tw, err := s.Context().Twiddles().Get(p.PolynomialSize, s.dev.Index())
	if err != nil {
		return err
	}

	limit := p.MaxSharedMemory
	if limit == 0 {
		limit = s.dev.props.MaxSharedMemoryPerBlock
	}
	required := ScratchRequirement(strategy, precision, p.PolynomialSize, p.GLWEDimension, p.Levels)
	if required > limit {
		return insufficient(strategy, required, limit)
	}

	l := launchArgs[T]{
		dev:     s.dev,
		kr:      newKernel[T](tw, key, p.BaseLog, strategy),
		p:       p,
		out:     out,
		tvs:     testVectors,
		indexes: testVectorIndexes,
		in:      in,
	}

	if strategy == LowLatency {
		return s.enqueue("bootstrap_low_latency", l.lowLatency)
	}
	l.spill = amortizedFullScratch(p.PolynomialSize, p.GLWEDimension) > limit
	return s.enqueue("bootstrap_amortized", l.amortized)
}

// BootstrapAmortized32 runs the amortized kernel on 32-bit ciphertexts.
func BootstrapAmortized32(stream *Stream, out, testVectors *Buffer[uint32], testVectorIndexes *Buffer[uint32], in *Buffer[uint32], key *FourierKey, p BootstrapParams) error {
	return Bootstrap(stream, Amortized, out, testVectors, testVectorIndexes, in, key, p)
}

// BootstrapAmortized64 runs the amortized kernel on 64-bit ciphertexts.
func BootstrapAmortized64(stream *Stream, out, testVectors *Buffer[uint64], testVectorIndexes *Buffer[uint32], in *Buffer[uint64], key *FourierKey, p BootstrapParams) error {
	return Bootstrap(stream, Amortized, out, testVectors, testVectorIndexes, in, key, p)
}

// BootstrapLowLatency32 runs the low-latency kernel on 32-bit ciphertexts.
func BootstrapLowLatency32(stream *Stream, out, testVectors *Buffer[uint32], testVectorIndexes *Buffer[uint32], in *Buffer[uint32], key *FourierKey, p BootstrapParams) error {
	return Bootstrap(stream, LowLatency, out, testVectors, testVectorIndexes, in, key, p)
}

// BootstrapLowLatency64 runs the low-latency kernel on 64-bit ciphertexts.
func BootstrapLowLatency64(stream *Stream, out, testVectors *Buffer[uint64], testVectorIndexes *Buffer[uint32], in *Buffer[uint64], key *FourierKey, p BootstrapParams) error {
	return Bootstrap(stream, LowLatency, out, testVectors, testVectorIndexes, in, key, p)
}

// launchArgs is one enqueued bootstrap.
type launchArgs[T Torus] struct {
	dev *Device
	kr  *kernel[T]
	p   BootstrapParams

	out, tvs, in *Buffer[T]
	indexes      *Buffer[uint32]

	// spill moves the digit transform of the amortized kernel from scratch
	// to device memory.
	spill bool
}

// bounds checks every buffer access of the launch before any output is
// written.
func (l *launchArgs[T]) bounds() error {
	p, ly := l.p, l.kr.ly
	n := ly.PolynomialSize
	tvSize := (ly.GLWEDimension + 1) * n
	outSize := ly.GLWEDimension*n + 1

	switch {
	case len(l.in.data) < p.NumSamples*(p.InputLWEDimension+1):
		return fmt.Errorf("%w: input holds %d elements, %d samples need %d", ErrIllegalAddress, len(l.in.data), p.NumSamples, p.NumSamples*(p.InputLWEDimension+1))
	case len(l.out.data) < (p.LWEIndex+p.NumSamples)*outSize:
		return fmt.Errorf("%w: output holds %d elements, slots up to %d need %d", ErrIllegalAddress, len(l.out.data), p.LWEIndex+p.NumSamples, (p.LWEIndex+p.NumSamples)*outSize)
	case len(l.tvs.data) < p.NumTestVectors*tvSize:
		return fmt.Errorf("%w: test vectors hold %d elements, need %d", ErrIllegalAddress, len(l.tvs.data), p.NumTestVectors*tvSize)
	case len(l.indexes.data) < p.NumSamples:
		return fmt.Errorf("%w: %d test vector indexes for %d samples", ErrIllegalAddress, len(l.indexes.data), p.NumSamples)
	}
	for s := 0; s < p.NumSamples; s++ {
		if idx := l.indexes.data[s]; int(idx) >= p.NumTestVectors {
			return fmt.Errorf("%w: sample %d uses test vector %d of %d", ErrIllegalAddress, s, idx, p.NumTestVectors)
		}
	}
	return nil
}

func (l *launchArgs[T]) sample(s int) (in, tv, out []T) {
	p, ly := l.p, l.kr.ly
	n := ly.PolynomialSize
	tvSize := (ly.GLWEDimension + 1) * n
	outSize := ly.GLWEDimension*n + 1

	in = l.in.data[s*(p.InputLWEDimension+1) : (s+1)*(p.InputLWEDimension+1)]
	idx := int(l.indexes.data[s])
	tv = l.tvs.data[idx*tvSize : (idx+1)*tvSize]
	slot := p.LWEIndex + s
	out = l.out.data[slot*outSize : (slot+1)*outSize]
	return in, tv, out
}

// scratchPool hands one scratch region to each concurrent worker.
type scratchPool chan []complex128

func newScratchPool(workers, size int) scratchPool {
	pool := make(scratchPool, workers)
	for i := 0; i < workers; i++ {
		pool <- make([]complex128, size)
	}
	return pool
}

func (p scratchPool) get() []complex128  { return <-p }
func (p scratchPool) put(b []complex128) { p <- b }

// lowLatency runs every sample start to finish on one worker.
func (l *launchArgs[T]) lowLatency() error {
	if err := l.bounds(); err != nil {
		return err
	}

	kr := l.kr
	ly := kr.ly
	m := ly.PolynomialSize / 2
	k1 := ly.GLWEDimension + 1
	digitSize := k1 * ly.Levels * m
	pool := newScratchPool(l.dev.props.MultiProcessors, digitSize+k1*m)

	logN := bits.TrailingZeros(uint(ly.PolynomialSize))
	n := l.p.InputLWEDimension

	return launch(l.dev, "bootstrap_low_latency", l.p.NumSamples, func(s int) error {
		scratch := pool.get()
		defer pool.put(scratch)

		in, tv, out := l.sample(s)
		st := newSampleState[T](ly)
		kr.initialize(st, tv, in[n])
		for i := 0; i < n; i++ {
			kr.cmux(st, scratch[:digitSize], scratch[digitSize:], i, modSwitch(in[i], kr.w, logN))
		}
		kr.extract(out, st)
		return nil
	})
}

// amortized advances every sample by one CMUX per key slice. Per-sample
// state is held in device memory between slices.
func (l *launchArgs[T]) amortized() error {
	if err := l.bounds(); err != nil {
		return err
	}

	kr := l.kr
	ly := kr.ly
	m := ly.PolynomialSize / 2
	k1 := ly.GLWEDimension + 1
	num := l.p.NumSamples
	n := l.p.InputLWEDimension
	logN := bits.TrailingZeros(uint(ly.PolynomialSize))

	w := int64(kr.w / 8)
	perSample := 2*int64(k1*ly.PolynomialSize)*w + 8*int64(ly.Levels*ly.PolynomialSize)
	if l.spill {
		perSample += 16 * int64(m)
	}
	stateBytes := perSample * int64(num)
	if err := l.dev.reserve(stateBytes); err != nil {
		return err
	}
	defer l.dev.release(stateBytes)

	states := make([]*sampleState[T], num)
	var spilled [][]complex128
	if l.spill {
		spilled = make([][]complex128, num)
	}

	scratchSize := k1 * m
	if !l.spill {
		scratchSize += m
	}
	pool := newScratchPool(l.dev.props.MultiProcessors, scratchSize)

	if err := launch(l.dev, "bootstrap_amortized", num, func(s int) error {
		in, tv, _ := l.sample(s)
		states[s] = newSampleState[T](ly)
		if l.spill {
			spilled[s] = make([]complex128, m)
		}
		kr.initialize(states[s], tv, in[n])
		return nil
	}); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if err := launch(l.dev, "bootstrap_amortized", num, func(s int) error {
			scratch := pool.get()
			defer pool.put(scratch)

			in, _, _ := l.sample(s)
			accDFT := scratch[:k1*m]
			digitDFT := scratch[k1*m:]
			if l.spill {
				digitDFT = spilled[s]
			}
			kr.cmux(states[s], digitDFT, accDFT, i, modSwitch(in[i], kr.w, logN))
			return nil
		}); err != nil {
			return err
		}
	}

	return launch(l.dev, "bootstrap_amortized", num, func(s int) error {
		_, _, out := l.sample(s)
		kr.extract(out, states[s])
		return nil
	})
}
