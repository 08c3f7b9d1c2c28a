// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package pbs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/luxfi/pbs/gpu"
)

// DefaultAmortizedThreshold is the smallest batch the automatic policy sends
// to the amortized kernel.
const DefaultAmortizedThreshold = 32

// maxKeyAttempts bounds how often a batch looks up a key that a shared
// cache keeps evicting.
const maxKeyAttempts = 3

// StrategyPolicy selects the kernel of each batch.
type StrategyPolicy int

const (
	// Auto picks low latency for small batches and amortized for large ones,
	// falling back to amortized when the low-latency scratch does not fit.
	Auto StrategyPolicy = iota
	AlwaysAmortized
	AlwaysLowLatency
)

func (p StrategyPolicy) String() string {
	switch p {
	case Auto:
		return "auto"
	case AlwaysAmortized:
		return "amortized"
	case AlwaysLowLatency:
		return "low-latency"
	default:
		return fmt.Sprintf("StrategyPolicy(%d)", int(p))
	}
}

// ParseStrategyPolicy parses the String form of a policy.
func ParseStrategyPolicy(s string) (StrategyPolicy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return Auto, nil
	case "amortized":
		return AlwaysAmortized, nil
	case "low-latency", "lowlatency":
		return AlwaysLowLatency, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidParameters, s)
}

// EvaluatorConfig configures an Evaluator
type EvaluatorConfig struct {
	// Device is the accelerator index the evaluator runs on
	Device int
	// Policy selects the kernel per batch
	Policy StrategyPolicy
	// AmortizedThreshold overrides DefaultAmortizedThreshold when positive
	AmortizedThreshold int
	// MaxSharedMemory overrides the device scratch limit when positive
	MaxSharedMemory int
	// KeyCache is shared between evaluators when set; otherwise each
	// evaluator owns a cache with the default limit
	KeyCache *gpu.KeyCache
	// Logger receives lifecycle messages; nil uses log.Default
	Logger *log.Logger
}

// Evaluator bootstraps batches of ciphertexts on one device. Batches are
// serialized on the evaluator's stream; use one evaluator per device to
// run batches in parallel.
type Evaluator[T gpu.Torus] struct {
	params Parameters
	cfg    EvaluatorConfig
	ctx    *gpu.Context
	logger *log.Logger

	bk        *BootstrapKey[T]
	cache     *gpu.KeyCache
	ownsCache bool

	mu     sync.Mutex
	stream *gpu.Stream
	fp     gpu.Fingerprint
	closed bool
}

// NewEvaluator converts bk on cfg.Device and returns an evaluator using it.
func NewEvaluator[T gpu.Torus](ctx *gpu.Context, params Parameters, bk *BootstrapKey[T], cfg EvaluatorConfig) (*Evaluator[T], error) {
	if err := checkPrecision[T](params); err != nil {
		return nil, err
	}
	if bk == nil || bk.Layout != params.Layout() || bk.BaseLog != params.BaseLog() {
		return nil, fmt.Errorf("%w: bootstrap key does not match %s", gpu.ErrKeyMismatch, params)
	}
	if err := ctx.InitializeTwiddles(uint32(params.PolynomialSize()), uint32(cfg.Device)); err != nil {
		return nil, fmt.Errorf("initialize twiddles: %w", err)
	}
	stream, err := ctx.NewStream(cfg.Device)
	if err != nil {
		return nil, err
	}

	ev := &Evaluator[T]{
		params: params,
		cfg:    cfg,
		ctx:    ctx,
		logger: cfg.Logger,
		bk:     bk,
		cache:  cfg.KeyCache,
		stream: stream,
	}
	if ev.logger == nil {
		ev.logger = log.Default()
	}
	if ev.cache == nil {
		ev.cache = gpu.NewKeyCache(ctx, gpu.DefaultKeyCacheConfig())
		ev.ownsCache = true
	}

	if _, ev.fp, err = gpu.GetOrConvert(ev.cache, stream, params.Layout(), bk.Value); err != nil {
		stream.Destroy()
		return nil, fmt.Errorf("convert bootstrap key: %w", err)
	}
	ev.logger.Printf("pbs: evaluator on gpu %d ready (%s, key %s)", cfg.Device, params, ev.fp)
	return ev, nil
}

// Params returns the evaluator's parameters.
func (ev *Evaluator[T]) Params() Parameters { return ev.params }

// KeyCache returns the cache holding the converted key.
func (ev *Evaluator[T]) KeyCache() *gpu.KeyCache { return ev.cache }

// SelectStrategy returns the kernel a batch of numSamples would run on.
func (ev *Evaluator[T]) SelectStrategy(numSamples int) gpu.Strategy {
	switch ev.cfg.Policy {
	case AlwaysAmortized:
		return gpu.Amortized
	case AlwaysLowLatency:
		return gpu.LowLatency
	}

	threshold := ev.cfg.AmortizedThreshold
	if threshold <= 0 {
		threshold = DefaultAmortizedThreshold
	}
	if numSamples >= threshold {
		return gpu.Amortized
	}
	required := gpu.ScratchRequirement(gpu.LowLatency, ev.params.Precision(), ev.params.PolynomialSize(), ev.params.GLWEDimension(), ev.params.Levels())
	if required > ev.scratchLimit() {
		return gpu.Amortized
	}
	return gpu.LowLatency
}

func (ev *Evaluator[T]) scratchLimit() int {
	if ev.cfg.MaxSharedMemory > 0 {
		return ev.cfg.MaxSharedMemory
	}
	return ev.stream.Device().Properties().MaxSharedMemoryPerBlock
}

// key returns the converted key, converting again if the cache evicted it.
// Must be called with mu held.
func (ev *Evaluator[T]) key() (*gpu.FourierKey, error) {
	key, err := ev.cache.Get(ev.fp, ev.cfg.Device)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, gpu.ErrKeyNotFound) {
		return nil, err
	}
	ev.logger.Printf("pbs: key %s evicted from gpu %d, converting again", ev.fp, ev.cfg.Device)
	key, _, err = gpu.GetOrConvert(ev.cache, ev.stream, ev.params.Layout(), ev.bk.Value)
	return key, err
}

// Bootstrap evaluates lut on a single ciphertext.
func (ev *Evaluator[T]) Bootstrap(ctx context.Context, ct *Ciphertext[T], lut LookUpTable[T]) (*Ciphertext[T], error) {
	out, err := ev.BootstrapBatch(ctx, []*Ciphertext[T]{ct}, []LookUpTable[T]{lut}, nil)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// BootstrapFunc evaluates f on every ciphertext of cts.
func (ev *Evaluator[T]) BootstrapFunc(ctx context.Context, cts []*Ciphertext[T], f func(int) int) ([]*Ciphertext[T], error) {
	return ev.BootstrapBatch(ctx, cts, []LookUpTable[T]{GenLookUpTable[T](ev.params, f)}, nil)
}

// BootstrapBatch bootstraps cts[i] with luts[indexes[i]]. A nil indexes
// applies luts[0] to every ciphertext when there is one table and luts[i]
// to cts[i] when there are as many tables as ciphertexts.
//
// When ctx is cancelled the call returns early; the batch still completes
// on the device and its buffers are released afterwards.
func (ev *Evaluator[T]) BootstrapBatch(ctx context.Context, cts []*Ciphertext[T], luts []LookUpTable[T], indexes []uint32) ([]*Ciphertext[T], error) {
	indexes, err := ev.checkBatch(cts, luts, indexes)
	if err != nil {
		return nil, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.closed {
		return nil, gpu.ErrStreamClosed
	}

	key, err := ev.key()
	if err != nil {
		return nil, err
	}
	return ev.run(ctx, key, cts, luts, indexes)
}

// run bootstraps a checked batch with key. Must be called with mu held.
func (ev *Evaluator[T]) run(ctx context.Context, key *gpu.FourierKey, cts []*Ciphertext[T], luts []LookUpTable[T], indexes []uint32) ([]*Ciphertext[T], error) {
	n := ev.params.LWEDimension()
	N := ev.params.PolynomialSize()
	k := ev.params.GLWEDimension()
	slot := k*N + 1

	in := make([]T, 0, len(cts)*(n+1))
	for _, ct := range cts {
		in = append(in, ct.Value...)
	}
	tvs := make([]T, 0, len(luts)*(k+1)*N)
	for _, lut := range luts {
		tvs = append(tvs, lut.Value...)
	}

	b, err := ev.allocBatch(len(in), len(tvs), len(indexes), len(cts)*slot)
	if err != nil {
		return nil, err
	}

	s := ev.stream
	strategy := ev.SelectStrategy(len(cts))
	p := ev.params.BootstrapParams(len(cts), len(luts))
	p.MaxSharedMemory = ev.cfg.MaxSharedMemory

	host := make([]T, len(cts)*slot)
	err = errors.Join(
		gpu.Upload(s, b.in, 0, in),
		gpu.Upload(s, b.tvs, 0, tvs),
		gpu.Upload(s, b.idx, 0, indexes),
	)
	if err == nil {
		err = ev.launch(strategy, b, key, p)
	}
	if err == nil {
		err = gpu.Download(s, host, b.out, 0)
	}
	if err != nil {
		ev.resetStream(s.Synchronize())
		b.free()
		return nil, err
	}

	done, err := s.RecordEvent()
	if err != nil {
		b.free()
		return nil, err
	}
	if err := done.WaitContext(ctx); err != nil && !done.Ready() {
		go func() {
			_ = done.Wait()
			b.free()
		}()
		return nil, err
	}
	b.free()
	if err := done.Wait(); err != nil {
		ev.resetStream(err)
		return nil, fmt.Errorf("bootstrap %d samples (%s): %w", len(cts), strategy, err)
	}

	out := make([]*Ciphertext[T], len(cts))
	for i := range out {
		out[i] = &Ciphertext[T]{Value: host[i*slot : (i+1)*slot : (i+1)*slot]}
	}
	return out, nil
}

// launch enqueues the bootstrap of b. A key freed by an eviction after it
// was looked up is fetched again, converting it if needed.
// Must be called with mu held.
func (ev *Evaluator[T]) launch(strategy gpu.Strategy, b *batchBuffers[T], key *gpu.FourierKey, p gpu.BootstrapParams) error {
	for attempt := 1; ; attempt++ {
		err := gpu.Bootstrap(ev.stream, strategy, b.out, b.tvs, b.idx, b.in, key, p)
		if !errors.Is(err, gpu.ErrKeyFreed) || attempt == maxKeyAttempts {
			return err
		}
		if key, err = ev.key(); err != nil {
			return err
		}
	}
}

func (ev *Evaluator[T]) checkBatch(cts []*Ciphertext[T], luts []LookUpTable[T], indexes []uint32) ([]uint32, error) {
	if len(cts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidParameters)
	}
	if len(luts) == 0 || len(luts) > len(cts) {
		return nil, fmt.Errorf("%w: %d look-up tables for %d ciphertexts", ErrInvalidParameters, len(luts), len(cts))
	}
	n := ev.params.LWEDimension()
	for i, ct := range cts {
		if ct == nil || ct.Dimension() != n {
			return nil, fmt.Errorf("%w: ciphertext %d is not of dimension %d", ErrInvalidParameters, i, n)
		}
	}
	size := (ev.params.GLWEDimension() + 1) * ev.params.PolynomialSize()
	for i, lut := range luts {
		if len(lut.Value) != size {
			return nil, fmt.Errorf("%w: look-up table %d has %d coefficients, want %d", ErrInvalidParameters, i, len(lut.Value), size)
		}
	}

	if indexes == nil {
		indexes = make([]uint32, len(cts))
		if len(luts) > 1 {
			if len(luts) != len(cts) {
				return nil, fmt.Errorf("%w: indexes required for %d tables and %d ciphertexts", ErrInvalidParameters, len(luts), len(cts))
			}
			for i := range indexes {
				indexes[i] = uint32(i)
			}
		}
	}
	if len(indexes) != len(cts) {
		return nil, fmt.Errorf("%w: %d indexes for %d ciphertexts", ErrInvalidParameters, len(indexes), len(cts))
	}
	for i, idx := range indexes {
		if int(idx) >= len(luts) {
			return nil, fmt.Errorf("%w: index %d of ciphertext %d out of range", ErrInvalidParameters, idx, i)
		}
	}
	return indexes, nil
}

type batchBuffers[T gpu.Torus] struct {
	in, tvs, out *gpu.Buffer[T]
	idx          *gpu.Buffer[uint32]
}

func (ev *Evaluator[T]) allocBatch(in, tvs, idx, out int) (*batchBuffers[T], error) {
	dev := ev.stream.Device()
	b := &batchBuffers[T]{}
	var err error
	if b.in, err = gpu.Alloc[T](dev, in); err != nil {
		return nil, err
	}
	if b.tvs, err = gpu.Alloc[T](dev, tvs); err != nil {
		b.free()
		return nil, err
	}
	if b.idx, err = gpu.Alloc[uint32](dev, idx); err != nil {
		b.free()
		return nil, err
	}
	if b.out, err = gpu.Alloc[T](dev, out); err != nil {
		b.free()
		return nil, err
	}
	return b, nil
}

func (b *batchBuffers[T]) free() {
	for _, buf := range []*gpu.Buffer[T]{b.in, b.tvs, b.out} {
		if buf != nil {
			buf.Free()
		}
	}
	if b.idx != nil {
		b.idx.Free()
	}
}

// resetStream replaces a stream left unusable by a device fault.
// Must be called with mu held.
func (ev *Evaluator[T]) resetStream(cause error) {
	if !errors.Is(cause, gpu.ErrDeviceFault) {
		return
	}
	ev.logger.Printf("pbs: gpu %d stream faulted, recreating: %v", ev.cfg.Device, cause)
	ev.stream.Destroy()
	s, err := ev.ctx.NewStream(ev.cfg.Device)
	if err != nil {
		ev.logger.Printf("pbs: gpu %d: %v", ev.cfg.Device, err)
		ev.closed = true
		return
	}
	ev.stream = s
}

// Close drains outstanding work and releases the stream. The converted key
// stays cached when the cache is shared.
func (ev *Evaluator[T]) Close() error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.closed {
		return nil
	}
	ev.closed = true

	err := ev.stream.Synchronize()
	ev.stream.Destroy()
	if ev.ownsCache {
		ev.cache.Purge()
	}
	return err
}
