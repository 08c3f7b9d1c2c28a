// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/pbs"
	"github.com/luxfi/pbs/gpu"
	"github.com/luxfi/pbs/internal/queue"
	"github.com/luxfi/pbs/internal/storage"
)

// runner bootstraps encoded batches at one precision.
type runner interface {
	Precision() gpu.Precision
	Run(ctx context.Context, device int, batch []byte, table []int, policy pbs.StrategyPolicy) ([]byte, int, error)
	KeyCache() *gpu.KeyCache
	Close() error
}

func newRunner(gctx *gpu.Context, params pbs.Parameters, seed []byte, logger *log.Logger) (runner, error) {
	switch params.Precision() {
	case gpu.Precision32:
		return newEvaluatorSet[uint32](gctx, params, seed, logger)
	case gpu.Precision64:
		return newEvaluatorSet[uint64](gctx, params, seed, logger)
	}
	return nil, fmt.Errorf("%w: %s", pbs.ErrInvalidParameters, params.Precision())
}

type evaluatorKey struct {
	device int
	policy pbs.StrategyPolicy
}

// evaluatorSet lazily creates one evaluator per device and policy. All of
// them share a key cache, so the bootstrap key is converted once per device.
type evaluatorSet[T gpu.Torus] struct {
	gctx   *gpu.Context
	params pbs.Parameters
	bk     *pbs.BootstrapKey[T]
	cache  *gpu.KeyCache
	logger *log.Logger

	mu  sync.Mutex
	evs map[evaluatorKey]*pbs.Evaluator[T]
}

func newEvaluatorSet[T gpu.Torus](gctx *gpu.Context, params pbs.Parameters, seed []byte, logger *log.Logger) (*evaluatorSet[T], error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	kg, err := pbs.NewKeyGenerator[T](params, seed)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	bk := kg.GenBootstrapKey(kg.GenSecretKey())
	logger.Printf("generated bootstrap key %s in %v", bk.Fingerprint(), time.Since(start))

	return &evaluatorSet[T]{
		gctx:   gctx,
		params: params,
		bk:     bk,
		cache:  gpu.NewKeyCache(gctx, gpu.DefaultKeyCacheConfig()),
		logger: logger,
		evs:    make(map[evaluatorKey]*pbs.Evaluator[T]),
	}, nil
}

func (s *evaluatorSet[T]) Precision() gpu.Precision { return s.params.Precision() }

func (s *evaluatorSet[T]) KeyCache() *gpu.KeyCache { return s.cache }

func (s *evaluatorSet[T]) evaluator(device int, policy pbs.StrategyPolicy) (*pbs.Evaluator[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := evaluatorKey{device: device, policy: policy}
	if ev, ok := s.evs[id]; ok {
		return ev, nil
	}
	ev, err := pbs.NewEvaluator(s.gctx, s.params, s.bk, pbs.EvaluatorConfig{
		Device:   device,
		Policy:   policy,
		KeyCache: s.cache,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.evs[id] = ev
	return ev, nil
}

func (s *evaluatorSet[T]) Run(ctx context.Context, device int, batch []byte, table []int, policy pbs.StrategyPolicy) ([]byte, int, error) {
	if len(table) != s.params.MessageModulus() {
		return nil, 0, fmt.Errorf("%w: table has %d entries, message modulus is %d", pbs.ErrInvalidParameters, len(table), s.params.MessageModulus())
	}
	cts, err := pbs.UnmarshalBatch[T](batch)
	if err != nil {
		return nil, 0, err
	}
	ev, err := s.evaluator(device, policy)
	if err != nil {
		return nil, 0, err
	}
	out, err := ev.BootstrapFunc(ctx, cts, func(m int) int { return table[m] })
	if err != nil {
		return nil, 0, err
	}
	data, err := pbs.MarshalBatch(out)
	return data, len(cts), err
}

func (s *evaluatorSet[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, ev := range s.evs {
		errs = append(errs, ev.Close())
		delete(s.evs, id)
	}
	s.cache.Purge()
	return errors.Join(errs...)
}

// WorkerPool pops jobs and runs them on the devices round robin.
type WorkerPool struct {
	numWorkers int
	devices    int
	queue      queue.Queue
	storage    storage.Storage
	runner     runner
	logger     *log.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool

	successCount atomic.Int64
	failureCount atomic.Int64
	sampleCount  atomic.Int64
}

func newWorkerPool(numWorkers, devices int, q queue.Queue, store storage.Storage, r runner, logger *log.Logger) *WorkerPool {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if devices < 1 {
		devices = 1
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		devices:    devices,
		queue:      q,
		storage:    store,
		runner:     r,
		logger:     logger,
	}
}

// Start starts the worker pool.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Load() {
		return errors.New("pool already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)

	p.logger.Printf("starting %d workers on %d devices", p.numWorkers, p.devices)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Stop cancels in-flight pops and waits for the workers to return.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	if !p.running.Load() {
		return nil
	}

	p.logger.Println("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
	p.running.Store(false)
	return nil
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		job, err := p.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrConnectionLost) {
				return
			}
			p.logger.Printf("worker %d: pop job: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.processJob(ctx, id, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, workerID int, job *queue.Job) {
	device := workerID % p.devices
	p.logger.Printf("worker %d: job %s on gpu %d", workerID, job.ID, device)

	job.Status = queue.StatusProcessing
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Printf("worker %d: update job %s: %v", workerID, job.ID, err)
	}

	result, samples, err := p.execute(ctx, device, job)
	if err != nil {
		job.Status = queue.StatusFailed
		job.Error = err.Error()
		p.failureCount.Add(1)
		p.logger.Printf("worker %d: job %s failed: %v", workerID, job.ID, err)
	} else {
		job.Status = queue.StatusCompleted
		job.ResultHandle = string(result)
		job.Samples = samples
		p.successCount.Add(1)
		p.sampleCount.Add(int64(samples))
	}
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Printf("worker %d: update job %s: %v", workerID, job.ID, err)
	}
}

func (p *WorkerPool) execute(ctx context.Context, device int, job *queue.Job) (storage.Handle, int, error) {
	if gpu.Precision(job.Precision) != p.runner.Precision() {
		return "", 0, fmt.Errorf("%w: job is %d-bit, worker is %s", gpu.ErrPrecisionMismatch, job.Precision, p.runner.Precision())
	}
	policy, err := pbs.ParseStrategyPolicy(job.Strategy)
	if err != nil {
		return "", 0, err
	}
	handle, err := storage.ParseHandle(job.BatchHandle)
	if err != nil {
		return "", 0, err
	}
	batch, err := p.storage.Load(ctx, handle)
	if err != nil {
		return "", 0, fmt.Errorf("load batch: %w", err)
	}

	out, samples, err := p.runner.Run(ctx, device, batch, job.Table, policy)
	if err != nil {
		return "", 0, fmt.Errorf("bootstrap: %w", err)
	}
	result, err := p.storage.Store(ctx, out)
	if err != nil {
		return "", 0, fmt.Errorf("store result: %w", err)
	}
	return result, samples, nil
}
