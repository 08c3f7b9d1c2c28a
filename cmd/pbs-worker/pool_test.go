// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/pbs"
	"github.com/luxfi/pbs/gpu"
	"github.com/luxfi/pbs/internal/queue"
	"github.com/luxfi/pbs/internal/storage"
	"github.com/stretchr/testify/require"
)

var workerParams = pbs.ParametersLiteral{
	LWEDimension:      32,
	GLWEDimension:     1,
	LogPolynomialSize: 10,
	BaseLog:           7,
	Levels:            3,
	LWENoise:          -20,
	GLWENoise:         -25,
	MessageModulus:    4,
	Precision:         gpu.Precision32,
}

const workerSeed = "worker test seed"

type poolFixture struct {
	params pbs.Parameters
	gctx   *gpu.Context
	pool   *WorkerPool
	queue  *queue.MemoryQueue
	store  *storage.MemoryStorage
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	params := pbs.MustParameters(workerParams)

	gctx, err := gpu.NewContext(gpu.Config{NumDevices: 2, MemoryBudget: 1 << 30, Workers: 4})
	require.NoError(t, err)
	t.Cleanup(func() { gctx.Close() })

	r, err := newRunner(gctx, params, []byte(workerSeed), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	q := queue.NewMemoryQueue(16)
	store := storage.NewMemoryStorage(64)
	pool := newWorkerPool(2, 2, q, store, r, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, pool.Stop(10*time.Second))
		q.Close()
	})

	return &poolFixture{params: params, gctx: gctx, pool: pool, queue: q, store: store}
}

func (f *poolFixture) wait(t *testing.T, id string) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		return job.Status == queue.StatusCompleted || job.Status == queue.StatusFailed
	}, 30*time.Second, 10*time.Millisecond)
	return job
}

func TestWorkerPoolBootstrapsBatch(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	kg, err := pbs.NewKeyGenerator[uint32](f.params, []byte(workerSeed))
	require.NoError(t, err)
	sk := kg.GenSecretKey()
	enc, err := pbs.NewEncryptor[uint32](f.params, sk, nil)
	require.NoError(t, err)
	dec, err := pbs.NewDecryptor[uint32](f.params, sk)
	require.NoError(t, err)

	msgs := []int{0, 1, 2, 3, 3, 2}
	data, err := pbs.MarshalBatch(enc.EncryptBatch(msgs))
	require.NoError(t, err)
	handle, err := f.store.Store(ctx, data)
	require.NoError(t, err)

	table := []int{3, 2, 1, 0}
	for _, strategy := range []string{"amortized", "low-latency", ""} {
		id := "job-" + strategy
		require.NoError(t, f.queue.Push(ctx, &queue.Job{ID: id, BatchHandle: string(handle), Table: table, Strategy: strategy, Precision: 32}))

		job := f.wait(t, id)
		require.Equal(t, queue.StatusCompleted, job.Status, job.Error)
		require.Equal(t, len(msgs), job.Samples)

		out, err := f.store.Load(ctx, storage.Handle(job.ResultHandle))
		require.NoError(t, err)
		cts, err := pbs.UnmarshalBatch[uint32](out)
		require.NoError(t, err)
		require.Len(t, cts, len(msgs))
		for i, ct := range cts {
			m, err := dec.Decrypt(ct)
			require.NoError(t, err)
			require.Equal(t, table[msgs[i]], m, "%s sample %d", id, i)
		}
	}
	require.Equal(t, int64(3), f.pool.successCount.Load())
	require.Equal(t, int64(3*len(msgs)), f.pool.sampleCount.Load())
}

func TestWorkerPoolFailures(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	missing := storage.ComputeHandle([]byte("nothing stored here"))
	garbage, err := f.store.Store(ctx, []byte("not a batch"))
	require.NoError(t, err)

	cases := []*queue.Job{
		{ID: "precision", BatchHandle: string(missing), Table: []int{0, 1, 2, 3}, Precision: 64},
		{ID: "strategy", BatchHandle: string(missing), Table: []int{0, 1, 2, 3}, Precision: 32, Strategy: "fastest"},
		{ID: "handle", BatchHandle: "../secret", Table: []int{0, 1, 2, 3}, Precision: 32},
		{ID: "missing", BatchHandle: string(missing), Table: []int{0, 1, 2, 3}, Precision: 32},
		{ID: "table", BatchHandle: string(garbage), Table: []int{0, 1}, Precision: 32},
		{ID: "garbage", BatchHandle: string(garbage), Table: []int{0, 1, 2, 3}, Precision: 32},
	}
	for _, job := range cases {
		require.NoError(t, f.queue.Push(ctx, job))
	}
	for _, job := range cases {
		got := f.wait(t, job.ID)
		require.Equal(t, queue.StatusFailed, got.Status, job.ID)
		require.NotEmpty(t, got.Error, job.ID)
	}
	require.Equal(t, int64(len(cases)), f.pool.failureCount.Load())
	require.Zero(t, f.pool.successCount.Load())
}

func TestMetricsHandler(t *testing.T) {
	f := newPoolFixture(t)
	srv := httptest.NewServer(metricsHandler(f.pool, f.gctx))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `pbs_jobs_total{status="success"} 0`)
	require.Contains(t, string(body), `pbs_device_memory_bytes{gpu="1"}`)
}
