// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Command pbs-worker runs programmable bootstrapping workers. Jobs arrive on
// a Redis queue and reference encoded ciphertext batches in storage; results
// are stored next to them and the job record carries the result handle.
//
// The bootstrap key is generated from -key-seed, so clients holding the same
// seed derive the matching secret key.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/pbs"
	"github.com/luxfi/pbs/gpu"
	"github.com/luxfi/pbs/internal/queue"
	"github.com/luxfi/pbs/internal/storage"
)

var presets = map[string]pbs.ParametersLiteral{
	"PN10Bit32": pbs.PN10Bit32,
	"PN11Bit64": pbs.PN11Bit64,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		numWorkers  = flag.Int("workers", 4, "number of worker goroutines")
		numDevices  = flag.Int("devices", 1, "number of devices")
		memoryMB    = flag.Int64("device-memory", 4096, "per-device memory budget in MiB")
		redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
		redisDB     = flag.Int("redis-db", 0, "Redis database number")
		queueName   = flag.String("queue", "default", "queue name")
		storagePath = flag.String("storage", "/tmp/pbs-storage", "batch storage path")
		metricsAddr = flag.String("metrics", ":9090", "metrics server address")
		preset      = flag.String("params", "PN10Bit32", "parameter preset (PN10Bit32, PN11Bit64)")
		keySeed     = flag.String("key-seed", "", "bootstrap key seed")
	)
	flag.Parse()

	lit, ok := presets[*preset]
	if !ok {
		return fmt.Errorf("unknown parameter preset %q", *preset)
	}
	params, err := pbs.NewParametersFromLiteral(lit)
	if err != nil {
		return fmt.Errorf("create parameters: %w", err)
	}
	if *keySeed == "" {
		return fmt.Errorf("-key-seed is required")
	}

	log.Printf("PBS worker starting...")
	log.Printf("  Params: %s (%s)", *preset, params)
	log.Printf("  Workers: %d on %d devices", *numWorkers, *numDevices)
	log.Printf("  Redis: %s", *redisAddr)
	log.Printf("  Storage: %s", *storagePath)
	log.Printf("  Metrics: %s", *metricsAddr)

	q, err := queue.NewRedisQueue(queue.RedisConfig{Addr: *redisAddr, DB: *redisDB}, *queueName)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()

	store, err := storage.NewFileStorage(*storagePath)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}

	gctx, err := gpu.NewContext(gpu.Config{
		NumDevices:   *numDevices,
		MemoryBudget: *memoryMB << 20,
		Logger:       log.Default(),
	})
	if err != nil {
		return fmt.Errorf("create gpu context: %w", err)
	}
	defer gctx.Close()

	r, err := newRunner(gctx, params, []byte(*keySeed), log.Default())
	if err != nil {
		return fmt.Errorf("create evaluators: %w", err)
	}
	defer r.Close()

	pool := newWorkerPool(*numWorkers, *numDevices, q, store, r, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	server := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsHandler(pool, gctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Metrics server starting on %s", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %s", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := pool.Stop(30 * time.Second); err != nil {
		log.Printf("Worker pool shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func metricsHandler(pool *WorkerPool, gctx *gpu.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		stats := pool.runner.KeyCache().Stats()

		fmt.Fprintf(w, "# HELP pbs_jobs_total Bootstrap jobs by outcome\n")
		fmt.Fprintf(w, "# TYPE pbs_jobs_total counter\n")
		fmt.Fprintf(w, "pbs_jobs_total{status=\"success\"} %d\n", pool.successCount.Load())
		fmt.Fprintf(w, "pbs_jobs_total{status=\"failure\"} %d\n", pool.failureCount.Load())
		fmt.Fprintf(w, "# HELP pbs_samples_total Ciphertexts bootstrapped\n")
		fmt.Fprintf(w, "# TYPE pbs_samples_total counter\n")
		fmt.Fprintf(w, "pbs_samples_total %d\n", pool.sampleCount.Load())
		fmt.Fprintf(w, "# TYPE pbs_key_cache_total counter\n")
		fmt.Fprintf(w, "pbs_key_cache_total{event=\"hit\"} %d\n", stats.Hits)
		fmt.Fprintf(w, "pbs_key_cache_total{event=\"miss\"} %d\n", stats.Misses)
		fmt.Fprintf(w, "pbs_key_cache_total{event=\"eviction\"} %d\n", stats.Evictions)
		fmt.Fprintf(w, "# TYPE pbs_device_memory_bytes gauge\n")
		for i := 0; i < gctx.NumDevices(); i++ {
			dev, err := gctx.Device(i)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "pbs_device_memory_bytes{gpu=\"%d\"} %d\n", i, dev.MemoryUsed())
		}
	})
	return mux
}
