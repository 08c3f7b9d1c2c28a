// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Command pbs-bench measures bootstrap latency and throughput for both
// kernel strategies and checks that they agree bit for bit.
//
// Usage:
//
//	pbs-bench -params PN10Bit32 -samples 1,16,128 -iterations 20
//	pbs-bench -cpu cpu.prof -mem mem.prof
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/pbs"
	"github.com/luxfi/pbs/gpu"
	"github.com/montanaflynn/stats"
)

var presets = map[string]pbs.ParametersLiteral{
	"PN10Bit32": pbs.PN10Bit32,
	"PN11Bit64": pbs.PN11Bit64,
}

// errMismatch is returned when the strategies disagree or decryption fails.
var errMismatch = errors.New("bootstrap check failed")

type benchConfig struct {
	params     pbs.Parameters
	samples    []int
	iterations int
	device     int
	seed       []byte
	out        io.Writer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		preset     = flag.String("params", "PN10Bit32", "parameter preset (PN10Bit32, PN11Bit64)")
		samples    = flag.String("samples", "1,8,64", "comma separated batch sizes")
		iterations = flag.Int("iterations", 10, "timed iterations per batch size and strategy")
		device     = flag.Int("device", 0, "device index")
		seed       = flag.String("seed", "pbs-bench", "key and encryption seed")
		cpuProfile = flag.String("cpu", "", "write cpu profile to file")
		memProfile = flag.String("mem", "", "write memory profile to file")
	)
	flag.Parse()

	lit, ok := presets[*preset]
	if !ok {
		return fmt.Errorf("unknown parameter preset %q", *preset)
	}
	params, err := pbs.NewParametersFromLiteral(lit)
	if err != nil {
		return err
	}
	sizes, err := parseSizes(*samples)
	if err != nil {
		return err
	}

	prof := &profiler{cpuPath: *cpuProfile, memPath: *memProfile}
	if err := prof.start(); err != nil {
		return err
	}
	defer prof.stop(os.Stdout)

	fmt.Printf("Parameters: %s (%s)\n", *preset, params)
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	cfg := benchConfig{
		params:     params,
		samples:    sizes,
		iterations: *iterations,
		device:     *device,
		seed:       []byte(*seed),
		out:        os.Stdout,
	}
	if params.Precision() == gpu.Precision32 {
		err = bench[uint32](cfg)
	} else {
		err = bench[uint64](cfg)
	}
	printMemStats(os.Stdout)
	return err
}

func parseSizes(s string) ([]int, error) {
	var sizes []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid batch size %q", f)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func bench[T gpu.Torus](cfg benchConfig) error {
	params := cfg.params
	kg, err := pbs.NewKeyGenerator[T](params, cfg.seed)
	if err != nil {
		return err
	}

	start := time.Now()
	sk := kg.GenSecretKey()
	bk := kg.GenBootstrapKey(sk)
	fmt.Fprintf(cfg.out, "Bootstrap key generation: %v\n", time.Since(start))

	enc, err := pbs.NewEncryptor[T](params, sk, cfg.seed)
	if err != nil {
		return err
	}
	dec, err := pbs.NewDecryptor[T](params, sk)
	if err != nil {
		return err
	}

	gctx, err := gpu.NewContext(gpu.Config{NumDevices: cfg.device + 1, Logger: log.New(cfg.out, "", 0)})
	if err != nil {
		return err
	}
	defer gctx.Close()

	cache := gpu.NewKeyCache(gctx, gpu.DefaultKeyCacheConfig())
	evaluators := map[gpu.Strategy]*pbs.Evaluator[T]{}
	for strategy, policy := range map[gpu.Strategy]pbs.StrategyPolicy{gpu.Amortized: pbs.AlwaysAmortized, gpu.LowLatency: pbs.AlwaysLowLatency} {
		ev, err := pbs.NewEvaluator(gctx, params, bk, pbs.EvaluatorConfig{
			Device:   cfg.device,
			Policy:   policy,
			KeyCache: cache,
			Logger:   log.New(io.Discard, "", 0),
		})
		if err != nil {
			return err
		}
		defer ev.Close()
		evaluators[strategy] = ev
	}

	p := params.MessageModulus()
	f := func(m int) int { return (m*m + 1) % p }
	lut := []pbs.LookUpTable[T]{pbs.GenLookUpTable[T](params, f)}

	fmt.Fprintf(cfg.out, "\n%-12s %8s %12s %12s %12s %14s\n", "strategy", "samples", "p50", "p90", "p99", "samples/s")
	for _, n := range cfg.samples {
		msgs := make([]int, n)
		for i := range msgs {
			msgs[i] = i % p
		}
		cts := enc.EncryptBatch(msgs)

		results := map[gpu.Strategy][]*pbs.Ciphertext[T]{}
		for _, strategy := range []gpu.Strategy{gpu.Amortized, gpu.LowLatency} {
			ev := evaluators[strategy]
			var latencies stats.Float64Data
			for it := 0; it < cfg.iterations; it++ {
				t0 := time.Now()
				out, err := ev.BootstrapBatch(context.Background(), cts, lut, nil)
				if err != nil {
					if errors.Is(err, gpu.ErrInsufficientResources) {
						fmt.Fprintf(cfg.out, "%-12s %8d   skipped: %v\n", strategy, n, err)
						break
					}
					return err
				}
				latencies = append(latencies, float64(time.Since(t0).Microseconds()))
				results[strategy] = out
			}
			if len(latencies) > 0 {
				report(cfg.out, strategy, n, latencies)
			}
		}

		if err := check(dec, msgs, f, results); err != nil {
			return err
		}
	}
	fmt.Fprintf(cfg.out, "\nKey cache: %+v\n", cache.Stats())
	return nil
}

func report(w io.Writer, strategy gpu.Strategy, n int, latencies stats.Float64Data) {
	p50, _ := stats.Percentile(latencies, 50)
	p90, _ := stats.Percentile(latencies, 90)
	p99, _ := stats.Percentile(latencies, 99)
	mean, _ := stats.Mean(latencies)
	throughput := float64(n) / (mean / 1e6)
	fmt.Fprintf(w, "%-12s %8d %12v %12v %12v %14.1f\n", strategy, n,
		time.Duration(p50)*time.Microsecond,
		time.Duration(p90)*time.Microsecond,
		time.Duration(p99)*time.Microsecond,
		throughput)
}

// check decrypts every result and verifies that both strategies produced
// identical ciphertexts.
func check[T gpu.Torus](dec *pbs.Decryptor[T], msgs []int, f func(int) int, results map[gpu.Strategy][]*pbs.Ciphertext[T]) error {
	for strategy, out := range results {
		for i, ct := range out {
			m, err := dec.Decrypt(ct)
			if err != nil {
				return err
			}
			if m != f(msgs[i]) {
				return fmt.Errorf("%w: %s sample %d decrypts to %d, want %d", errMismatch, strategy, i, m, f(msgs[i]))
			}
		}
	}

	a, b := results[gpu.Amortized], results[gpu.LowLatency]
	if a == nil || b == nil {
		return nil
	}
	for i := range a {
		if !slices.Equal(a[i].Value, b[i].Value) {
			return fmt.Errorf("%w: strategies disagree on sample %d", errMismatch, i)
		}
	}
	return nil
}
