// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
)

// profiler writes the CPU and heap profiles requested on the command line.
type profiler struct {
	cpuPath string
	memPath string
	cpuFile *os.File
}

func (p *profiler) start() error {
	if p.cpuPath == "" {
		return nil
	}
	f, err := os.Create(p.cpuPath)
	if err != nil {
		return fmt.Errorf("create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

func (p *profiler) stop(w io.Writer) error {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.cpuFile.Close()
		fmt.Fprintf(w, "CPU profile written to %s\n", p.cpuPath)
	}
	if p.memPath == "" {
		return nil
	}

	f, err := os.Create(p.memPath)
	if err != nil {
		return fmt.Errorf("create memory profile: %w", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("write memory profile: %w", err)
	}
	fmt.Fprintf(w, "Memory profile written to %s\n", p.memPath)
	return nil
}

func printMemStats(w io.Writer) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(w, "Memory: alloc %d MiB, total %d MiB, sys %d MiB, %d GCs\n",
		m.Alloc>>20, m.TotalAlloc>>20, m.Sys>>20, m.NumGC)
}
