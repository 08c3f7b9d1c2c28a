// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// launch runs fn for every index in [0, count) on the device's
// multiprocessors. A task that panics faults the launch.
func launch(dev *Device, op string, count int, fn func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(dev.props.MultiProcessors)

	for i := 0; i < count; i++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &DeviceError{Device: dev.Index(), Op: op, Err: fmt.Errorf("%w: %v", ErrIllegalAddress, r)}
				}
			}()
			return fn(i)
		})
	}

	return g.Wait()
}
