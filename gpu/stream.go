// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Event marks a point in a stream. It completes once every command
// submitted before it has run.
type Event struct {
	done chan struct{}
	err  error
	mu   sync.Mutex
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Wait blocks until the event completes and returns the stream's sticky
// fault, if any.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// WaitContext blocks until completion or context cancellation.
// Cancellation does not stop the stream.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready returns true if the event has completed
func (e *Event) Ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Event) complete(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
		e.err = err
		close(e.done)
	}
}

type command struct {
	op    string
	fn    func() error
	event *Event
}

// Stream is an ordered asynchronous command queue bound to one device.
// Submission never blocks; commands run one after another on a dedicated
// goroutine. Commands on different streams are not ordered.
type Stream struct {
	dev *Device

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []command
	closed bool
	err    error
	done   chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
}

func newStream(dev *Device) *Stream {
	s := &Stream{
		dev:  dev,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Device returns the device the stream is bound to.
func (s *Stream) Device() *Device { return s.dev }

// Context returns the context owning the stream's device.
func (s *Stream) Context() *Context { return s.dev.ctx }

func (s *Stream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		cmd := s.queue[0]
		s.queue[0] = command{}
		s.queue = s.queue[1:]
		faulted := s.err != nil
		s.mu.Unlock()

		if cmd.fn != nil && !faulted {
			if err := s.exec(cmd); err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
		}

		if cmd.event != nil {
			cmd.event.complete(s.Err())
		}
		s.completed.Add(1)
	}
}

func (s *Stream) exec(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeviceError{Device: s.dev.Index(), Op: cmd.op, Err: fmt.Errorf("%w: %v", ErrIllegalAddress, r)}
		}
	}()

	if err = cmd.fn(); err != nil {
		var de *DeviceError
		if !errors.As(err, &de) {
			err = &DeviceError{Device: s.dev.Index(), Op: cmd.op, Err: err}
		}
	}
	return err
}

func (s *Stream) submit(cmd command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.queue = append(s.queue, cmd)
	s.submitted.Add(1)
	s.cond.Signal()
	return nil
}

// enqueue schedules fn after every command already on the stream.
func (s *Stream) enqueue(op string, fn func() error) error {
	return s.submit(command{op: op, fn: fn})
}

// RecordEvent enqueues a marker and returns the event tracking it.
func (s *Stream) RecordEvent() (*Event, error) {
	ev := newEvent()
	if err := s.submit(command{op: "event", event: ev}); err != nil {
		return nil, err
	}
	return ev, nil
}

// Synchronize waits for every submitted command and returns the first
// device fault raised on the stream.
func (s *Stream) Synchronize() error {
	ev, err := s.RecordEvent()
	if err != nil {
		return err
	}
	return ev.Wait()
}

// SynchronizeContext is Synchronize bounded by ctx.
func (s *Stream) SynchronizeContext(ctx context.Context) error {
	ev, err := s.RecordEvent()
	if err != nil {
		return err
	}
	return ev.WaitContext(ctx)
}

// Err returns the sticky fault of the stream without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of commands not yet completed.
func (s *Stream) Pending() int {
	return int(s.submitted.Load() - s.completed.Load())
}

// Destroy drains the stream and stops its goroutine. Later submissions
// fail with ErrStreamClosed.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()

	<-s.done
	s.dev.ctx.forget(s)
}
