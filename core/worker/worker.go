// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutines.
package worker

import (
	"context"
	"sync"
	"time"
)

// Worker is a set of managed background goroutines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go executes fn in a new goroutine.  Multiple goroutines may be started
// under the same Worker, each is responsible for watching HaltCh and
// returning.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all goroutines started under the Worker to terminate and
// waits until they have returned.  It is safe to call more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context derived from parent that is also canceled
// when the Worker halts.  The returned cancel func must be called.
func (w *Worker) HaltContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	haltCh := w.HaltCh()
	go func() {
		select {
		case <-haltCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Every runs fn under the Worker each interval until halted.
func (w *Worker) Every(interval time.Duration, fn func()) {
	w.Go(func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-w.HaltCh():
				return
			case <-t.C:
				fn()
			}
		}
	})
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
