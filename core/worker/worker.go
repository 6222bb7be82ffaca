// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background go routines.
package worker

import "sync"

// Worker is a set of background go routines sharing a termination signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
}

// Go runs fn in a new go routine owned by the Worker.  fn must monitor the
// channel returned by HaltCh and return when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all go routines started under the Worker to terminate, and
// waits until they have all returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
