// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"sync"
)

// window is a credit based send window.  It starts out with the full
// window of credit, Acquire debits one unit of credit per data cell
// sent, and Release restores credit when the peer acknowledges delivery.
// The amount of sent but unacknowledged data can never exceed the
// initial window size.
type window struct {
	sync.Mutex

	initial int
	credit  int
	waitCh  chan struct{}
	err     error
}

func newWindow(n int) *window {
	return &window{
		initial: n,
		credit:  n,
		waitCh:  make(chan struct{}),
	}
}

// Acquire debits one unit of credit, blocking while the window is
// exhausted.  It returns immediately with an error if the window has
// failed, or if abortCh fires while waiting.
func (w *window) Acquire(abortCh <-chan interface{}) error {
	for {
		w.Lock()
		if w.err != nil {
			err := w.err
			w.Unlock()
			return err
		}
		if w.credit > 0 {
			w.credit--
			w.Unlock()
			return nil
		}
		waitCh := w.waitCh
		w.Unlock()

		select {
		case <-waitCh:
		case <-abortCh:
			return ErrCircuitClosed
		}
	}
}

// Release restores n units of credit and wakes all blocked senders.  It
// returns false if the release would push the credit past the initial
// window size, which means the peer acknowledged data that was never
// sent.
func (w *window) Release(n int) bool {
	w.Lock()
	defer w.Unlock()
	if w.err != nil {
		return true
	}
	if w.credit+n > w.initial {
		return false
	}
	w.credit += n
	close(w.waitCh)
	w.waitCh = make(chan struct{})
	return true
}

// Fail marks the window as failed and wakes all blocked senders.
func (w *window) Fail(err error) {
	w.Lock()
	defer w.Unlock()
	if w.err != nil {
		return
	}
	w.err = err
	close(w.waitCh)
	w.waitCh = make(chan struct{})
}
