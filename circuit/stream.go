// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/velumnet/velum/core/cell"
)

// EndError is the error returned from Stream reads when the far end
// closed the stream with a reason other than an orderly shutdown.
type EndError struct {
	// Reason is the reason byte carried in the end cell.
	Reason cell.EndReason
}

func (e *EndError) Error() string {
	return fmt.Sprintf("circuit: stream ended: reason %d", e.Reason)
}

// Stream is a bidirectional byte stream multiplexed over a circuit.  It
// implements io.ReadWriteCloser.  Both directions are flow controlled:
// writes block while the circuit or stream send window is exhausted.
type Stream struct {
	c      *Circuit
	id     uint16
	hop    int
	target string

	// accepted is false for an inbound stream until Accept is called.
	accepted bool

	// recvWindow is the deliver window advertised to the far end;
	// unacked counts cells the reader consumed that have not been
	// credited back yet.  Owned by the circuit reactor.
	recvWindow int
	unacked    int

	sendWindow *window

	connectedOnce sync.Once
	connectedCh   chan struct{}
	connectErr    error

	recvLock    sync.Mutex
	recvBuf     bytes.Buffer
	recvCells   []int // delivered cell lengths pending consumption
	recvNotify  chan struct{}
	recvClosed  bool
	recvErr     error
	writeClosed bool
}

func newStream(c *Circuit, id uint16, hop int, target string) *Stream {
	return &Stream{
		c:           c,
		id:          id,
		hop:         hop,
		target:      target,
		recvWindow:  c.params.StreamWindow,
		sendWindow:  newWindow(c.params.StreamWindow),
		connectedCh: make(chan struct{}),
		recvNotify:  make(chan struct{}),
	}
}

// ID returns the stream identifier within the circuit.
func (s *Stream) ID() uint16 {
	return s.id
}

// Target returns the address the stream was opened to.  For inbound
// streams this is the address the far end asked for.
func (s *Stream) Target() string {
	return s.target
}

// Accept acknowledges an inbound stream, telling the far end it may
// start sending data.  It is an error to call Accept on a stream opened
// locally.
func (s *Stream) Accept() error {
	if s.accepted {
		return fmt.Errorf("circuit: stream %d already accepted", s.id)
	}
	rc := &cell.RelayCell{
		Command:  cell.RelayConnected,
		StreamID: s.id,
	}
	if err := s.c.sendRelay(s.hop, rc, false); err != nil {
		return err
	}
	s.accepted = true
	s.signalConnected(nil)
	return nil
}

// Reject refuses an inbound stream with the given reason and releases
// its state.
func (s *Stream) Reject(reason cell.EndReason) error {
	return s.c.endStream(s, reason)
}

// Read reads stream data, blocking until data is available or the far
// end closes the stream.  An orderly close yields io.EOF once the
// buffered data is drained.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.recvLock.Lock()
		if s.recvBuf.Len() > 0 {
			n, _ := s.recvBuf.Read(p)
			cells := s.consumeCells(n)
			s.recvLock.Unlock()
			if cells > 0 {
				s.c.streamConsumed(s, cells)
			}
			return n, nil
		}
		if s.recvClosed {
			err := s.recvErr
			s.recvLock.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		notifyCh := s.recvNotify
		s.recvLock.Unlock()

		select {
		case <-notifyCh:
		case <-s.c.HaltCh():
			return 0, s.c.errOrClosed()
		}
	}
}

// consumeCells pops n bytes worth of delivered cell boundaries,
// returning the number of cells drained in full.  Caller holds
// recvLock.
func (s *Stream) consumeCells(n int) int {
	cells := 0
	for n > 0 && len(s.recvCells) > 0 {
		if n < s.recvCells[0] {
			s.recvCells[0] -= n
			break
		}
		n -= s.recvCells[0]
		s.recvCells = s.recvCells[1:]
		cells++
	}
	return cells
}

// Write writes stream data, splitting it into relay cells.  Each cell
// debits both the circuit and the stream send window and blocks while
// either is exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.connectedCh:
		if s.connectErr != nil {
			return 0, s.connectErr
		}
	default:
		return 0, fmt.Errorf("circuit: stream %d not connected", s.id)
	}

	written := 0
	for len(p) > 0 {
		s.recvLock.Lock()
		closed := s.writeClosed
		s.recvLock.Unlock()
		if closed {
			return written, ErrStreamClosed
		}

		n := len(p)
		if n > cell.MaxRelayDataLength {
			n = cell.MaxRelayDataLength
		}
		// The stream window is taken first so a write blocked on it
		// does not sit on circuit credit other streams could use.
		if err := s.sendWindow.Acquire(s.c.HaltCh()); err != nil {
			return written, err
		}
		if err := s.c.sendWindow.Acquire(s.c.HaltCh()); err != nil {
			s.sendWindow.Release(1)
			return written, err
		}
		rc := &cell.RelayCell{
			Command:  cell.RelayData,
			StreamID: s.id,
			Data:     p[:n],
		}
		if err := s.c.sendRelay(s.hop, rc, false); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// CloseWrite half-closes the stream: it sends an orderly end to the far
// end and refuses further writes, while reads continue to drain data the
// far end already sent.
func (s *Stream) CloseWrite() error {
	s.recvLock.Lock()
	if s.writeClosed {
		s.recvLock.Unlock()
		return nil
	}
	s.writeClosed = true
	s.recvLock.Unlock()

	rc := &cell.RelayCell{
		Command:  cell.RelayEnd,
		StreamID: s.id,
		Data:     []byte{byte(cell.EndReasonDone)},
	}
	return s.c.sendRelay(s.hop, rc, false)
}

// Close fully closes the stream and releases its identifier once both
// directions are shut down.
func (s *Stream) Close() error {
	return s.c.endStream(s, cell.EndReasonDone)
}

// waitConnected blocks until the far end acknowledges the stream, the
// circuit dies, or abortCh fires.
func (s *Stream) waitConnected(abortCh <-chan struct{}) error {
	select {
	case <-s.connectedCh:
		return s.connectErr
	case <-s.c.HaltCh():
		return s.c.errOrClosed()
	case <-abortCh:
		return ErrStreamClosed
	}
}

func (s *Stream) signalConnected(err error) {
	s.connectedOnce.Do(func() {
		s.connectErr = err
		close(s.connectedCh)
	})
}

// deliverData appends inbound data to the read buffer.  Called only
// from the circuit reactor.
func (s *Stream) deliverData(b []byte) {
	s.recvLock.Lock()
	defer s.recvLock.Unlock()
	if s.recvClosed {
		return
	}
	s.recvBuf.Write(b)
	s.recvCells = append(s.recvCells, len(b))
	close(s.recvNotify)
	s.recvNotify = make(chan struct{})
}

// deliverEnd records the far end's close.  Called only from the circuit
// reactor.
func (s *Stream) deliverEnd(reason cell.EndReason) {
	var err error
	if reason != cell.EndReasonDone {
		err = &EndError{Reason: reason}
	}
	s.fail(err)
}

// fail shuts down both directions of the stream with err, which may be
// nil for an orderly remote close.
func (s *Stream) fail(err error) {
	s.recvLock.Lock()
	if !s.recvClosed {
		s.recvClosed = true
		s.recvErr = err
		close(s.recvNotify)
		s.recvNotify = make(chan struct{})
	}
	s.writeClosed = true
	s.recvLock.Unlock()

	failErr := err
	if failErr == nil {
		failErr = ErrStreamClosed
	}
	s.sendWindow.Fail(failErr)
	s.signalConnected(failErr)
}
