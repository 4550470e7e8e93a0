// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"errors"
	"fmt"

	"github.com/velumnet/velum/core/cell"
)

var (
	// ErrCircuitClosed is the error returned for operations on a circuit
	// that has been closed locally.
	ErrCircuitClosed = errors.New("circuit: circuit closed")

	// ErrChannelClosed is the error reported to a circuit's dependents
	// when the owning channel is torn down underneath it.
	ErrChannelClosed = errors.New("circuit: channel closed")

	// ErrExtendTimeout is the error returned when a hop does not answer
	// a handshake within the configured extend timeout.  The circuit,
	// not the channel, fails.
	ErrExtendTimeout = errors.New("circuit: extend timed out")

	// ErrStreamClosed is the error returned for operations on a closed
	// stream.
	ErrStreamClosed = errors.New("circuit: stream closed")

	// ErrQueueOverflow is the error used to tear down a circuit whose
	// inbound queue overflowed.  Overflow means the peer is sending more
	// cells than flow control permits.
	ErrQueueOverflow = errors.New("circuit: inbound queue overflow")
)

// ExtendError is the error returned when a circuit extension attempt
// fails.  The caller may build a fresh circuit through different relays;
// partial circuits are never retried hop by hop.
type ExtendError struct {
	// Err is the underlying cause.
	Err error
}

func (e *ExtendError) Error() string {
	return fmt.Sprintf("circuit: extend failed: %v", e.Err)
}

func (e *ExtendError) Unwrap() error {
	return e.Err
}

// DestroyedError is the error reported to a circuit's dependents when
// the far end tears the circuit down with a Destroy cell.
type DestroyedError struct {
	// Reason is the reason code carried in the Destroy cell.
	Reason cell.DestroyReason
}

func (e *DestroyedError) Error() string {
	return fmt.Sprintf("circuit: destroyed by peer: %v", e.Reason)
}

// ProtocolError is the error used when the peer violates the relay
// protocol on an open circuit.  It is fatal to the circuit.
type ProtocolError struct {
	// Err is the underlying cause.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("circuit: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
