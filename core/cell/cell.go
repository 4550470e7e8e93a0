// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the velum link cell wire encoding.
package cell

import (
	"encoding/binary"
	"fmt"
)

const (
	// CircIDLength is the length of a circuit identifier in bytes.
	CircIDLength = 4

	// PayloadLength is the fixed payload length of a fixed-length cell.
	PayloadLength = 509

	// FixedCellLength is the wire size of every fixed-length cell.
	FixedCellLength = CircIDLength + 1 + PayloadLength

	// MaxVariablePayloadLength bounds the payload of a variable-length
	// cell, chosen to keep link frames small.
	MaxVariablePayloadLength = 4096

	varCellOverhead = CircIDLength + 1 + 2
)

// Command is a link cell command.
type Command byte

const (
	// Padding is the link-local keepalive cell.
	Padding Command = 0x00

	// Relay carries an onion-encrypted relay cell for an open circuit.
	Relay Command = 0x03

	// Destroy tears down a circuit, carrying a one-byte reason code.
	Destroy Command = 0x04

	// Versions negotiates the link protocol version (variable-length).
	Versions Command = 0x07

	// RelayEarly is a Relay restricted to circuit extension.
	RelayEarly Command = 0x09

	// Create2 initiates the first hop handshake of a circuit.
	Create2 Command = 0x0a

	// Created2 completes the first hop handshake of a circuit.
	Created2 Command = 0x0b

	// VPadding is variable-length link padding.
	VPadding Command = 0x80
)

// IsVariableLength returns true if cells with the command use the
// variable-length framing.
func (c Command) IsVariableLength() bool {
	return c == Versions || c >= 0x80
}

// IsLinkLocal returns true if the command is only valid with circuit
// identifier 0.
func (c Command) IsLinkLocal() bool {
	switch c {
	case Padding, Versions, VPadding:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case Padding:
		return "PADDING"
	case Relay:
		return "RELAY"
	case Destroy:
		return "DESTROY"
	case Versions:
		return "VERSIONS"
	case RelayEarly:
		return "RELAY_EARLY"
	case Create2:
		return "CREATE2"
	case Created2:
		return "CREATED2"
	case VPadding:
		return "VPADDING"
	}
	return fmt.Sprintf("[?%02x]", byte(c))
}

func isKnownCommand(c Command) bool {
	switch c {
	case Padding, Relay, Destroy, Versions, RelayEarly, Create2, Created2, VPadding:
		return true
	}
	return false
}

// DestroyReason is the reason code carried in a Destroy cell.
type DestroyReason byte

const (
	// DestroyReasonNone indicates no reason was given.
	DestroyReasonNone DestroyReason = 0

	// DestroyReasonProtocol indicates a protocol violation.
	DestroyReasonProtocol DestroyReason = 1

	// DestroyReasonInternal indicates an internal error at a relay.
	DestroyReasonInternal DestroyReason = 2

	// DestroyReasonRequested indicates an orderly local teardown.
	DestroyReasonRequested DestroyReason = 3

	// DestroyReasonFinished indicates the circuit has expired.
	DestroyReasonFinished DestroyReason = 9
)

func (r DestroyReason) String() string {
	switch r {
	case DestroyReasonNone:
		return "NONE"
	case DestroyReasonProtocol:
		return "PROTOCOL"
	case DestroyReasonInternal:
		return "INTERNAL"
	case DestroyReasonRequested:
		return "REQUESTED"
	case DestroyReasonFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("[?%02x]", byte(r))
}

// Cell is a deserialized link cell.
type Cell struct {
	// CircID is the circuit identifier, 0 for link-local commands.
	CircID uint32

	// Command determines the cell's framing and interpretation.
	Command Command

	// Payload is the cell payload.  For fixed-length commands it is
	// always exactly PayloadLength bytes.
	Payload []byte
}

// New constructs a Cell, padding the payload with zeros to PayloadLength
// for fixed-length commands.  It panics if the payload exceeds the
// command's limit, as that indicates a bug in the caller.
func New(circID uint32, cmd Command, payload []byte) *Cell {
	c := &Cell{
		CircID:  circID,
		Command: cmd,
	}
	if cmd.IsVariableLength() {
		if len(payload) > MaxVariablePayloadLength {
			panic("cell: oversized variable-length payload")
		}
		c.Payload = append([]byte{}, payload...)
		return c
	}
	if len(payload) > PayloadLength {
		panic("cell: oversized fixed-length payload")
	}
	c.Payload = make([]byte, PayloadLength)
	copy(c.Payload, payload)
	return c
}

// ToBytes serializes the cell and returns the resulting slice.  Fixed
// length cells always serialize to exactly FixedCellLength bytes, the
// padding having been applied at construction time.
func (c *Cell) ToBytes() []byte {
	if c.Command.IsVariableLength() {
		out := make([]byte, varCellOverhead, varCellOverhead+len(c.Payload))
		binary.BigEndian.PutUint32(out[0:4], c.CircID)
		out[4] = byte(c.Command)
		binary.BigEndian.PutUint16(out[5:7], uint16(len(c.Payload)))
		return append(out, c.Payload...)
	}

	if len(c.Payload) != PayloadLength {
		// Cells built via New are always properly padded.
		panic("cell: fixed-length cell with unpadded payload")
	}
	out := make([]byte, FixedCellLength)
	binary.BigEndian.PutUint32(out[0:4], c.CircID)
	out[4] = byte(c.Command)
	copy(out[CircIDLength+1:], c.Payload)
	return out
}

// FromBytes deserializes the cell in the buffer b, returning a Cell or an
// error.  The buffer must contain exactly one cell.
func FromBytes(b []byte) (*Cell, error) {
	if len(b) < CircIDLength+1 {
		return nil, ErrTruncated
	}

	c := new(Cell)
	c.CircID = binary.BigEndian.Uint32(b[0:4])
	c.Command = Command(b[4])
	if !isKnownCommand(c.Command) {
		return nil, &UnknownCommandError{Command: byte(c.Command)}
	}

	if c.Command.IsVariableLength() {
		if len(b) < varCellOverhead {
			return nil, ErrTruncated
		}
		payloadLen := int(binary.BigEndian.Uint16(b[5:7]))
		if payloadLen > MaxVariablePayloadLength {
			return nil, ErrMalformed
		}
		b = b[varCellOverhead:]
		if len(b) < payloadLen {
			return nil, ErrTruncated
		}
		if len(b) != payloadLen {
			return nil, ErrMalformed
		}
		c.Payload = make([]byte, payloadLen)
		copy(c.Payload, b)
		return c, nil
	}

	if len(b) < FixedCellLength {
		return nil, ErrTruncated
	}
	if len(b) != FixedCellLength {
		return nil, ErrMalformed
	}
	c.Payload = make([]byte, PayloadLength)
	copy(c.Payload, b[CircIDLength+1:])
	return c, nil
}

// NewVersions constructs a Versions cell advertising the given link
// protocol versions.
func NewVersions(versions []uint16) *Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	return New(0, Versions, payload)
}

// ParseVersions extracts the advertised versions from a Versions cell.
func ParseVersions(c *Cell) ([]uint16, error) {
	if c.Command != Versions {
		return nil, ErrMalformed
	}
	if len(c.Payload)%2 != 0 {
		return nil, ErrMalformed
	}
	versions := make([]uint16, 0, len(c.Payload)/2)
	for i := 0; i < len(c.Payload); i += 2 {
		versions = append(versions, binary.BigEndian.Uint16(c.Payload[i:]))
	}
	return versions, nil
}

// NewDestroy constructs a Destroy cell for the given circuit and reason.
func NewDestroy(circID uint32, reason DestroyReason) *Cell {
	return New(circID, Destroy, []byte{byte(reason)})
}

// ParseDestroy extracts the reason code from a Destroy cell.
func ParseDestroy(c *Cell) (DestroyReason, error) {
	if c.Command != Destroy || len(c.Payload) < 1 {
		return DestroyReasonNone, ErrMalformed
	}
	return DestroyReason(c.Payload[0]), nil
}
