// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"fmt"
)

const (
	// RelayHeaderLength is the length of the relay cell header.
	RelayHeaderLength = 1 + 2 + 2 + 4 + 2

	// MaxRelayDataLength is the maximum data carried by one relay cell.
	MaxRelayDataLength = PayloadLength - RelayHeaderLength

	// RelayDigestLength is the truncated running digest carried in each
	// relay cell header.
	RelayDigestLength = 4

	// RelayRecognizedOffset is the offset of the recognized field within
	// a serialized relay payload.
	RelayRecognizedOffset = 1

	// RelayDigestOffset is the offset of the digest field within a
	// serialized relay payload.
	RelayDigestOffset = 5
)

// RelayCommand is the command of a relay cell, multiplexed inside the
// payload of a Relay or RelayEarly link cell.
type RelayCommand byte

const (
	// RelayBegin opens a new stream to a target address.
	RelayBegin RelayCommand = 1

	// RelayData carries stream data.
	RelayData RelayCommand = 2

	// RelayEnd closes one direction of a stream, with a reason byte.
	RelayEnd RelayCommand = 3

	// RelayConnected acknowledges a RelayBegin.
	RelayConnected RelayCommand = 4

	// RelaySendme restores flow control credit.  Stream identifier 0
	// addresses the circuit-level window.
	RelaySendme RelayCommand = 5

	// RelayTruncate requests removal of the last hop.
	RelayTruncate RelayCommand = 8

	// RelayTruncated reports that the circuit lost its tail.
	RelayTruncated RelayCommand = 9

	// RelayDrop is long-range padding, ignored on receipt.
	RelayDrop RelayCommand = 10

	// RelayExtend2 tunnels a handshake to extend the circuit by a hop.
	RelayExtend2 RelayCommand = 14

	// RelayExtended2 carries the reply to a RelayExtend2.
	RelayExtended2 RelayCommand = 15
)

func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	case RelayExtend2:
		return "EXTEND2"
	case RelayExtended2:
		return "EXTENDED2"
	}
	return fmt.Sprintf("[?%02x]", byte(c))
}

// IsStreamScoped returns true if the command addresses an individual
// stream rather than the circuit itself.
func (c RelayCommand) IsStreamScoped() bool {
	switch c {
	case RelayBegin, RelayData, RelayEnd, RelayConnected:
		return true
	}
	return false
}

// EndReason is the reason byte carried in a RelayEnd cell.
type EndReason byte

const (
	// EndReasonMisc is the catch-all close reason.
	EndReasonMisc EndReason = 1

	// EndReasonResolveFailed indicates the target could not be resolved.
	EndReasonResolveFailed EndReason = 2

	// EndReasonConnectRefused indicates the target refused the connection.
	EndReasonConnectRefused EndReason = 3

	// EndReasonExitPolicy indicates the relay's policy forbids the target.
	EndReasonExitPolicy EndReason = 4

	// EndReasonDone is an orderly close.
	EndReasonDone EndReason = 6
)

// RelayCell is the deserialized form of the relay cell carried inside a
// Relay or RelayEarly link cell after all onion layers are removed.
type RelayCell struct {
	// Command is the relay command.
	Command RelayCommand

	// Recognized is zero in a cell addressed to this endpoint.  The
	// field is part of the layer recognition check, not the caller API.
	Recognized uint16

	// StreamID addresses a stream within the circuit, 0 for commands
	// with circuit-level effect.
	StreamID uint16

	// Digest is the truncated running digest of the originating layer.
	Digest [RelayDigestLength]byte

	// Data is the relay cell data, at most MaxRelayDataLength bytes.
	Data []byte
}

// ToBytes serializes the relay cell into a full, zero-padded relay
// payload of exactly PayloadLength bytes.  It panics on oversized data,
// which indicates a bug in the caller.
func (r *RelayCell) ToBytes() []byte {
	if len(r.Data) > MaxRelayDataLength {
		panic("cell: oversized relay cell data")
	}
	out := make([]byte, PayloadLength)
	out[0] = byte(r.Command)
	binary.BigEndian.PutUint16(out[1:3], r.Recognized)
	binary.BigEndian.PutUint16(out[3:5], r.StreamID)
	copy(out[5:9], r.Digest[:])
	binary.BigEndian.PutUint16(out[9:11], uint16(len(r.Data)))
	copy(out[RelayHeaderLength:], r.Data)
	return out
}

// RelayFromBytes deserializes a relay cell from a fully decrypted relay
// payload.
func RelayFromBytes(b []byte) (*RelayCell, error) {
	if len(b) < RelayHeaderLength {
		return nil, ErrTruncated
	}
	if len(b) != PayloadLength {
		return nil, ErrMalformed
	}

	r := new(RelayCell)
	r.Command = RelayCommand(b[0])
	r.Recognized = binary.BigEndian.Uint16(b[1:3])
	r.StreamID = binary.BigEndian.Uint16(b[3:5])
	copy(r.Digest[:], b[5:9])
	dataLen := int(binary.BigEndian.Uint16(b[9:11]))
	if dataLen > MaxRelayDataLength {
		return nil, ErrMalformed
	}
	r.Data = make([]byte, dataLen)
	copy(r.Data, b[RelayHeaderLength:RelayHeaderLength+dataLen])
	return r, nil
}
