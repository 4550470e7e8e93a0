// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
)

const (
	// HandshakeTypeDH identifies the x25519 circuit handshake.
	HandshakeTypeDH uint16 = 2

	// identityKeyLength is the wire length of a relay identity key
	// inside an Extend2 body.
	identityKeyLength = 32
)

// Create2Payload frames a handshake onionskin for a Create2 cell.
func Create2Payload(htype uint16, onionskin []byte) []byte {
	out := make([]byte, 4, 4+len(onionskin))
	binary.BigEndian.PutUint16(out[0:2], htype)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(onionskin)))
	return append(out, onionskin...)
}

// ParseCreate2Payload extracts the handshake type and onionskin from a
// Create2 cell payload.
func ParseCreate2Payload(b []byte) (uint16, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	hlen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < 4+hlen {
		return 0, nil, ErrTruncated
	}
	onionskin := make([]byte, hlen)
	copy(onionskin, b[4:4+hlen])
	return htype, onionskin, nil
}

// Created2Payload frames a handshake reply for a Created2 cell or the
// data of a RelayExtended2 cell.
func Created2Payload(reply []byte) []byte {
	out := make([]byte, 2, 2+len(reply))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(reply)))
	return append(out, reply...)
}

// ParseCreated2Payload extracts the handshake reply from a Created2 cell
// payload or a RelayExtended2 body.
func ParseCreated2Payload(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrTruncated
	}
	hlen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+hlen {
		return nil, ErrTruncated
	}
	reply := make([]byte, hlen)
	copy(reply, b[2:2+hlen])
	return reply, nil
}

// Extend2Body is the deserialized body of a RelayExtend2 cell: where the
// extending relay should connect, who it should expect, and the
// onionskin to deliver.
type Extend2Body struct {
	// Address is the next relay's dialable address.
	Address string

	// IdentityKey is the next relay's identity signing key, pinned by
	// the extending relay during its link handshake.
	IdentityKey []byte

	// Htype is the handshake type of the onionskin.
	Htype uint16

	// Onionskin is the client handshake message for the next relay.
	Onionskin []byte
}

// ToBytes serializes the Extend2 body.  It panics if the address or
// identity key is oversized, which indicates a bug in the caller.
func (e *Extend2Body) ToBytes() []byte {
	if len(e.Address) > 255 {
		panic("cell: oversized extend address")
	}
	if len(e.IdentityKey) != identityKeyLength {
		panic("cell: extend identity key with wrong length")
	}
	out := make([]byte, 0, 1+len(e.Address)+identityKeyLength+4+len(e.Onionskin))
	out = append(out, byte(len(e.Address)))
	out = append(out, e.Address...)
	out = append(out, e.IdentityKey...)
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], e.Htype)
	binary.BigEndian.PutUint16(tmp[2:4], uint16(len(e.Onionskin)))
	out = append(out, tmp[:]...)
	return append(out, e.Onionskin...)
}

// Extend2BodyFromBytes deserializes an Extend2 body.
func Extend2BodyFromBytes(b []byte) (*Extend2Body, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}
	addrLen := int(b[0])
	b = b[1:]
	if len(b) < addrLen+identityKeyLength+4 {
		return nil, ErrTruncated
	}

	e := new(Extend2Body)
	e.Address = string(b[:addrLen])
	b = b[addrLen:]
	e.IdentityKey = make([]byte, identityKeyLength)
	copy(e.IdentityKey, b[:identityKeyLength])
	b = b[identityKeyLength:]
	e.Htype = binary.BigEndian.Uint16(b[0:2])
	hlen := int(binary.BigEndian.Uint16(b[2:4]))
	b = b[4:]
	if len(b) < hlen {
		return nil, ErrTruncated
	}
	e.Onionskin = make([]byte, hlen)
	copy(e.Onionskin, b[:hlen])
	return e, nil
}
