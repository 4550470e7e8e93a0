// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedCell(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	payload := []byte("I am the very model of a modern Major-General")
	c := New(0xdeadbeef, Relay, payload)
	require.Equal(PayloadLength, len(c.Payload), "New() padded payload length")

	b := c.ToBytes()
	require.Equal(FixedCellLength, len(b), "ToBytes() length")

	cc, err := FromBytes(b)
	require.NoError(err, "FromBytes()")
	require.Equal(uint32(0xdeadbeef), cc.CircID, "CircID")
	require.Equal(Relay, cc.Command, "Command")
	require.Equal(payload, cc.Payload[:len(payload)], "payload prefix")
	for _, v := range cc.Payload[len(payload):] {
		require.Zero(v, "payload padding")
	}
}

func TestFixedCellMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b := New(1, Relay, nil).ToBytes()

	_, err := FromBytes(b[:3])
	require.Equal(ErrTruncated, err, "header truncated")

	_, err = FromBytes(b[:FixedCellLength-1])
	require.Equal(ErrTruncated, err, "payload truncated")

	_, err = FromBytes(append(b, 0))
	require.Equal(ErrMalformed, err, "trailing garbage")

	b[4] = 0x42
	_, err = FromBytes(b)
	require.IsType(&UnknownCommandError{}, err, "unknown command")
}

func TestVersionsCell(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	versions := []uint16{4, 5}
	c := NewVersions(versions)
	require.True(c.Command.IsVariableLength(), "Versions is variable-length")
	require.True(c.Command.IsLinkLocal(), "Versions is link-local")

	b := c.ToBytes()
	require.Equal(CircIDLength+1+2+4, len(b), "serialized length")

	cc, err := FromBytes(b)
	require.NoError(err, "FromBytes()")
	parsed, err := ParseVersions(cc)
	require.NoError(err, "ParseVersions()")
	require.Equal(versions, parsed, "versions round trip")

	_, err = FromBytes(b[:len(b)-1])
	require.Equal(ErrTruncated, err, "truncated variable cell")
}

func TestDestroyCell(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewDestroy(3, DestroyReasonProtocol)
	cc, err := FromBytes(c.ToBytes())
	require.NoError(err, "FromBytes()")
	reason, err := ParseDestroy(cc)
	require.NoError(err, "ParseDestroy()")
	require.Equal(DestroyReasonProtocol, reason, "reason")
}

func TestRelayCell(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	data := []byte("a quick brown fox")
	rc := &RelayCell{
		Command:  RelayData,
		StreamID: 7,
		Data:     data,
	}
	p := rc.ToBytes()
	require.Equal(PayloadLength, len(p), "relay payload length")

	parsed, err := RelayFromBytes(p)
	require.NoError(err, "RelayFromBytes()")
	require.Equal(RelayData, parsed.Command, "Command")
	require.Equal(uint16(0), parsed.Recognized, "Recognized")
	require.Equal(uint16(7), parsed.StreamID, "StreamID")
	require.Equal(data, parsed.Data, "Data")

	_, err = RelayFromBytes(p[:RelayHeaderLength-1])
	require.Equal(ErrTruncated, err, "truncated relay cell")

	// A length field pointing past the payload end.
	p[9] = 0xff
	p[10] = 0xff
	_, err = RelayFromBytes(p)
	require.Equal(ErrMalformed, err, "oversized data length")
}

func TestRelayCellMaxData(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	data := make([]byte, MaxRelayDataLength)
	for i := range data {
		data[i] = byte(i)
	}
	rc := &RelayCell{Command: RelayData, StreamID: 1, Data: data}
	parsed, err := RelayFromBytes(rc.ToBytes())
	require.NoError(err, "RelayFromBytes()")
	require.Equal(data, parsed.Data, "max sized data round trip")

	rc.Data = make([]byte, MaxRelayDataLength+1)
	require.Panics(func() { rc.ToBytes() }, "oversized data panics")
}

func TestExtendBodies(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	onionskin := make([]byte, 96)
	for i := range onionskin {
		onionskin[i] = byte(i ^ 0x5a)
	}

	p := Create2Payload(HandshakeTypeDH, onionskin)
	htype, skin, err := ParseCreate2Payload(p)
	require.NoError(err, "ParseCreate2Payload()")
	require.Equal(HandshakeTypeDH, htype, "handshake type")
	require.Equal(onionskin, skin, "onionskin")

	reply := make([]byte, 64)
	rp := Created2Payload(reply)
	parsedReply, err := ParseCreated2Payload(rp)
	require.NoError(err, "ParseCreated2Payload()")
	require.Equal(reply, parsedReply, "reply")

	body := &Extend2Body{
		Address:     "192.0.2.1:5000",
		IdentityKey: make([]byte, 32),
		Htype:       HandshakeTypeDH,
		Onionskin:   onionskin,
	}
	parsedBody, err := Extend2BodyFromBytes(body.ToBytes())
	require.NoError(err, "Extend2BodyFromBytes()")
	require.Equal(body, parsedBody, "extend body round trip")

	_, err = Extend2BodyFromBytes(body.ToBytes()[:10])
	require.Equal(ErrTruncated, err, "truncated extend body")
}
