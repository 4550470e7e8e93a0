// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist/dh"
	"github.com/stretchr/testify/require"

	"github.com/velumnet/velum/circuit"
	"github.com/velumnet/velum/config"
	"github.com/velumnet/velum/core/cell"
	"github.com/velumnet/velum/core/log"
	"github.com/velumnet/velum/core/onion"
	"github.com/velumnet/velum/core/pki"
)

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err, "log.New()")
	return backend
}

func testDescriptor(t *testing.T, linkKey dh.Keypair) *pki.RelayDescriptor {
	d := &pki.RelayDescriptor{
		Name:         "test-relay",
		IdentityKey:  make([]byte, pki.IdentityKeyLength),
		LinkKey:      linkKey.Public().Bytes(),
		OnionKey:     make([]byte, pki.DHKeyLength),
		Addresses:    []string{"192.0.2.1:5000"},
		LinkVersions: []uint16{4, 5},
	}
	_, err := rand.Reader.Read(d.IdentityKey)
	require.NoError(t, err, "entropy")
	_, err = rand.Reader.Read(d.OnionKey)
	require.NoError(t, err, "entropy")
	return d
}

// channelPair establishes an initiator and responder channel over an
// in-memory pipe.
func channelPair(t *testing.T, params *config.Parameters) (*Channel, *Channel) {
	require := require.New(t)

	relayKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	require.NoError(err, "GenerateKeypair()")
	backend := testLogBackend(t)

	initConn, respConn := net.Pipe()
	type result struct {
		ch  *Channel
		err error
	}
	respCh := make(chan *result, 1)
	go func() {
		ch, err := Accept(respConn, &Config{
			LogBackend:    backend,
			Params:        params,
			LinkKey:       relayKey,
			Authenticator: acceptAll{},
		})
		respCh <- &result{ch, err}
	}()

	initiator, err := Open(initConn, &Config{
		LogBackend: backend,
		Params:     params,
		Descriptor: testDescriptor(t, relayKey),
	})
	require.NoError(err, "Open()")
	resp := <-respCh
	require.NoError(resp.err, "Accept()")

	t.Cleanup(func() {
		initiator.Close()
		resp.ch.Close()
	})
	return initiator, resp.ch
}

func TestChannelEstablish(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	initiator, responder := channelPair(t, config.DefaultParameters())
	require.Equal(uint16(5), initiator.Version(), "negotiated version")
	require.Equal(uint16(5), responder.Version(), "negotiated version")

	// Circuit identifiers are partitioned by link role.
	for i := 0; i < 8; i++ {
		circ, err := initiator.NewCircuit()
		require.NoError(err, "NewCircuit(initiator)")
		require.NotZero(circ.ID()&initiatorIDBit, "initiator identifier bit")
		require.NoError(circ.Close(), "Close()")

		circ, err = responder.NewCircuit()
		require.NoError(err, "NewCircuit(responder)")
		require.Zero(circ.ID()&initiatorIDBit, "responder identifier bit")
		require.NoError(circ.Close(), "Close()")
	}
}

func TestChannelRemoteDestroy(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	initiator, responder := channelPair(t, config.DefaultParameters())

	circ, err := initiator.NewCircuit()
	require.NoError(err, "NewCircuit()")
	other, err := initiator.NewCircuit()
	require.NoError(err, "NewCircuit()")

	// A cell for a circuit the far end never heard of is dropped
	// without affecting the link.
	require.NoError(responder.SendCell(cell.NewDestroy(0x7eadbeef, cell.DestroyReasonInternal)), "SendCell(unknown)")

	// Destroying the real circuit kills it, but not the channel.
	require.NoError(responder.SendCell(cell.NewDestroy(circ.ID(), cell.DestroyReasonFinished)), "SendCell(destroy)")

	select {
	case <-circ.HaltCh():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for circuit teardown")
	}
	require.Equal(circuit.StateFailed, circ.State(), "circuit state")
	var destroyed *circuit.DestroyedError
	require.ErrorAs(circ.Err(), &destroyed, "circuit error")
	require.Equal(cell.DestroyReasonFinished, destroyed.Reason, "destroy reason")

	require.NoError(initiator.Err(), "channel survives")
	require.Equal(circuit.StateBuilding, other.State(), "unrelated circuit survives")
	_, err = initiator.NewCircuit()
	require.NoError(err, "NewCircuit() after destroy")
}

func TestChannelTeardownCascade(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	initiator, _ := channelPair(t, config.DefaultParameters())

	circ, err := initiator.NewCircuit()
	require.NoError(err, "NewCircuit()")

	require.NoError(initiator.Close(), "Close()")
	select {
	case <-circ.HaltCh():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for circuit teardown")
	}
	require.Equal(circuit.StateFailed, circ.State(), "circuit state")
	require.Error(circ.Err(), "circuit failed by channel")

	err = initiator.SendCell(cell.New(1, cell.Padding, nil))
	require.Equal(ErrChannelClosed, err, "SendCell() after close")

	_, err = initiator.NewCircuit()
	require.Equal(ErrChannelClosed, err, "NewCircuit() after close")
}

// relayLoop implements a single hop relay behind a raw session: it
// answers circuit handshakes, connects streams, and echoes stream data.
// A stream data payload of "drop-me" makes it destroy that circuit.
func relayLoop(sess *Session, desc *pki.RelayDescriptor, onionPriv nike.PrivateKey) {
	crypto := make(map[uint32]*onion.HopCrypto)
	for {
		c, err := sess.RecvCell()
		if err != nil {
			return
		}
		switch c.Command {
		case cell.Create2:
			_, onionskin, err := cell.ParseCreate2Payload(c.Payload)
			if err != nil {
				return
			}
			reply, keys, err := onion.ServerHandshake(desc.Fingerprint(), onionPriv, onionskin)
			if err != nil {
				return
			}
			crypto[c.CircID] = onion.NewHopCrypto(keys)
			if err = sess.SendCell(cell.New(c.CircID, cell.Created2, cell.Created2Payload(reply))); err != nil {
				return
			}
		case cell.Relay, cell.RelayEarly:
			hc := crypto[c.CircID]
			if hc == nil {
				return
			}
			p := c.Payload
			hc.EncryptForward(p)
			if !hc.RecognizeForward(p) {
				return
			}
			rc, err := cell.RelayFromBytes(p)
			if err != nil {
				return
			}
			var reply *cell.RelayCell
			switch rc.Command {
			case cell.RelayBegin:
				reply = &cell.RelayCell{Command: cell.RelayConnected, StreamID: rc.StreamID}
			case cell.RelayData:
				if string(rc.Data) == "drop-me" {
					delete(crypto, c.CircID)
					if err = sess.SendCell(cell.NewDestroy(c.CircID, cell.DestroyReasonFinished)); err != nil {
						return
					}
					continue
				}
				reply = &cell.RelayCell{Command: cell.RelayData, StreamID: rc.StreamID, Data: rc.Data}
			default:
				continue
			}
			rp := reply.ToBytes()
			hc.SealBackward(rp)
			hc.DecryptBackward(rp)
			if err = sess.SendCell(cell.New(c.CircID, cell.Relay, rp)); err != nil {
				return
			}
		default:
			// Padding and stray link level traffic.
		}
	}
}

func TestChannelDestroyStreamIsolation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	relayKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	require.NoError(err, "GenerateKeypair()")
	scheme := ecdh.Scheme(rand.Reader)
	onionPub, onionPriv, err := scheme.GenerateKeyPairFromEntropy(rand.Reader)
	require.NoError(err, "GenerateKeyPairFromEntropy()")

	desc := testDescriptor(t, relayKey)
	desc.OnionKey = onionPub.Bytes()

	initConn, respConn := net.Pipe()
	responder, err := NewSession(&SessionConfig{
		Authenticator: acceptAll{},
		LinkKey:       relayKey,
	}, false)
	require.NoError(err, "NewSession()")

	type result struct {
		ch  *Channel
		err error
	}
	openCh := make(chan *result, 1)
	go func() {
		ch, err := Open(initConn, &Config{
			LogBackend: testLogBackend(t),
			Params:     config.DefaultParameters(),
			Descriptor: desc,
		})
		openCh <- &result{ch, err}
	}()

	require.NoError(responder.Initialize(respConn), "Initialize()")
	c, err := responder.RecvCell()
	require.NoError(err, "RecvCell(versions)")
	require.Equal(cell.Versions, c.Command, "versions cell")
	require.NoError(responder.SendCell(cell.NewVersions([]uint16{4, 5})), "SendCell(versions)")

	opened := <-openCh
	require.NoError(opened.err, "Open()")
	ch := opened.ch
	defer ch.Close()
	go relayLoop(responder, desc, onionPriv)

	ctx := context.Background()
	circA, err := ch.NewCircuit()
	require.NoError(err, "NewCircuit(a)")
	require.NoError(circA.Extend(ctx, desc), "Extend(a)")
	circB, err := ch.NewCircuit()
	require.NoError(err, "NewCircuit(b)")
	require.NoError(circB.Extend(ctx, desc), "Extend(b)")

	sA, err := circA.OpenStream(ctx, "a:1")
	require.NoError(err, "OpenStream(a)")
	sB, err := circB.OpenStream(ctx, "b:1")
	require.NoError(err, "OpenStream(b)")

	echo := func(s io.ReadWriter, msg string) {
		_, err := s.Write([]byte(msg))
		require.NoError(err, "Write(%q)", msg)
		buf := make([]byte, len(msg))
		_, err = io.ReadFull(s, buf)
		require.NoError(err, "Read(%q)", msg)
		require.Equal(msg, string(buf), "echo")
	}
	echo(sA, "first")
	echo(sB, "second")

	// The relay destroys circuit a; b and its streams keep working
	// over the same channel.
	_, err = sA.Write([]byte("drop-me"))
	require.NoError(err, "Write(drop-me)")
	select {
	case <-circA.HaltCh():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for circuit teardown")
	}
	var destroyed *circuit.DestroyedError
	require.ErrorAs(circA.Err(), &destroyed, "circuit a error")
	_, err = sA.Read(make([]byte, 1))
	require.Error(err, "Read(a) after destroy")

	echo(sB, "still here")
	require.Equal(circuit.StateOpen, circB.State(), "circuit b state")
	require.NoError(ch.Err(), "channel survives")
}

func TestChannelKeepAlive(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	params := config.DefaultParameters()
	params.KeepAliveIntervalMs = 50

	relayKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	require.NoError(err, "GenerateKeypair()")

	initConn, respConn := net.Pipe()
	responder, err := NewSession(&SessionConfig{
		Authenticator: acceptAll{},
		LinkKey:       relayKey,
	}, false)
	require.NoError(err, "NewSession()")

	type result struct {
		ch  *Channel
		err error
	}
	openCh := make(chan *result, 1)
	go func() {
		ch, err := Open(initConn, &Config{
			LogBackend: testLogBackend(t),
			Params:     params,
			Descriptor: testDescriptor(t, relayKey),
		})
		openCh <- &result{ch, err}
	}()

	require.NoError(responder.Initialize(respConn), "Initialize()")
	c, err := responder.RecvCell()
	require.NoError(err, "RecvCell(versions)")
	require.Equal(cell.Versions, c.Command, "versions cell")
	require.NoError(responder.SendCell(cell.NewVersions([]uint16{4, 5})), "SendCell(versions)")

	opened := <-openCh
	require.NoError(opened.err, "Open()")
	defer opened.ch.Close()

	// With no traffic queued, the channel emits keepalive padding.
	c, err = responder.RecvCell()
	require.NoError(err, "RecvCell(padding)")
	require.Equal(cell.Padding, c.Command, "keepalive cell")
}
