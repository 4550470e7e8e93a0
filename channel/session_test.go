// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"net"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist/dh"
	"github.com/stretchr/testify/require"

	"github.com/velumnet/velum/core/cell"
)

type acceptAll struct{}

func (acceptAll) IsPeerValid(*PeerCredentials) bool { return true }

func sessionPair(t *testing.T, initAuth PeerAuthenticator) (*Session, *Session, dh.Keypair) {
	require := require.New(t)

	responderKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	require.NoError(err, "GenerateKeypair()")

	initiator, err := NewSession(&SessionConfig{
		Authenticator: initAuth,
	}, true)
	require.NoError(err, "NewSession(initiator)")

	responder, err := NewSession(&SessionConfig{
		Authenticator: acceptAll{},
		LinkKey:       responderKey,
	}, false)
	require.NoError(err, "NewSession(responder)")

	return initiator, responder, responderKey
}

func TestSessionHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	initiator, responder, responderKey := sessionPair(t, acceptAll{})
	initConn, respConn := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.Initialize(respConn)
	}()
	require.NoError(initiator.Initialize(initConn), "Initialize(initiator)")
	require.NoError(<-errCh, "Initialize(responder)")

	creds, err := initiator.PeerCredentials()
	require.NoError(err, "PeerCredentials()")
	require.Equal(responderKey.Public().Bytes(), creds.PublicKey, "responder static key")

	// Fixed-length cell, initiator to responder.
	go func() {
		errCh <- initiator.SendCell(cell.New(42, cell.Relay, []byte("ping")))
	}()
	c, err := responder.RecvCell()
	require.NoError(err, "RecvCell()")
	require.NoError(<-errCh, "SendCell()")
	require.Equal(uint32(42), c.CircID, "CircID")
	require.Equal(cell.Relay, c.Command, "Command")
	require.Equal([]byte("ping"), c.Payload[:4], "payload")

	// Variable-length cell, responder to initiator.
	go func() {
		errCh <- responder.SendCell(cell.NewVersions([]uint16{4}))
	}()
	c, err = initiator.RecvCell()
	require.NoError(err, "RecvCell(variable)")
	require.NoError(<-errCh, "SendCell(variable)")
	require.Equal(cell.Versions, c.Command, "Command(variable)")

	initiator.Close()
	responder.Close()
}

func TestSessionAuthenticationFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	wrongKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	require.NoError(err, "GenerateKeypair()")
	pin := &pinAuthenticator{linkKey: wrongKey.Public().Bytes()}

	initiator, responder, _ := sessionPair(t, pin)
	initConn, respConn := net.Pipe()

	go func() {
		// The responder's handshake fails once the initiator hangs up.
		_ = responder.Initialize(respConn)
	}()
	err = initiator.Initialize(initConn)
	require.Equal(ErrAuthenticationFailed, err, "pinned key mismatch")
	initConn.Close()
	respConn.Close()

	// The failed session is unusable.
	err = initiator.SendCell(cell.New(1, cell.Padding, nil))
	require.Equal(ErrInvalidState, err, "SendCell() after failed handshake")
}
