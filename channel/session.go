// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements the link layer: an authenticated encrypted
// session to a single relay, and the multiplexing of circuits over it.
package channel

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/velumnet/velum/core/cell"
)

const (
	maxMsgLen = 65536
	macLen    = 16
)

var prologue = []byte{0x01} // Prologue indicates link generation 1.

const (
	stateInit        uint32 = 0
	stateEstablished uint32 = 1
	stateInvalid     uint32 = 2
)

var (
	// ErrInvalidState is the error returned when a session operation is
	// attempted in a state that does not permit it.
	ErrInvalidState = errors.New("channel: session in invalid state")

	// ErrAuthenticationFailed is the error returned when the peer's
	// link handshake completes but its static key is rejected.
	ErrAuthenticationFailed = errors.New("channel: link authentication failed")

	errMsgSize = errors.New("channel: invalid message size")
)

// PeerCredentials is the peer identity established by the link
// handshake.  The Noise protocol guarantees the peer holds the private
// component of PublicKey.
type PeerCredentials struct {
	// PublicKey is the peer's static link key.
	PublicKey []byte
}

// PeerAuthenticator authenticates the remote peer based on the
// authenticated key exchange.
type PeerAuthenticator interface {
	// IsPeerValid returns true iff the peer credentials are valid.
	IsPeerValid(*PeerCredentials) bool
}

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// Authenticator authenticates the remote peer's static link key.
	Authenticator PeerAuthenticator

	// LinkKey is the local static link key.  If nil an ephemeral key
	// is generated, leaving the local side unauthenticated.
	LinkKey dh.Keypair

	// RandomReader is a cryptographic entropy source, defaulting to the
	// system entropy source when nil.
	RandomReader io.Reader
}

// Session is a link session: a Noise XX exchange over a net.Conn,
// followed by length-framed encrypted cells with a rekey after every
// message in each direction.
type Session struct {
	conn net.Conn

	authenticator   PeerAuthenticator
	peerCredentials *PeerCredentials

	linkKey    dh.Keypair
	randReader io.Reader

	protocol *nyquist.Protocol

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	rxKeyMutex *sync.RWMutex
	txKeyMutex *sync.RWMutex

	state       uint32
	isInitiator bool
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("channel: missing Authenticator")
	}

	randReader := cfg.RandomReader
	if randReader == nil {
		randReader = rand.Reader
	}
	linkKey := cfg.LinkKey
	if linkKey == nil {
		var err error
		linkKey, err = dh.X25519.GenerateKeypair(randReader)
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		authenticator: cfg.Authenticator,
		linkKey:       linkKey,
		randReader:    randReader,
		protocol: &nyquist.Protocol{
			Pattern: pattern.XX,
			DH:      dh.X25519,
			Cipher:  cipher.ChaChaPoly,
			Hash:    hash.BLAKE2s,
		},
		rxKeyMutex:  new(sync.RWMutex),
		txKeyMutex:  new(sync.RWMutex),
		state:       stateInit,
		isInitiator: isInitiator,
	}
	return s, nil
}

func (s *Session) handshake() error {
	defer atomic.CompareAndSwapUint32(&s.state, stateInit, stateInvalid)

	cfg := &nyquist.HandshakeConfig{
		Protocol:       s.protocol,
		Rng:            s.randReader,
		Prologue:       prologue,
		MaxMessageSize: maxMsgLen,
		DH: &nyquist.DHConfig{
			LocalStatic: s.linkKey,
		},
		IsInitiator: s.isInitiator,
	}

	handshake, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return err
	}
	defer handshake.Reset()

	var (
		prologueLen = 1

		// -> (prologue), e
		msg1Len = prologueLen + s.protocol.DH.Size()

		// <- e, ee, s, es
		msg2Len = s.protocol.DH.Size() + (s.protocol.DH.Size() + macLen) + macLen

		// -> s, se
		msg3Len = (s.protocol.DH.Size() + macLen) + macLen
	)

	if s.isInitiator {
		// -> (prologue), e
		msg1 := make([]byte, 0, msg1Len)
		msg1 = append(msg1, prologue...)
		msg1, err = handshake.WriteMessage(msg1, nil)
		if err != nil {
			return err
		}
		if _, err = s.conn.Write(msg1); err != nil {
			return err
		}

		// <- e, ee, s, es
		msg2 := make([]byte, msg2Len)
		if _, err = io.ReadFull(s.conn, msg2); err != nil {
			return err
		}
		if _, err = handshake.ReadMessage(nil, msg2); err != nil {
			return err
		}

		// The peer's static key is known at this point, authenticate
		// before sending anything further.
		if err = s.authenticatePeer(handshake); err != nil {
			return err
		}

		// -> s, se
		msg3 := make([]byte, 0, msg3Len)
		msg3, err = handshake.WriteMessage(msg3, nil)
		switch err {
		case nyquist.ErrDone:
			// happy path
		case nil:
			return errors.New("channel: weird handshake failure")
		default:
			return err
		}
		if _, err = s.conn.Write(msg3); err != nil {
			return err
		}
	} else {
		// -> (prologue), e
		msg1 := make([]byte, msg1Len)
		if _, err = io.ReadFull(s.conn, msg1); err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(prologue, msg1[0:1]) != 1 {
			return errors.New("channel: unsupported link generation")
		}
		if _, err = handshake.ReadMessage(nil, msg1[1:]); err != nil {
			return err
		}

		// <- e, ee, s, es
		msg2 := make([]byte, 0, msg2Len)
		msg2, err = handshake.WriteMessage(msg2, nil)
		if err != nil {
			return err
		}
		if _, err = s.conn.Write(msg2); err != nil {
			return err
		}

		// -> s, se
		msg3 := make([]byte, msg3Len)
		if _, err = io.ReadFull(s.conn, msg3); err != nil {
			return err
		}
		_, err = handshake.ReadMessage(nil, msg3)
		switch err {
		case nyquist.ErrDone:
			// happy path
		case nil:
			return errors.New("channel: weird handshake failure")
		default:
			return err
		}

		if err = s.authenticatePeer(handshake); err != nil {
			return err
		}
	}

	status := handshake.GetStatus()
	if s.isInitiator {
		s.tx, s.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		s.rx, s.tx = status.CipherStates[0], status.CipherStates[1]
	}
	atomic.StoreUint32(&s.state, stateEstablished)
	return nil
}

func (s *Session) authenticatePeer(handshake *nyquist.HandshakeState) error {
	remoteStatic := handshake.GetStatus().DH.RemoteStatic
	if remoteStatic == nil {
		return ErrAuthenticationFailed
	}
	s.peerCredentials = &PeerCredentials{
		PublicKey: remoteStatic.Bytes(),
	}
	if !s.authenticator.IsPeerValid(s.peerCredentials) {
		return ErrAuthenticationFailed
	}
	return nil
}

// Initialize takes an established net.Conn, binds it to the Session,
// and conducts the link handshake.
func (s *Session) Initialize(conn net.Conn) error {
	if atomic.LoadUint32(&s.state) != stateInit {
		return ErrInvalidState
	}
	s.conn = conn
	return s.handshake()
}

// SendCell sends a cell over the session.
func (s *Session) SendCell(c *cell.Cell) error {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return ErrInvalidState
	}

	pt := c.ToBytes()
	ctLen := macLen + len(pt)
	if ctLen > maxMsgLen {
		return errMsgSize
	}

	// Build the CiphertextHeader.
	var ctHdr [4]byte
	binary.BigEndian.PutUint32(ctHdr[:], uint32(ctLen))
	toSend := make([]byte, 0, macLen+4+ctLen)
	s.txKeyMutex.RLock()
	var err error
	toSend, err = s.tx.EncryptWithAd(toSend, nil, ctHdr[:])
	s.txKeyMutex.RUnlock()
	if err != nil {
		return err
	}

	// Build the Ciphertext.
	s.txKeyMutex.RLock()
	toSend, err = s.tx.EncryptWithAd(toSend, nil, pt)
	s.txKeyMutex.RUnlock()
	if err != nil {
		return err
	}

	s.txKeyMutex.Lock()
	s.tx.Rekey()
	s.txKeyMutex.Unlock()

	_, err = s.conn.Write(toSend)
	if err != nil {
		// All write errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return err
}

// RecvCell receives a cell off the session.
func (s *Session) RecvCell() (*cell.Cell, error) {
	c, err := s.recvCellImpl()
	if err != nil {
		// All receive errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return c, err
}

func (s *Session) recvCellImpl() (*cell.Cell, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, ErrInvalidState
	}

	// Read, decrypt and parse the CiphertextHeader.
	var ctHdrCt [macLen + 4]byte
	if _, err := io.ReadFull(s.conn, ctHdrCt[:]); err != nil {
		return nil, err
	}
	s.rxKeyMutex.RLock()
	ctHdr, err := s.rx.DecryptWithAd(nil, nil, ctHdrCt[:])
	s.rxKeyMutex.RUnlock()
	if err != nil {
		return nil, err
	}
	ctLen := binary.BigEndian.Uint32(ctHdr[:])
	if ctLen < macLen || ctLen > maxMsgLen {
		return nil, errMsgSize
	}

	// Read and decrypt the Ciphertext.
	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(s.conn, ct); err != nil {
		return nil, err
	}
	s.rxKeyMutex.RLock()
	pt, err := s.rx.DecryptWithAd(nil, nil, ct)
	s.rxKeyMutex.RUnlock()
	if err != nil {
		return nil, err
	}
	s.rxKeyMutex.Lock()
	s.rx.Rekey()
	s.rxKeyMutex.Unlock()

	return cell.FromBytes(pt)
}

// Close terminates the session.
func (s *Session) Close() {
	// The Noise library doesn't have a way to explicitly clear
	// cryptographic state.  Without an underlying crypto break, Rekey()
	// is backtracking resistant.
	if s.tx != nil {
		s.txKeyMutex.Lock()
		s.tx.Rekey()
		s.txKeyMutex.Unlock()
	}
	if s.rx != nil {
		s.rxKeyMutex.Lock()
		s.rx.Rekey()
		s.rxKeyMutex.Unlock()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	atomic.StoreUint32(&s.state, stateInvalid)
}

// PeerCredentials returns the peer's credentials.  This call MUST only
// be called from a session that has successfully completed Initialize().
func (s *Session) PeerCredentials() (*PeerCredentials, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, ErrInvalidState
	}
	return s.peerCredentials, nil
}
