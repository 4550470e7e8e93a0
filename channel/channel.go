// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist/dh"
	"gopkg.in/op/go-logging.v1"

	"github.com/velumnet/velum/circuit"
	"github.com/velumnet/velum/config"
	"github.com/velumnet/velum/core/cell"
	"github.com/velumnet/velum/core/log"
	"github.com/velumnet/velum/core/pki"
	"github.com/velumnet/velum/core/worker"
)

var (
	// ErrChannelClosed is the error returned for operations on a closed
	// channel.
	ErrChannelClosed = errors.New("channel: closed")

	// ErrNoCommonVersion is the error returned when link version
	// negotiation finds no mutually supported version.
	ErrNoCommonVersion = errors.New("channel: no common link version")

	// supportedLinkVersions are the link versions this implementation
	// speaks, in no particular order.
	supportedLinkVersions = []uint16{4, 5}
)

// initiatorIDBit marks circuit identifiers allocated by the side that
// initiated the link, keeping the two allocation spaces disjoint.
const initiatorIDBit = uint32(1) << 31

// Config is the configuration for opening a Channel.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Params are the protocol parameters.
	Params *config.Parameters

	// Descriptor identifies the relay at the far end of the link.  The
	// relay's static link key is pinned against it during the handshake.
	// Required for initiators; responders may leave it nil and supply an
	// Authenticator instead.
	Descriptor *pki.RelayDescriptor

	// LinkKey is the local static link key.  If nil an ephemeral key is
	// generated, leaving the local side unauthenticated.
	LinkKey dh.Keypair

	// Authenticator overrides the Descriptor based peer authentication.
	Authenticator PeerAuthenticator
}

func (cfg *Config) validate(isInitiator bool) error {
	if cfg.LogBackend == nil {
		return errors.New("channel: missing LogBackend")
	}
	if cfg.Params == nil {
		return errors.New("channel: missing Params")
	}
	if cfg.Authenticator == nil {
		if cfg.Descriptor == nil {
			return errors.New("channel: missing Descriptor and Authenticator")
		}
		if err := cfg.Descriptor.Validate(); err != nil {
			return err
		}
	}
	_ = isInitiator
	return nil
}

// pinAuthenticator accepts exactly one static link key.
type pinAuthenticator struct {
	linkKey []byte
}

func (a *pinAuthenticator) IsPeerValid(creds *PeerCredentials) bool {
	return subtle.ConstantTimeCompare(a.linkKey, creds.PublicKey) == 1
}

// Channel is an established link to a relay, multiplexing circuits over
// one Session.  Cells for unknown circuits are dropped without affecting
// the link; session level failures tear down the channel and every
// circuit on it.
type Channel struct {
	worker.Worker

	log     *logging.Logger
	cfg     *Config
	session *Session

	version     uint16
	isInitiator bool

	circuitsLock sync.RWMutex
	circuits     map[uint32]Reactor

	sendCh chan *cell.Cell

	closeOnce sync.Once
	errLock   sync.Mutex
	closeErr  error
}

// Reactor is the per circuit surface the channel dispatches to.  It is
// implemented by circuit.Circuit.
type Reactor interface {
	// Deliver hands the reactor an inbound cell without blocking.
	Deliver(c *cell.Cell)

	// ChannelFailed tells the reactor the link died.
	ChannelFailed(err error)
}

// Open establishes a channel over conn as the link initiator: it runs
// the handshake against the relay named by cfg.Descriptor, negotiates a
// link version, and starts the channel's workers.  On error conn is
// closed.
func Open(conn net.Conn, cfg *Config) (*Channel, error) {
	return newChannel(conn, cfg, true)
}

// Accept establishes a channel over conn as the link responder.
func Accept(conn net.Conn, cfg *Config) (*Channel, error) {
	return newChannel(conn, cfg, false)
}

func newChannel(conn net.Conn, cfg *Config, isInitiator bool) (*Channel, error) {
	if err := cfg.validate(isInitiator); err != nil {
		conn.Close()
		return nil, err
	}

	auth := cfg.Authenticator
	if auth == nil {
		auth = &pinAuthenticator{linkKey: cfg.Descriptor.LinkKey}
	}
	session, err := NewSession(&SessionConfig{
		Authenticator: auth,
		LinkKey:       cfg.LinkKey,
	}, isInitiator)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ch := &Channel{
		log:         cfg.LogBackend.GetLogger(fmt.Sprintf("channel:%v", conn.RemoteAddr())),
		cfg:         cfg,
		session:     session,
		isInitiator: isInitiator,
		circuits:    make(map[uint32]Reactor),
		sendCh:      make(chan *cell.Cell, cfg.Params.OutboundQueueDepth),
	}

	deadline := time.Now().Add(cfg.Params.HandshakeTimeout())
	if err = conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	if err = session.Initialize(conn); err != nil {
		session.Close()
		return nil, err
	}
	if err = ch.negotiateVersion(); err != nil {
		session.Close()
		return nil, err
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		session.Close()
		return nil, err
	}

	ch.Go(ch.recvWorker)
	ch.Go(ch.sendWorker)
	ch.log.Debugf("Established, link version %d.", ch.version)
	return ch, nil
}

// negotiateVersion exchanges Versions cells and picks the highest
// mutually supported link version.
func (ch *Channel) negotiateVersion() error {
	if err := ch.session.SendCell(cell.NewVersions(supportedLinkVersions)); err != nil {
		return err
	}
	c, err := ch.session.RecvCell()
	if err != nil {
		return err
	}
	if c.Command != cell.Versions {
		return fmt.Errorf("channel: expected Versions, got %v", c.Command)
	}
	theirs, err := cell.ParseVersions(c)
	if err != nil {
		return err
	}

	best := uint16(0)
	for _, ours := range supportedLinkVersions {
		for _, v := range theirs {
			if v == ours && v > best {
				best = v
			}
		}
	}
	if best == 0 {
		return ErrNoCommonVersion
	}
	ch.version = best
	return nil
}

// Version returns the negotiated link version.
func (ch *Channel) Version() uint16 {
	return ch.version
}

// PeerCredentials returns the authenticated peer credentials.
func (ch *Channel) PeerCredentials() (*PeerCredentials, error) {
	return ch.session.PeerCredentials()
}

// Err returns the error that tore the channel down, or nil while it is
// alive.
func (ch *Channel) Err() error {
	ch.errLock.Lock()
	defer ch.errLock.Unlock()
	return ch.closeErr
}

// NewCircuit allocates a fresh circuit identifier in this side's
// partition of the identifier space and starts a circuit reactor bound
// to it.
func (ch *Channel) NewCircuit() (*circuit.Circuit, error) {
	ch.circuitsLock.Lock()
	defer ch.circuitsLock.Unlock()

	if ch.Err() != nil {
		return nil, ErrChannelClosed
	}

	var id uint32
	for i := 0; ; i++ {
		if i >= 64 {
			return nil, errors.New("channel: circuit identifier space exhausted")
		}
		var raw [cell.CircIDLength]byte
		if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
			return nil, err
		}
		id = binary.BigEndian.Uint32(raw[:])
		if ch.isInitiator {
			id |= initiatorIDBit
		} else {
			id &^= initiatorIDBit
		}
		if id == 0 {
			continue
		}
		if _, ok := ch.circuits[id]; !ok {
			break
		}
	}

	circ := circuit.New(id, ch, ch.cfg.Params, ch.cfg.LogBackend)
	ch.circuits[id] = circ
	return circ, nil
}

// SendCell queues a cell for transmission.  It blocks while the
// outbound queue is full, and fails once the channel is torn down.
func (ch *Channel) SendCell(c *cell.Cell) error {
	select {
	case ch.sendCh <- c:
		return nil
	case <-ch.HaltCh():
		return ErrChannelClosed
	}
}

// ForgetCircuit removes a circuit from the dispatch table.  Cells
// arriving for it afterwards are dropped.
func (ch *Channel) ForgetCircuit(id uint32) {
	ch.circuitsLock.Lock()
	delete(ch.circuits, id)
	ch.circuitsLock.Unlock()
}

// Close tears down the channel and fails every circuit on it.
func (ch *Channel) Close() error {
	ch.fail(ErrChannelClosed)
	ch.Halt()
	return nil
}

func (ch *Channel) fail(err error) {
	ch.closeOnce.Do(func() {
		ch.errLock.Lock()
		ch.closeErr = err
		ch.errLock.Unlock()

		go func() {
			// Closing the session unwedges the workers blocked on I/O.
			ch.session.Close()
			ch.Halt()

			ch.circuitsLock.Lock()
			reactors := make([]Reactor, 0, len(ch.circuits))
			for id, r := range ch.circuits {
				reactors = append(reactors, r)
				delete(ch.circuits, id)
			}
			ch.circuitsLock.Unlock()
			for _, r := range reactors {
				r.ChannelFailed(err)
			}
			channelsTornDown.Inc()
			ch.log.Debugf("Torn down: %v", err)
		}()
	})
}

func (ch *Channel) sendWorker() {
	keepAlive := time.NewTimer(ch.cfg.Params.KeepAliveInterval())
	defer keepAlive.Stop()

	for {
		var c *cell.Cell
		select {
		case <-ch.HaltCh():
			return
		case c = <-ch.sendCh:
			if !keepAlive.Stop() {
				<-keepAlive.C
			}
		case <-keepAlive.C:
			c = cell.New(0, cell.Padding, nil)
		}

		if err := ch.session.SendCell(c); err != nil {
			ch.log.Debugf("Send failed: %v", err)
			ch.fail(err)
			return
		}
		cellsSent.Inc()
		keepAlive.Reset(ch.cfg.Params.KeepAliveInterval())
	}
}

func (ch *Channel) recvWorker() {
	for {
		c, err := ch.session.RecvCell()
		if err != nil {
			ch.log.Debugf("Receive failed: %v", err)
			ch.fail(err)
			return
		}
		cellsReceived.Inc()

		if c.Command.IsLinkLocal() {
			// Padding is the keepalive; a late Versions cell is a
			// peer quirk, not worth killing the link over.
			continue
		}

		ch.circuitsLock.RLock()
		r := ch.circuits[c.CircID]
		ch.circuitsLock.RUnlock()
		if r == nil {
			unknownCircuitCells.Inc()
			ch.log.Warningf("Dropping %v cell for unknown circuit %08x.", c.Command, c.CircID)
			continue
		}
		r.Deliver(c)
	}
}
