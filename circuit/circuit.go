// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the client side of the circuit protocol: a
// reactor that owns the onion crypto state of a multi hop circuit,
// extends it one hop at a time, and multiplexes flow controlled streams
// over it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/velumnet/velum/config"
	"github.com/velumnet/velum/core/cell"
	"github.com/velumnet/velum/core/log"
	"github.com/velumnet/velum/core/onion"
	"github.com/velumnet/velum/core/pki"
	"github.com/velumnet/velum/core/worker"
)

const (
	// maxRelayEarlyCells bounds how many RelayEarly cells a circuit may
	// send over its lifetime, and with it the number of extensions.
	maxRelayEarlyCells = 8

	// incomingStreamBacklog is the number of not yet accepted inbound
	// streams a circuit will hold before refusing new ones.
	incomingStreamBacklog = 8
)

// State is the lifecycle state of a circuit.
type State uint32

const (
	// StateBuilding is the initial state, before the first hop handshake
	// completes.
	StateBuilding State = iota

	// StateExtending indicates a hop handshake is in flight.
	StateExtending

	// StateOpen indicates the circuit is usable for streams.
	StateOpen

	// StateClosed indicates an orderly local teardown.
	StateClosed

	// StateFailed indicates the circuit was torn down by an error or by
	// the far end.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateExtending:
		return "Extending"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return "[?]"
}

// Link is the subset of the channel surface a circuit uses: a serialized
// cell transmit path and deregistration at teardown.
type Link interface {
	// SendCell queues a cell for transmission on the link.
	SendCell(c *cell.Cell) error

	// ForgetCircuit removes the circuit from the link's dispatch table.
	ForgetCircuit(id uint32)
}

// hop is one relay in the circuit's path together with the established
// onion layer state shared with it.
type hop struct {
	desc   *pki.RelayDescriptor
	keys   *onion.HopKeys
	crypto *onion.HopCrypto
}

type pendingExtend struct {
	hs     *onion.ClientHandshake
	desc   *pki.RelayDescriptor
	doneCh chan error
}

func (pe *pendingExtend) finish(err error) {
	select {
	case pe.doneCh <- err:
	default:
	}
}

type ctrlSendRelay struct {
	hop    int
	rc     *cell.RelayCell
	early  bool
	doneCh chan error
}

type ctrlExtend struct {
	desc   *pki.RelayDescriptor
	doneCh chan error
}

type ctrlOpenStream struct {
	target  string
	replyCh chan *openStreamReply
}

type openStreamReply struct {
	s   *Stream
	err error
}

type ctrlEndStream struct {
	s      *Stream
	reason cell.EndReason
	doneCh chan error
}

type ctrlStreamConsumed struct {
	s     *Stream
	cells int
}

// Circuit is a client circuit built through one or more hops over a
// single channel.  All onion crypto state is owned by one reactor
// goroutine; the exported API communicates with it over channels and is
// safe for concurrent use.
type Circuit struct {
	worker.Worker

	id     uint32
	link   Link
	params *config.Parameters
	log    *logging.Logger

	state uint32

	inboundCh chan *cell.Cell
	ctrlCh    chan interface{}

	sendWindow *window

	// Reactor owned state.
	hops           []*hop
	streams        map[uint16]*Stream
	nextStreamID   uint16
	pending        *pendingExtend
	circRecvWindow int
	relayEarlyLeft int

	incomingCh chan *Stream

	fatalOnce   sync.Once
	errLock     sync.Mutex
	fatalErr    error
	sendDestroy bool
	destroyWhy  cell.DestroyReason
}

// New creates a circuit bound to the given circuit identifier and link
// and starts its reactor.  The circuit starts out in the Building state
// with no hops; Extend establishes them.
func New(id uint32, link Link, params *config.Parameters, logBackend *log.Backend) *Circuit {
	c := &Circuit{
		id:             id,
		link:           link,
		params:         params,
		log:            logBackend.GetLogger(fmt.Sprintf("circuit:%08x", id)),
		inboundCh:      make(chan *cell.Cell, params.InboundQueueDepth),
		ctrlCh:         make(chan interface{}),
		sendWindow:     newWindow(params.CircuitWindow),
		circRecvWindow: params.CircuitWindow,
		streams:        make(map[uint16]*Stream),
		nextStreamID:   1,
		relayEarlyLeft: maxRelayEarlyCells,
		incomingCh:     make(chan *Stream, incomingStreamBacklog),
	}
	c.Go(c.reactor)
	return c
}

// ID returns the circuit identifier on the owning channel.
func (c *Circuit) ID() uint32 {
	return c.id
}

// State returns the circuit's lifecycle state.
func (c *Circuit) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Circuit) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Err returns the error that tore the circuit down, or nil while it is
// still alive.
func (c *Circuit) Err() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.fatalErr
}

// Close tears the circuit down, sending a Destroy cell to the first hop
// and failing all streams.  It is idempotent.
func (c *Circuit) Close() error {
	c.failWith(ErrCircuitClosed, true, cell.DestroyReasonRequested)
	c.Halt()
	return nil
}

// IncomingStreams returns the channel on which streams opened by the far
// end are delivered.  The channel is closed at circuit teardown.
func (c *Circuit) IncomingStreams() <-chan *Stream {
	return c.incomingCh
}

// Extend performs one hop handshake, appending desc to the circuit's
// path.  The first call creates the circuit at the first hop; later
// calls tunnel the handshake through the established hops.  A failed or
// timed out extension tears the whole circuit down; partial circuits
// are never retried hop by hop.
func (c *Circuit) Extend(ctx context.Context, desc *pki.RelayDescriptor) error {
	if err := desc.Validate(); err != nil {
		return &ExtendError{Err: err}
	}
	if len(desc.Addresses) == 0 {
		return &ExtendError{Err: fmt.Errorf("descriptor for %q has no addresses", desc.Name)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.params.ExtendTimeout())
	defer cancel()

	m := &ctrlExtend{
		desc:   desc,
		doneCh: make(chan error, 1),
	}
	select {
	case c.ctrlCh <- m:
	case <-c.HaltCh():
		return c.errOrClosed()
	case <-ctx.Done():
		return &ExtendError{Err: ctx.Err()}
	}

	select {
	case err := <-m.doneCh:
		return err
	case <-c.HaltCh():
		return c.errOrClosed()
	case <-ctx.Done():
		c.failWith(ErrExtendTimeout, true, cell.DestroyReasonRequested)
		return &ExtendError{Err: ErrExtendTimeout}
	}
}

// OpenStream opens a stream to target at the circuit's last hop and
// waits for the far end to acknowledge it.
func (c *Circuit) OpenStream(ctx context.Context, target string) (*Stream, error) {
	if c.State() != StateOpen {
		return nil, fmt.Errorf("circuit: not open")
	}

	ctx, cancel := context.WithTimeout(ctx, c.params.StreamTimeout())
	defer cancel()

	m := &ctrlOpenStream{
		target:  target,
		replyCh: make(chan *openStreamReply, 1),
	}
	select {
	case c.ctrlCh <- m:
	case <-c.HaltCh():
		return nil, c.errOrClosed()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var reply *openStreamReply
	select {
	case reply = <-m.replyCh:
	case <-c.HaltCh():
		return nil, c.errOrClosed()
	}
	if reply.err != nil {
		return nil, reply.err
	}

	s := reply.s
	if err := s.waitConnected(ctx.Done()); err != nil {
		_ = c.endStream(s, cell.EndReasonMisc)
		return nil, err
	}
	return s, nil
}

// Deliver hands an inbound cell to the circuit's reactor.  It never
// blocks: if the reactor's queue is full the circuit alone is torn down,
// leaving the channel and its other circuits intact.
func (c *Circuit) Deliver(cl *cell.Cell) {
	if c.IsHalted() {
		return
	}
	select {
	case c.inboundCh <- cl:
	default:
		c.log.Warningf("Inbound queue overflow, tearing down.")
		c.failWith(ErrQueueOverflow, true, cell.DestroyReasonProtocol)
	}
}

// ChannelFailed is called by the owning channel when the link dies.  The
// circuit fails without sending a Destroy, since there is nowhere to
// send it.
func (c *Circuit) ChannelFailed(err error) {
	if err == nil {
		err = ErrChannelClosed
	}
	c.failWith(err, false, cell.DestroyReasonNone)
}

func (c *Circuit) failWith(err error, sendDestroy bool, why cell.DestroyReason) {
	c.fatalOnce.Do(func() {
		c.errLock.Lock()
		c.fatalErr = err
		c.sendDestroy = sendDestroy
		c.destroyWhy = why
		c.errLock.Unlock()
		go c.Halt()
	})
}

func (c *Circuit) errOrClosed() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrCircuitClosed
}

func (c *Circuit) reactor() {
	for {
		select {
		case <-c.HaltCh():
			c.cleanup()
			return
		case cl := <-c.inboundCh:
			if err := c.onCell(cl); err != nil {
				c.log.Warningf("Fatal cell handling error: %v", err)
				c.failWith(err, true, cell.DestroyReasonProtocol)
			}
		case m := <-c.ctrlCh:
			c.onCtrl(m)
		}
	}
}

func (c *Circuit) cleanup() {
	// Ensure a direct Halt is indistinguishable from Close.
	c.failWith(ErrCircuitClosed, true, cell.DestroyReasonRequested)

	c.errLock.Lock()
	err := c.fatalErr
	sendDestroy := c.sendDestroy
	why := c.destroyWhy
	c.errLock.Unlock()

	if errors.Is(err, ErrCircuitClosed) {
		c.setState(StateClosed)
	} else {
		c.setState(StateFailed)
	}

	if sendDestroy {
		_ = c.link.SendCell(cell.NewDestroy(c.id, why))
	}
	c.link.ForgetCircuit(c.id)

	if c.pending != nil {
		c.pending.finish(&ExtendError{Err: err})
		c.pending = nil
	}
	for id, s := range c.streams {
		s.fail(err)
		delete(c.streams, id)
	}
	c.sendWindow.Fail(err)
	close(c.incomingCh)

	for _, h := range c.hops {
		h.keys.Reset()
	}
	c.log.Debugf("Torn down: %v", err)
}

func (c *Circuit) onCell(cl *cell.Cell) error {
	switch cl.Command {
	case cell.Created2:
		return c.onCreated2(cl)
	case cell.Relay:
		return c.onRelay(cl)
	case cell.Destroy:
		why, err := cell.ParseDestroy(cl)
		if err != nil {
			return &ProtocolError{Err: err}
		}
		c.log.Debugf("Destroyed by peer: %v", why)
		c.failWith(&DestroyedError{Reason: why}, false, cell.DestroyReasonNone)
		return nil
	default:
		return &ProtocolError{Err: fmt.Errorf("unexpected %v cell", cl.Command)}
	}
}

func (c *Circuit) onCreated2(cl *cell.Cell) error {
	if c.pending == nil || len(c.hops) != 0 {
		return &ProtocolError{Err: errors.New("unsolicited Created2")}
	}
	reply, err := cell.ParseCreated2Payload(cl.Payload)
	if err != nil {
		return &ProtocolError{Err: err}
	}
	return c.completeExtend(reply)
}

func (c *Circuit) onRelay(cl *cell.Cell) error {
	p := cl.Payload
	for i, h := range c.hops {
		h.crypto.DecryptBackward(p)
		if h.crypto.RecognizeBackward(p) {
			rc, err := cell.RelayFromBytes(p)
			if err != nil {
				return &ProtocolError{Err: err}
			}
			return c.onRelayCell(i, rc)
		}
	}
	return &ProtocolError{Err: onion.ErrIntegrity}
}

func (c *Circuit) onRelayCell(hopIdx int, rc *cell.RelayCell) error {
	switch rc.Command {
	case cell.RelayExtended2:
		if c.pending == nil || hopIdx != len(c.hops)-1 {
			return &ProtocolError{Err: errors.New("unsolicited Extended2")}
		}
		reply, err := cell.ParseCreated2Payload(rc.Data)
		if err != nil {
			return &ProtocolError{Err: err}
		}
		return c.completeExtend(reply)
	case cell.RelayData:
		return c.onRelayData(hopIdx, rc)
	case cell.RelayConnected:
		if s := c.streams[rc.StreamID]; s != nil {
			s.signalConnected(nil)
		} else {
			c.log.Debugf("Connected for unknown stream %d, dropping.", rc.StreamID)
		}
		return nil
	case cell.RelayEnd:
		s := c.streams[rc.StreamID]
		if s == nil {
			c.log.Debugf("End for unknown stream %d, dropping.", rc.StreamID)
			return nil
		}
		reason := cell.EndReasonMisc
		if len(rc.Data) > 0 {
			reason = cell.EndReason(rc.Data[0])
		}
		s.deliverEnd(reason)
		delete(c.streams, rc.StreamID)
		return nil
	case cell.RelaySendme:
		return c.onSendme(rc)
	case cell.RelayBegin:
		return c.onBegin(hopIdx, rc)
	case cell.RelayTruncated:
		why := cell.DestroyReasonNone
		if len(rc.Data) > 0 {
			why = cell.DestroyReason(rc.Data[0])
		}
		c.failWith(&DestroyedError{Reason: why}, true, cell.DestroyReasonRequested)
		return nil
	case cell.RelayDrop:
		return nil
	default:
		return &ProtocolError{Err: fmt.Errorf("unexpected relay command %v", rc.Command)}
	}
}

func (c *Circuit) onRelayData(hopIdx int, rc *cell.RelayCell) error {
	c.circRecvWindow--
	if c.circRecvWindow < 0 {
		return &ProtocolError{Err: errors.New("circuit deliver window exceeded")}
	}
	s := c.streams[rc.StreamID]
	if s == nil {
		c.log.Debugf("Data for unknown stream %d, dropping.", rc.StreamID)
	} else {
		s.recvWindow--
		if s.recvWindow < 0 {
			return &ProtocolError{Err: fmt.Errorf("stream %d deliver window exceeded", rc.StreamID)}
		}
		if len(rc.Data) > 0 {
			s.deliverData(rc.Data)
		}
	}

	// The circuit window is credited as cells arrive, even for dropped
	// cells, so a late End cannot wedge the peer's window.  Stream
	// credit waits for the reader, bounding the receive buffer.
	if c.circRecvWindow <= c.params.CircuitWindow-c.params.CircuitSendmeCredit {
		c.circRecvWindow += c.params.CircuitSendmeCredit
		sendme := &cell.RelayCell{Command: cell.RelaySendme}
		if err := c.doSendRelay(hopIdx, sendme, false); err != nil {
			return err
		}
	}
	if s != nil && len(rc.Data) == 0 {
		// Nothing for the reader to consume out of an empty cell.
		return c.doStreamConsumed(s, 1)
	}
	return nil
}

// doStreamConsumed credits the far end's stream window for cells the
// local reader has drained.
func (c *Circuit) doStreamConsumed(s *Stream, cells int) error {
	if _, ok := c.streams[s.id]; !ok {
		return nil
	}
	s.unacked += cells
	for s.unacked >= c.params.StreamSendmeCredit {
		s.unacked -= c.params.StreamSendmeCredit
		s.recvWindow += c.params.StreamSendmeCredit
		sendme := &cell.RelayCell{
			Command:  cell.RelaySendme,
			StreamID: s.id,
		}
		if err := c.doSendRelay(s.hop, sendme, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Circuit) onSendme(rc *cell.RelayCell) error {
	if rc.StreamID == 0 {
		if !c.sendWindow.Release(c.params.CircuitSendmeCredit) {
			return &ProtocolError{Err: errors.New("circuit window overflow")}
		}
		return nil
	}
	s := c.streams[rc.StreamID]
	if s == nil {
		c.log.Debugf("Sendme for unknown stream %d, dropping.", rc.StreamID)
		return nil
	}
	if !s.sendWindow.Release(c.params.StreamSendmeCredit) {
		return &ProtocolError{Err: fmt.Errorf("stream %d window overflow", rc.StreamID)}
	}
	return nil
}

func (c *Circuit) onBegin(hopIdx int, rc *cell.RelayCell) error {
	if rc.StreamID == 0 {
		return &ProtocolError{Err: errors.New("Begin with stream identifier 0")}
	}
	if _, ok := c.streams[rc.StreamID]; ok {
		return &ProtocolError{Err: fmt.Errorf("Begin reuses stream %d", rc.StreamID)}
	}
	s := newStream(c, rc.StreamID, hopIdx, string(rc.Data))
	select {
	case c.incomingCh <- s:
		c.streams[rc.StreamID] = s
		return nil
	default:
		c.log.Warningf("Inbound stream backlog full, refusing stream %d.", rc.StreamID)
		end := &cell.RelayCell{
			Command:  cell.RelayEnd,
			StreamID: rc.StreamID,
			Data:     []byte{byte(cell.EndReasonMisc)},
		}
		return c.doSendRelay(hopIdx, end, false)
	}
}

func (c *Circuit) onCtrl(m interface{}) {
	switch m := m.(type) {
	case *ctrlSendRelay:
		m.doneCh <- c.doSendRelay(m.hop, m.rc, m.early)
	case *ctrlExtend:
		c.doExtend(m)
	case *ctrlOpenStream:
		c.doOpenStream(m)
	case *ctrlEndStream:
		m.doneCh <- c.doEndStream(m.s, m.reason)
	case *ctrlStreamConsumed:
		if err := c.doStreamConsumed(m.s, m.cells); err != nil {
			c.log.Warningf("Fatal sendme emission error: %v", err)
			c.failWith(err, true, cell.DestroyReasonProtocol)
		}
	default:
		panic("circuit: unknown control message")
	}
}

// doSendRelay seals rc at the addressed hop, applies the remaining
// onion layers outermost last, and transmits it.
func (c *Circuit) doSendRelay(hopIdx int, rc *cell.RelayCell, early bool) error {
	if hopIdx < 0 || hopIdx >= len(c.hops) {
		return fmt.Errorf("circuit: no hop %d", hopIdx)
	}
	cmd := cell.Relay
	if early {
		if c.relayEarlyLeft <= 0 {
			return &ExtendError{Err: errors.New("RelayEarly budget exhausted")}
		}
		c.relayEarlyLeft--
		cmd = cell.RelayEarly
	}

	p := rc.ToBytes()
	c.hops[hopIdx].crypto.SealForward(p)
	for i := hopIdx; i >= 0; i-- {
		c.hops[i].crypto.EncryptForward(p)
	}
	return c.link.SendCell(cell.New(c.id, cmd, p))
}

func (c *Circuit) doExtend(m *ctrlExtend) {
	if c.pending != nil {
		m.doneCh <- &ExtendError{Err: errors.New("extend already in progress")}
		return
	}

	scheme := ecdh.Scheme(rand.Reader)
	onionKey, err := scheme.UnmarshalBinaryPublicKey(m.desc.OnionKey)
	if err != nil {
		m.doneCh <- &ExtendError{Err: err}
		return
	}
	hs, err := onion.NewClientHandshake(m.desc.Fingerprint(), onionKey)
	if err != nil {
		m.doneCh <- &ExtendError{Err: err}
		return
	}

	if len(c.hops) == 0 {
		payload := cell.Create2Payload(cell.HandshakeTypeDH, hs.Onionskin())
		err = c.link.SendCell(cell.New(c.id, cell.Create2, payload))
	} else {
		body := &cell.Extend2Body{
			Address:     m.desc.Addresses[0],
			IdentityKey: m.desc.IdentityKey,
			Htype:       cell.HandshakeTypeDH,
			Onionskin:   hs.Onionskin(),
		}
		rc := &cell.RelayCell{
			Command: cell.RelayExtend2,
			Data:    body.ToBytes(),
		}
		err = c.doSendRelay(len(c.hops)-1, rc, true)
	}
	if err != nil {
		m.doneCh <- &ExtendError{Err: err}
		return
	}

	c.setState(StateExtending)
	c.pending = &pendingExtend{
		hs:     hs,
		desc:   m.desc,
		doneCh: m.doneCh,
	}
}

// completeExtend consumes the pending handshake with the hop's reply.
// A failed handshake is fatal to the circuit.
func (c *Circuit) completeExtend(reply []byte) error {
	pe := c.pending
	c.pending = nil

	keys, err := pe.hs.Complete(reply)
	if err != nil {
		pe.finish(&ExtendError{Err: err})
		return &ProtocolError{Err: err}
	}
	c.hops = append(c.hops, &hop{
		desc:   pe.desc,
		keys:   keys,
		crypto: onion.NewHopCrypto(keys),
	})
	c.setState(StateOpen)
	c.log.Debugf("Extended to %q, %d hops.", pe.desc.Name, len(c.hops))
	pe.finish(nil)
	return nil
}

func (c *Circuit) doOpenStream(m *ctrlOpenStream) {
	if len(c.hops) == 0 {
		m.replyCh <- &openStreamReply{err: fmt.Errorf("circuit: not open")}
		return
	}
	id, err := c.allocStreamID()
	if err != nil {
		m.replyCh <- &openStreamReply{err: err}
		return
	}

	hopIdx := len(c.hops) - 1
	s := newStream(c, id, hopIdx, m.target)
	s.accepted = true
	begin := &cell.RelayCell{
		Command:  cell.RelayBegin,
		StreamID: id,
		Data:     []byte(m.target),
	}
	if err = c.doSendRelay(hopIdx, begin, false); err != nil {
		m.replyCh <- &openStreamReply{err: err}
		return
	}
	c.streams[id] = s
	m.replyCh <- &openStreamReply{s: s}
}

func (c *Circuit) allocStreamID() (uint16, error) {
	for i := 0; i < 65535; i++ {
		id := c.nextStreamID
		c.nextStreamID++
		if c.nextStreamID == 0 {
			c.nextStreamID = 1
		}
		if id == 0 {
			continue
		}
		if _, ok := c.streams[id]; !ok {
			return id, nil
		}
	}
	return 0, errors.New("circuit: out of stream identifiers")
}

func (c *Circuit) doEndStream(s *Stream, reason cell.EndReason) error {
	_, ok := c.streams[s.id]
	if ok {
		delete(c.streams, s.id)
	}
	s.fail(ErrStreamClosed)
	if !ok {
		return nil
	}
	end := &cell.RelayCell{
		Command:  cell.RelayEnd,
		StreamID: s.id,
		Data:     []byte{byte(reason)},
	}
	return c.doSendRelay(s.hop, end, false)
}

// streamConsumed tells the reactor the reader drained whole data cells,
// releasing receive window credit back to the far end.
func (c *Circuit) streamConsumed(s *Stream, cells int) {
	m := &ctrlStreamConsumed{
		s:     s,
		cells: cells,
	}
	select {
	case c.ctrlCh <- m:
	case <-c.HaltCh():
	}
}

// endStream asks the reactor to close s and release its identifier.
func (c *Circuit) endStream(s *Stream, reason cell.EndReason) error {
	m := &ctrlEndStream{
		s:      s,
		reason: reason,
		doneCh: make(chan error, 1),
	}
	select {
	case c.ctrlCh <- m:
	case <-c.HaltCh():
		return c.errOrClosed()
	}
	select {
	case err := <-m.doneCh:
		return err
	case <-c.HaltCh():
		return c.errOrClosed()
	}
}

// sendRelay asks the reactor to seal and transmit rc addressed to the
// given hop.
func (c *Circuit) sendRelay(hopIdx int, rc *cell.RelayCell, early bool) error {
	m := &ctrlSendRelay{
		hop:    hopIdx,
		rc:     rc,
		early:  early,
		doneCh: make(chan error, 1),
	}
	select {
	case c.ctrlCh <- m:
	case <-c.HaltCh():
		return c.errOrClosed()
	}
	select {
	case err := <-m.doneCh:
		return err
	case <-c.HaltCh():
		return c.errOrClosed()
	}
}
