// config.go - Protocol engine configuration.
// Copyright (C) 2025  The Velum Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the tunable parameters of the protocol engine.
// The flow control and circuit-id constants are properties of the link
// protocol version, not of this implementation, so they are deliberately
// configuration rather than hard-coded values.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultCircuitWindow       = 1000
	defaultCircuitSendmeCredit = 100
	defaultStreamWindow        = 500
	defaultStreamSendmeCredit  = 50

	defaultHandshakeTimeout = 30 * time.Second
	defaultExtendTimeout    = 10 * time.Second
	defaultStreamTimeout    = 30 * time.Second
	defaultKeepAlive        = 3 * time.Minute

	defaultInboundQueueDepth = 64
	defaultOutboundQueueDepth = 32
)

// Parameters holds the protocol engine's tunable parameters.
type Parameters struct {
	// CircuitWindow is the initial circuit-level flow control window, in
	// relay data cells.
	CircuitWindow int

	// CircuitSendmeCredit is the credit restored by one circuit-level
	// Sendme, and the number of delivered data cells consumed between
	// Sendme emissions.  Advertised and consumed credit must agree or
	// the window stalls silently.
	CircuitSendmeCredit int

	// StreamWindow is the initial stream-level flow control window.
	StreamWindow int

	// StreamSendmeCredit is the stream-level Sendme credit and emission
	// threshold.
	StreamSendmeCredit int

	// HandshakeTimeoutMs bounds the channel link handshake.
	HandshakeTimeoutMs int

	// ExtendTimeoutMs bounds each circuit extension step.
	ExtendTimeoutMs int

	// StreamTimeoutMs bounds a stream open waiting for Connected.
	StreamTimeoutMs int

	// KeepAliveIntervalMs is the send-idle interval after which a
	// Padding cell is emitted on a channel.
	KeepAliveIntervalMs int

	// InboundQueueDepth is the per-circuit inbound cell queue depth.  A
	// circuit whose queue overflows is torn down; the queue never blocks
	// delivery to other circuits.
	InboundQueueDepth int

	// OutboundQueueDepth is the per-channel outbound cell queue depth.
	OutboundQueueDepth int
}

// HandshakeTimeout returns the link handshake timeout as a Duration.
func (p *Parameters) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutMs) * time.Millisecond
}

// ExtendTimeout returns the per-hop extension timeout as a Duration.
func (p *Parameters) ExtendTimeout() time.Duration {
	return time.Duration(p.ExtendTimeoutMs) * time.Millisecond
}

// StreamTimeout returns the stream open timeout as a Duration.
func (p *Parameters) StreamTimeout() time.Duration {
	return time.Duration(p.StreamTimeoutMs) * time.Millisecond
}

// KeepAliveInterval returns the channel keepalive interval as a Duration.
func (p *Parameters) KeepAliveInterval() time.Duration {
	return time.Duration(p.KeepAliveIntervalMs) * time.Millisecond
}

// FixupAndValidate applies defaults to unset entries and validates the
// result.  Most callers should use one of the Load variants or
// DefaultParameters instead.
func (p *Parameters) FixupAndValidate() error {
	if p.CircuitWindow == 0 {
		p.CircuitWindow = defaultCircuitWindow
	}
	if p.CircuitSendmeCredit == 0 {
		p.CircuitSendmeCredit = defaultCircuitSendmeCredit
	}
	if p.StreamWindow == 0 {
		p.StreamWindow = defaultStreamWindow
	}
	if p.StreamSendmeCredit == 0 {
		p.StreamSendmeCredit = defaultStreamSendmeCredit
	}
	if p.HandshakeTimeoutMs == 0 {
		p.HandshakeTimeoutMs = int(defaultHandshakeTimeout / time.Millisecond)
	}
	if p.ExtendTimeoutMs == 0 {
		p.ExtendTimeoutMs = int(defaultExtendTimeout / time.Millisecond)
	}
	if p.StreamTimeoutMs == 0 {
		p.StreamTimeoutMs = int(defaultStreamTimeout / time.Millisecond)
	}
	if p.KeepAliveIntervalMs == 0 {
		p.KeepAliveIntervalMs = int(defaultKeepAlive / time.Millisecond)
	}
	if p.InboundQueueDepth == 0 {
		p.InboundQueueDepth = defaultInboundQueueDepth
	}
	if p.OutboundQueueDepth == 0 {
		p.OutboundQueueDepth = defaultOutboundQueueDepth
	}

	switch {
	case p.CircuitWindow < 0, p.StreamWindow < 0:
		return errors.New("config: negative window")
	case p.CircuitSendmeCredit <= 0, p.StreamSendmeCredit <= 0:
		return errors.New("config: non-positive sendme credit")
	case p.CircuitSendmeCredit > p.CircuitWindow:
		return errors.New("config: circuit sendme credit exceeds window")
	case p.StreamSendmeCredit > p.StreamWindow:
		return errors.New("config: stream sendme credit exceeds window")
	case p.InboundQueueDepth <= 0, p.OutboundQueueDepth <= 0:
		return errors.New("config: non-positive queue depth")
	}
	return nil
}

// DefaultParameters returns the Parameters for the current link protocol
// version.
func DefaultParameters() *Parameters {
	p := new(Parameters)
	if err := p.FixupAndValidate(); err != nil {
		panic(err)
	}
	return p
}

// Load parses and validates the provided buffer b as a TOML parameter
// file body.
func Load(b []byte) (*Parameters, error) {
	p := new(Parameters)
	if err := toml.Unmarshal(b, p); err != nil {
		return nil, err
	}
	if err := p.FixupAndValidate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Parameters, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
