// pki.go - Relay descriptor types and serialization.
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

// Package pki provides the relay descriptor consumed by the protocol
// engine.  Directory parsing and consensus selection live elsewhere;
// this package only defines the interchange type and its validation.
package pki

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// IdentityKeyLength is the length of a relay identity signing key.
	IdentityKeyLength = ed25519.PublicKeySize

	// DHKeyLength is the length of the relay link and onion DH keys.
	DHKeyLength = 32
)

var (
	// ErrInvalidDescriptor is the error returned when a descriptor fails
	// validation.
	ErrInvalidDescriptor = errors.New("pki: invalid relay descriptor")

	// ccbor is a CBOR encoding mode producing deterministic output.
	ccbor cbor.EncMode
)

// RelayDescriptor describes a single candidate relay: everything the
// protocol engine needs to open a channel to it and extend circuits
// through it.  Key material is carried in raw wire form; parsing into
// scheme types happens at the point of use.
type RelayDescriptor struct {
	// Name is the relay's human readable nickname, for diagnostics only.
	Name string

	// IdentityKey is the relay's long-term ed25519 signing key.
	IdentityKey []byte

	// LinkKey is the relay's x25519 static key, authenticated during the
	// channel link handshake.
	LinkKey []byte

	// OnionKey is the relay's x25519 circuit handshake key.
	OnionKey []byte

	// Addresses is the list of dialable addresses, in decreasing order
	// of preference.
	Addresses []string

	// LinkVersions is the set of link protocol versions the relay
	// advertises.
	LinkVersions []uint16
}

// Validate checks the structural well-formedness of the descriptor.
func (d *RelayDescriptor) Validate() error {
	if len(d.IdentityKey) != IdentityKeyLength {
		return fmt.Errorf("%w: identity key length %d", ErrInvalidDescriptor, len(d.IdentityKey))
	}
	if len(d.LinkKey) != DHKeyLength {
		return fmt.Errorf("%w: link key length %d", ErrInvalidDescriptor, len(d.LinkKey))
	}
	if len(d.OnionKey) != DHKeyLength {
		return fmt.Errorf("%w: onion key length %d", ErrInvalidDescriptor, len(d.OnionKey))
	}
	if len(d.LinkVersions) == 0 {
		return fmt.Errorf("%w: no link versions", ErrInvalidDescriptor)
	}
	return nil
}

// Fingerprint returns the relay's identity fingerprint, the hash of its
// identity signing key.  Circuit handshakes bind this value.
func (d *RelayDescriptor) Fingerprint() [hash.HashSize]byte {
	return hash.Sum256(d.IdentityKey)
}

// Marshal serializes the descriptor with deterministic CBOR.
func (d *RelayDescriptor) Marshal() ([]byte, error) {
	return ccbor.Marshal(d)
}

// Unmarshal deserializes and validates a descriptor.
func (d *RelayDescriptor) Unmarshal(b []byte) error {
	if err := cbor.Unmarshal(b, d); err != nil {
		return err
	}
	return d.Validate()
}

func init() {
	var err error
	ccbor, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
