// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements the per-hop circuit cryptography: the
// handshake that establishes a hop's session keys, and the layered
// keystream cipher plus running digest applied to relay payloads.
package onion

import (
	"crypto/sha256"
	"encoding"
	"errors"
	"hash"

	"github.com/katzenpost/hpqc/util"
	"golang.org/x/crypto/chacha20"

	"github.com/velumnet/velum/core/cell"
)

const (
	// KeyLength is the per-direction keystream cipher key size in bytes.
	KeyLength = chacha20.KeySize

	// IVLength is the per-direction keystream cipher IV size in bytes.
	IVLength = chacha20.NonceSize

	// DigestSeedLength is the per-direction digest seed size in bytes.
	DigestSeedLength = 32
)

var (
	// ErrHandshakeFailed is the error returned when a hop handshake
	// fails authentication or is malformed.
	ErrHandshakeFailed = errors.New("onion: handshake failed")

	// ErrIntegrity is the error returned when an inbound relay payload
	// fails the running digest check at every layer.  This is fatal to
	// the circuit.
	ErrIntegrity = errors.New("onion: relay cell integrity check failed")
)

// HopKeys is the symmetric key material for one established hop, as
// produced by the handshake KDF.
type HopKeys struct {
	ForwardDigestSeed  [DigestSeedLength]byte
	BackwardDigestSeed [DigestSeedLength]byte
	ForwardKey         [KeyLength]byte
	BackwardKey        [KeyLength]byte
	ForwardIV          [IVLength]byte
	BackwardIV         [IVLength]byte
}

// Reset clears the key material from memory.
func (k *HopKeys) Reset() {
	util.ExplicitBzero(k.ForwardDigestSeed[:])
	util.ExplicitBzero(k.BackwardDigestSeed[:])
	util.ExplicitBzero(k.ForwardKey[:])
	util.ExplicitBzero(k.BackwardKey[:])
	util.ExplicitBzero(k.ForwardIV[:])
	util.ExplicitBzero(k.BackwardIV[:])
}

// layerState is one direction of a hop's cipher state: a keystream
// cipher and a seeded running digest.  The digest is sequential and
// peer-mutable, so all operations on a layerState must be serialized by
// the owning reactor.
type layerState struct {
	stream *chacha20.Cipher
	digest hash.Hash
}

func newLayerState(key *[KeyLength]byte, iv *[IVLength]byte, seed *[DigestSeedLength]byte) *layerState {
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], iv[:])
	if err != nil {
		// Only reachable with malformed constants.
		panic("onion: failed to initialize keystream cipher: " + err.Error())
	}
	digest := sha256.New()
	digest.Write(seed[:])
	return &layerState{
		stream: stream,
		digest: digest,
	}
}

// crypt XORs the keystream into p in place.  Encryption and decryption
// are the same operation; the two sides stay in sync because every
// relay payload has the same fixed length.
func (s *layerState) crypt(p []byte) {
	s.stream.XORKeyStream(p, p)
}

// sum4 returns the leading 4 bytes of the current running digest after
// absorbing p.
func (s *layerState) sum4(p []byte) (tag [cell.RelayDigestLength]byte) {
	s.digest.Write(p)
	copy(tag[:], s.digest.Sum(nil))
	return
}

func (s *layerState) snapshot() []byte {
	m, err := s.digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic("onion: digest snapshot failed: " + err.Error())
	}
	return m
}

func (s *layerState) restore(b []byte) {
	if err := s.digest.(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
		panic("onion: digest restore failed: " + err.Error())
	}
}

// HopCrypto is the full cipher state for one hop of a circuit: a
// forward (originator to hop) and backward (hop to originator) layer.
type HopCrypto struct {
	forward  *layerState
	backward *layerState
}

// NewHopCrypto initializes the cipher state for a hop from its session
// keys.  Both endpoints construct the identical state; the forward
// direction always denotes originator-to-hop.
func NewHopCrypto(k *HopKeys) *HopCrypto {
	return &HopCrypto{
		forward:  newLayerState(&k.ForwardKey, &k.ForwardIV, &k.ForwardDigestSeed),
		backward: newLayerState(&k.BackwardKey, &k.BackwardIV, &k.BackwardDigestSeed),
	}
}

// EncryptForward applies this hop's forward keystream layer to p.
func (c *HopCrypto) EncryptForward(p []byte) {
	c.forward.crypt(p)
}

// DecryptBackward removes this hop's backward keystream layer from p.
// The two operations are symmetric; the distinct names document the
// direction of travel.
func (c *HopCrypto) DecryptBackward(p []byte) {
	c.backward.crypt(p)
}

// SealForward stamps the relay payload p with this hop's forward running
// digest.  p must be a plaintext relay payload whose recognized and
// digest fields are zero.  The digest state advances; sealing commits
// the cell to the forward digest sequence.
func (c *HopCrypto) SealForward(p []byte) {
	seal(c.forward, p)
}

// SealBackward is the relay-side counterpart of SealForward.
func (c *HopCrypto) SealBackward(p []byte) {
	seal(c.backward, p)
}

// RecognizeBackward checks whether the plaintext relay payload p was
// originated by this hop: the recognized field must be zero and the
// digest field must match the backward running digest.  On a match the
// digest state is advanced and the digest field in p is zeroed; on a
// mismatch the state is rolled back untouched so that outer layers can
// be tried.
func (c *HopCrypto) RecognizeBackward(p []byte) bool {
	return recognize(c.backward, p)
}

// RecognizeForward is the relay-side counterpart of RecognizeBackward.
func (c *HopCrypto) RecognizeForward(p []byte) bool {
	return recognize(c.forward, p)
}

func seal(s *layerState, p []byte) {
	if len(p) != cell.PayloadLength {
		panic("onion: relay payload with wrong length")
	}
	tag := s.sum4(p)
	copy(p[cell.RelayDigestOffset:cell.RelayDigestOffset+cell.RelayDigestLength], tag[:])
}

func recognize(s *layerState, p []byte) bool {
	if len(p) != cell.PayloadLength {
		return false
	}
	if p[cell.RelayRecognizedOffset] != 0 || p[cell.RelayRecognizedOffset+1] != 0 {
		return false
	}

	var claimed [cell.RelayDigestLength]byte
	digestField := p[cell.RelayDigestOffset : cell.RelayDigestOffset+cell.RelayDigestLength]
	copy(claimed[:], digestField)

	// The running digest covers the payload with a zeroed digest field.
	// Snapshot first: a mismatch must leave the sequential digest state
	// exactly as it was, or every subsequent cell would fail.
	snap := s.snapshot()
	for i := range digestField {
		digestField[i] = 0
	}
	tag := s.sum4(p)
	if tag != claimed {
		s.restore(snap)
		copy(digestField, claimed[:])
		return false
	}
	return true
}
