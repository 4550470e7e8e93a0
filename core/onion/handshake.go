// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/util"
	"golang.org/x/crypto/hkdf"
)

const (
	// NodeIDLength is the length of a relay identity fingerprint.
	NodeIDLength = 32

	// GroupElementLength is the length of a DH group element.
	GroupElementLength = ecdh.GroupElementLength

	// OnionskinLength is the length of the client handshake message:
	// node fingerprint, relay onion key, client ephemeral key.
	OnionskinLength = NodeIDLength + GroupElementLength + GroupElementLength

	// ReplyLength is the length of the server handshake message: server
	// ephemeral key and authentication tag.
	ReplyLength = GroupElementLength + AuthLength

	// AuthLength is the length of the handshake authentication tag.
	AuthLength = sha256.Size

	protoID   = "velum-circuit-v1"
	tMAC      = protoID + ":mac"
	tKey      = protoID + ":key_extract"
	tVerify   = protoID + ":verify"
	mExpand   = protoID + ":key_expand"
	authLabel = protoID + ":server"

	keyMaterialLength = 2*DigestSeedLength + 2*KeyLength + 2*IVLength
)

// ClientHandshake holds the ephemeral state of an in-progress hop
// handshake.  The state is single use: Complete consumes it and zeroes
// the ephemeral key, successful or not.
type ClientHandshake struct {
	nodeID       [NodeIDLength]byte
	onionKey     nike.PublicKey
	ephemeral    nike.PrivateKey
	ephemeralPub nike.PublicKey
}

// NewClientHandshake generates a fresh ephemeral key and prepares the
// handshake with the hop identified by nodeID, using its published onion
// key.  A new ClientHandshake must be created for every hop attempt;
// ephemerals are never reused.
func NewClientHandshake(nodeID [NodeIDLength]byte, onionKey nike.PublicKey) (*ClientHandshake, error) {
	return newClientHandshake(nodeID, onionKey, rand.Reader)
}

func newClientHandshake(nodeID [NodeIDLength]byte, onionKey nike.PublicKey, rng io.Reader) (*ClientHandshake, error) {
	pub, priv, err := ecdh.Scheme(rand.Reader).GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, err
	}
	return &ClientHandshake{
		nodeID:       nodeID,
		onionKey:     onionKey,
		ephemeral:    priv,
		ephemeralPub: pub,
	}, nil
}

// Onionskin returns the handshake message to deliver to the hop, either
// in a Create2 cell or tunneled in a RelayExtend2.
func (h *ClientHandshake) Onionskin() []byte {
	out := make([]byte, 0, OnionskinLength)
	out = append(out, h.nodeID[:]...)
	out = append(out, h.onionKey.Bytes()...)
	out = append(out, h.ephemeralPub.Bytes()...)
	return out
}

// Complete processes the hop's reply, verifies the authentication tag,
// and derives the hop session keys.  The ephemeral key is destroyed
// regardless of the outcome.
func (h *ClientHandshake) Complete(reply []byte) (*HopKeys, error) {
	defer h.ephemeral.Reset()

	if len(reply) != ReplyLength {
		return nil, ErrHandshakeFailed
	}

	scheme := ecdh.Scheme(rand.Reader)
	serverPub, err := scheme.UnmarshalBinaryPublicKey(reply[:GroupElementLength])
	if err != nil {
		return nil, ErrHandshakeFailed
	}

	xy := scheme.DeriveSecret(h.ephemeral, serverPub)
	xb := scheme.DeriveSecret(h.ephemeral, h.onionKey)
	defer util.ExplicitBzero(xy)
	defer util.ExplicitBzero(xb)

	secretInput := buildSecretInput(xy, xb, h.nodeID[:], h.onionKey.Bytes(), h.ephemeralPub.Bytes(), serverPub.Bytes())
	defer util.ExplicitBzero(secretInput)

	auth := authTag(secretInput, h.nodeID[:], h.onionKey.Bytes(), h.ephemeralPub.Bytes(), serverPub.Bytes())
	if !hmac.Equal(auth, reply[GroupElementLength:]) {
		return nil, ErrHandshakeFailed
	}
	return deriveKeys(secretInput)
}

// ServerHandshake processes a client onionskin on behalf of a relay,
// returning the reply message and the hop session keys.  The relay-side
// protocol engine and the in-process test relays use this; clients never
// call it.
func ServerHandshake(nodeID [NodeIDLength]byte, onionPriv nike.PrivateKey, onionskin []byte) ([]byte, *HopKeys, error) {
	if len(onionskin) != OnionskinLength {
		return nil, nil, ErrHandshakeFailed
	}
	if !hmac.Equal(onionskin[:NodeIDLength], nodeID[:]) {
		// The client is extending to somebody else.
		return nil, nil, ErrHandshakeFailed
	}

	scheme := ecdh.Scheme(rand.Reader)
	onionPub := scheme.DerivePublicKey(onionPriv)
	if !hmac.Equal(onionskin[NodeIDLength:NodeIDLength+GroupElementLength], onionPub.Bytes()) {
		// Stale onion key.
		return nil, nil, ErrHandshakeFailed
	}
	clientPub, err := scheme.UnmarshalBinaryPublicKey(onionskin[NodeIDLength+GroupElementLength:])
	if err != nil {
		return nil, nil, ErrHandshakeFailed
	}

	serverPub, serverPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer serverPriv.Reset()

	xy := scheme.DeriveSecret(serverPriv, clientPub)
	xb := scheme.DeriveSecret(onionPriv, clientPub)
	defer util.ExplicitBzero(xy)
	defer util.ExplicitBzero(xb)

	secretInput := buildSecretInput(xy, xb, nodeID[:], onionPub.Bytes(), clientPub.Bytes(), serverPub.Bytes())
	defer util.ExplicitBzero(secretInput)

	auth := authTag(secretInput, nodeID[:], onionPub.Bytes(), clientPub.Bytes(), serverPub.Bytes())
	keys, err := deriveKeys(secretInput)
	if err != nil {
		return nil, nil, err
	}

	reply := make([]byte, 0, ReplyLength)
	reply = append(reply, serverPub.Bytes()...)
	reply = append(reply, auth...)
	return reply, keys, nil
}

func buildSecretInput(xy, xb, nodeID, b, x, y []byte) []byte {
	secret := make([]byte, 0, 2*GroupElementLength+NodeIDLength+3*GroupElementLength+len(protoID))
	secret = append(secret, xy...)
	secret = append(secret, xb...)
	secret = append(secret, nodeID...)
	secret = append(secret, b...)
	secret = append(secret, x...)
	secret = append(secret, y...)
	secret = append(secret, []byte(protoID)...)
	return secret
}

func authTag(secretInput, nodeID, b, x, y []byte) []byte {
	verify := hmac.New(sha256.New, []byte(tVerify))
	verify.Write(secretInput)

	m := hmac.New(sha256.New, []byte(tMAC))
	m.Write(verify.Sum(nil))
	m.Write(nodeID)
	m.Write(b)
	m.Write(x)
	m.Write(y)
	m.Write([]byte(authLabel))
	return m.Sum(nil)
}

// deriveKeys expands the handshake secret into the hop session keys.
// Derivation order pins the wire meaning: forward digest seed, backward
// digest seed, forward key, backward key, forward IV, backward IV.
func deriveKeys(secretInput []byte) (*HopKeys, error) {
	r := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	okm := make([]byte, keyMaterialLength)
	if _, err := io.ReadFull(r, okm); err != nil {
		return nil, err
	}
	defer util.ExplicitBzero(okm)

	k := new(HopKeys)
	ptr := okm
	copy(k.ForwardDigestSeed[:], ptr[:DigestSeedLength])
	ptr = ptr[DigestSeedLength:]
	copy(k.BackwardDigestSeed[:], ptr[:DigestSeedLength])
	ptr = ptr[DigestSeedLength:]
	copy(k.ForwardKey[:], ptr[:KeyLength])
	ptr = ptr[KeyLength:]
	copy(k.BackwardKey[:], ptr[:KeyLength])
	ptr = ptr[KeyLength:]
	copy(k.ForwardIV[:], ptr[:IVLength])
	ptr = ptr[IVLength:]
	copy(k.BackwardIV[:], ptr[:IVLength])
	return k, nil
}
