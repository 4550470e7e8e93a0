// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	mrand "math/rand"
	"testing"

	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/velumnet/velum/core/cell"
)

func doHandshake(t *testing.T) (*HopKeys, *HopKeys) {
	require := require.New(t)

	scheme := ecdh.Scheme(rand.Reader)
	onionPub, onionPriv, err := scheme.GenerateKeyPairFromEntropy(rand.Reader)
	require.NoError(err, "GenerateKeyPairFromEntropy()")

	var nodeID [NodeIDLength]byte
	_, err = rand.Reader.Read(nodeID[:])
	require.NoError(err, "nodeID")

	hs, err := NewClientHandshake(nodeID, onionPub)
	require.NoError(err, "NewClientHandshake()")

	onionskin := hs.Onionskin()
	require.Equal(OnionskinLength, len(onionskin), "onionskin length")

	reply, serverKeys, err := ServerHandshake(nodeID, onionPriv, onionskin)
	require.NoError(err, "ServerHandshake()")
	require.Equal(ReplyLength, len(reply), "reply length")

	clientKeys, err := hs.Complete(reply)
	require.NoError(err, "Complete()")

	return clientKeys, serverKeys
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clientKeys, serverKeys := doHandshake(t)
	require.Equal(serverKeys, clientKeys, "negotiated keys")
	require.NotEqual(clientKeys.ForwardKey, clientKeys.BackwardKey, "direction separation")
}

func TestHandshakeWrongNodeID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	scheme := ecdh.Scheme(rand.Reader)
	onionPub, onionPriv, err := scheme.GenerateKeyPairFromEntropy(rand.Reader)
	require.NoError(err, "GenerateKeyPairFromEntropy()")

	var nodeID, otherID [NodeIDLength]byte
	nodeID[0] = 1
	otherID[0] = 2

	hs, err := NewClientHandshake(nodeID, onionPub)
	require.NoError(err, "NewClientHandshake()")

	_, _, err = ServerHandshake(otherID, onionPriv, hs.Onionskin())
	require.Equal(ErrHandshakeFailed, err, "mismatched node identity")
}

func TestHandshakeCorruptReply(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	scheme := ecdh.Scheme(rand.Reader)
	onionPub, onionPriv, err := scheme.GenerateKeyPairFromEntropy(rand.Reader)
	require.NoError(err, "GenerateKeyPairFromEntropy()")

	var nodeID [NodeIDLength]byte
	hs, err := NewClientHandshake(nodeID, onionPub)
	require.NoError(err, "NewClientHandshake()")

	reply, _, err := ServerHandshake(nodeID, onionPriv, hs.Onionskin())
	require.NoError(err, "ServerHandshake()")

	reply[GroupElementLength] ^= 0x01 // First byte of the auth tag.
	_, err = hs.Complete(reply)
	require.Equal(ErrHandshakeFailed, err, "corrupt auth tag")
}

// buildPath establishes n hops worth of key material, returning the
// client's and the relays' cipher states.
func buildPath(t *testing.T, n int) ([]*HopCrypto, []*HopCrypto) {
	client := make([]*HopCrypto, 0, n)
	relays := make([]*HopCrypto, 0, n)
	for i := 0; i < n; i++ {
		clientKeys, serverKeys := doHandshake(t)
		client = append(client, NewHopCrypto(clientKeys))
		relays = append(relays, NewHopCrypto(serverKeys))
	}
	return client, relays
}

// sendForward applies the client's outbound processing addressed to the
// exit and walks the cell through each relay, returning the payload as
// recovered by the exit.
func sendForward(t *testing.T, client, relays []*HopCrypto, rc *cell.RelayCell) *cell.RelayCell {
	require := require.New(t)
	n := len(client)

	p := rc.ToBytes()
	client[n-1].SealForward(p)
	for i := n - 1; i >= 0; i-- {
		client[i].EncryptForward(p)
	}

	for i := 0; i < n; i++ {
		relays[i].EncryptForward(p)
		recognized := relays[i].RecognizeForward(p)
		if i != n-1 {
			require.False(recognized, "hop %d recognized a cell for the exit", i)
			continue
		}
		require.True(recognized, "exit failed to recognize")
	}

	parsed, err := cell.RelayFromBytes(p)
	require.NoError(err, "RelayFromBytes()")
	return parsed
}

// sendBackward originates a cell at relays[from] and walks it back to
// the client, returning the recognized hop index and the payload.
func sendBackward(t *testing.T, client, relays []*HopCrypto, from int, rc *cell.RelayCell) (int, *cell.RelayCell) {
	require := require.New(t)

	p := rc.ToBytes()
	relays[from].SealBackward(p)
	for i := from; i >= 0; i-- {
		relays[i].DecryptBackward(p)
	}

	for i := range client {
		client[i].DecryptBackward(p)
		if client[i].RecognizeBackward(p) {
			parsed, err := cell.RelayFromBytes(p)
			require.NoError(err, "RelayFromBytes()")
			return i, parsed
		}
	}
	t.Fatalf("no hop recognized the inbound cell")
	return 0, nil
}

func TestOnionLayering(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 4} {
		client, relays := buildPath(t, n)
		for round := 0; round < 5; round++ {
			out := &cell.RelayCell{
				Command:  cell.RelayData,
				StreamID: 1,
				Data:     []byte{byte(n), byte(round)},
			}
			got := sendForward(t, client, relays, out)
			require.Equal(t, out.Data, got.Data, "forward data, %d hops", n)

			back := &cell.RelayCell{
				Command:  cell.RelayData,
				StreamID: 1,
				Data:     []byte{byte(round), byte(n)},
			}
			hopIdx, gotBack := sendBackward(t, client, relays, n-1, back)
			require.Equal(t, n-1, hopIdx, "recognized hop, %d hops", n)
			require.Equal(t, back.Data, gotBack.Data, "backward data, %d hops", n)
		}
	}
}

func TestOnionMiddleHopOrigination(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client, relays := buildPath(t, 3)
	rc := &cell.RelayCell{Command: cell.RelayTruncated}
	hopIdx, got := sendBackward(t, client, relays, 1, rc)
	require.Equal(1, hopIdx, "cell from the middle hop")
	require.Equal(cell.RelayTruncated, got.Command, "command")
}

func TestOnionIntegrity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client, relays := buildPath(t, 1)

	rc := &cell.RelayCell{Command: cell.RelayData, StreamID: 1, Data: []byte("x")}
	p := rc.ToBytes()
	relays[0].SealBackward(p)
	relays[0].DecryptBackward(p)

	bit := mrand.Intn(len(p) * 8)
	p[bit/8] ^= 1 << (bit % 8)
	client[0].DecryptBackward(p)
	require.False(client[0].RecognizeBackward(p), "tampered cell recognized, bit %d", bit)
}

func TestOnionDigestRollback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clientKeys, serverKeys := doHandshake(t)
	client := NewHopCrypto(clientKeys)
	relay := NewHopCrypto(serverKeys)

	// A cell that will not be recognized: valid relay structure, wrong
	// digest.  The failed check must not advance the digest state.
	junk := (&cell.RelayCell{Command: cell.RelayData, StreamID: 9}).ToBytes()
	junk[cell.RelayDigestOffset] = 0xff
	require.False(client.RecognizeBackward(junk), "junk recognized")

	// A genuine cell must still verify afterwards.
	p := (&cell.RelayCell{Command: cell.RelayData, StreamID: 1, Data: []byte("y")}).ToBytes()
	relay.SealBackward(p)
	relay.DecryptBackward(p)
	client.DecryptBackward(p)
	require.True(client.RecognizeBackward(p), "genuine cell after failed check")
}

func TestHopKeysReset(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	keys, _ := doHandshake(t)
	keys.Reset()
	require.Equal([KeyLength]byte{}, keys.ForwardKey, "ForwardKey cleared")
	require.Equal([DigestSeedLength]byte{}, keys.BackwardDigestSeed, "BackwardDigestSeed cleared")
}
