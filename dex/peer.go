// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "bytes"

// NodeAddress is the network address of a peer, host:port for websocket
// peers or a plain name on an in-process network.
type NodeAddress string

// PubKeyRing holds the public keys a peer is known by. SigPubKey verifies
// signed envelopes and contracts. EncPubKey is used for ECDH when sealing
// messages to the peer. Both are compressed secp256k1 public keys.
type PubKeyRing struct {
	SigPubKey Bytes `json:"sigPubKey"`
	EncPubKey Bytes `json:"encPubKey"`
}

// Equal checks that both keys of the rings match.
func (r *PubKeyRing) Equal(o *PubKeyRing) bool {
	if r == nil || o == nil {
		return r == o
	}
	return bytes.Equal(r.SigPubKey, o.SigPubKey) && bytes.Equal(r.EncPubKey, o.EncPubKey)
}

// IsZero is true if the ring carries no keys.
func (r *PubKeyRing) IsZero() bool {
	return r == nil || (len(r.SigPubKey) == 0 && len(r.EncPubKey) == 0)
}
