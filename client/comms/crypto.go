// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "tuskex envelope v1"

// Identity is a node's signing and encryption keys.
type Identity struct {
	SigKey *secp256k1.PrivateKey
	EncKey *secp256k1.PrivateKey
}

// NewIdentity generates a new random Identity.
func NewIdentity() (*Identity, error) {
	sigKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	encKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{SigKey: sigKey, EncKey: encKey}, nil
}

// IdentityFromBytes decodes serialized private keys.
func IdentityFromBytes(sigKey, encKey []byte) (*Identity, error) {
	if len(sigKey) != secp256k1.PrivKeyBytesLen || len(encKey) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key lengths %d, %d", len(sigKey), len(encKey))
	}
	return &Identity{
		SigKey: secp256k1.PrivKeyFromBytes(sigKey),
		EncKey: secp256k1.PrivKeyFromBytes(encKey),
	}, nil
}

// Serialize encodes the private keys.
func (id *Identity) Serialize() (sigKey, encKey []byte) {
	return id.SigKey.Serialize(), id.EncKey.Serialize()
}

// PubKeyRing is the public half of the Identity.
func (id *Identity) PubKeyRing() *dex.PubKeyRing {
	return &dex.PubKeyRing{
		SigPubKey: id.SigKey.PubKey().SerializeCompressed(),
		EncPubKey: id.EncKey.PubKey().SerializeCompressed(),
	}
}

func sharedKey(priv *secp256k1.PrivateKey, pubB []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(pubB)
	if err != nil {
		return nil, fmt.Errorf("error parsing encryption key: %w", err)
	}
	secret := secp256k1.GenerateSharedSecret(priv, pub)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal encrypts the plaintext to the holder of the private key for peerEncKey.
// The nonce is prepended to the ciphertext.
func seal(priv *secp256k1.PrivateKey, peerEncKey, plaintext, aad []byte) ([]byte, error) {
	key, err := sharedKey(priv, peerEncKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := encode.RandomBytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// unseal reverses seal.
func unseal(priv *secp256k1.PrivateKey, peerEncKey, ciphertext, aad []byte) ([]byte, error) {
	key, err := sharedKey(priv, peerEncKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, aad)
}
