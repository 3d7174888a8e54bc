// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignHash signs the 32-byte hash, returning a DER-encoded signature.
func SignHash(priv *secp256k1.PrivateKey, hash []byte) []byte {
	return ecdsa.Sign(priv, hash).Serialize()
}

// SignBytes signs the sha256 hash of the data.
func SignBytes(priv *secp256k1.PrivateKey, b []byte) []byte {
	h := sha256.Sum256(b)
	return SignHash(priv, h[:])
}

// CheckSig checks that the DER-encoded signature was created over the hash
// with the private key for the serialized secp256k1 public key.
func CheckSig(hash, sig, pubKey []byte) error {
	pk, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("error parsing public key: %w", err)
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("error decoding secp256k1 Signature from bytes: %w", err)
	}
	if !signature.Verify(hash, pk) {
		return fmt.Errorf("secp256k1 signature verification failed")
	}
	return nil
}

// CheckBytesSig checks a signature created with SignBytes.
func CheckBytesSig(b, sig, pubKey []byte) error {
	h := sha256.Sum256(b)
	return CheckSig(h[:], sig, pubKey)
}
