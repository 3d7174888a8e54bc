// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bytes is a byte slice that marshals to and unmarshals from a hexadecimal
// string. Pubkeys, signatures and ciphertexts travel in this form.
type Bytes []byte

// String return the hex encoding of the Bytes.
func (b Bytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON satisfies the json.Marshaller interface, and will marshal the
// bytes to a hex string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON satisfies the json.Unmarshaler interface, and expects a UTF-8
// encoding of a hex string. A JSON null leaves the Bytes empty.
func (b *Bytes) UnmarshalJSON(encHex []byte) (err error) {
	if string(encHex) == "null" {
		*b = nil
		return nil
	}
	if len(encHex) < 2 || encHex[0] != '"' || encHex[len(encHex)-1] != '"' {
		return fmt.Errorf("marshalled Bytes, '%s', not valid", string(encHex))
	}
	*b, err = hex.DecodeString(string(encHex[1 : len(encHex)-1]))
	return err
}

// BytesFromHex decodes a hex string, returning nil on error.
func BytesFromHex(s string) Bytes {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
