// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the byte-level encodings used for database records
// and storage keys.
package encode

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

var (
	// IntCoder is the integer byte-encoding order. IntCoder must be BigEndian
	// so that keys built from integers sort numerically.
	IntCoder = binary.BigEndian
	// ByteFalse is a byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// ByteTrue is a byte-slice representation of boolean true.
	ByteTrue = []byte{1}
)

// longPush marks a data push with a 4-byte length prefix.
const longPush = 0xff

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// BytesToUint32 converts the length-4, big-endian encoded byte slice to a
// uint32.
func BytesToUint32(b []byte) uint32 {
	return IntCoder.Uint32(b[:4])
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint64 converts the length-8, big-endian encoded byte slice to a
// uint64.
func BytesToUint64(b []byte) uint64 {
	return IntCoder.Uint64(b[:8])
}

// RandomBytes returns a byte slice with the specified length of random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return b
}

// CopySlice makes a copy of the slice.
func CopySlice(b []byte) []byte {
	if b == nil {
		return nil
	}
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// BuildyBytes is a byte-slice with an AddData method for building linearly
// encoded 2D byte slices. The canonical use is a "versioned blob", started
// with a single version byte and followed by data pushes:
//
//	b := BuildyBytes{0}.AddData(data1).AddData(data2)
//
// Pushes shorter than 255 bytes take a 1-byte length prefix. Longer pushes
// are prefixed by 0xff and a 4-byte length.
type BuildyBytes []byte

// AddData adds the data to the BuildyBytes, and returns the new BuildyBytes.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	if l := len(d); l < longPush {
		b = append(b, byte(l))
	} else {
		b = append(b, longPush)
		b = append(b, Uint32Bytes(uint32(l))...)
	}
	return append(b, d...)
}

// ExtractPushes parses the linearly-encoded 2D byte slice into a slice of
// slices. Empty pushes are nil slices.
func ExtractPushes(b []byte) ([][]byte, error) {
	pushes := make([][]byte, 0, 4)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == longPush {
			if len(b) < 4 {
				return nil, fmt.Errorf("4 bytes not available for data length")
			}
			l = int(BytesToUint32(b))
			b = b[4:]
		}
		if len(b) < l {
			return nil, fmt.Errorf("data too short for pop of %d bytes", l)
		}
		if l == 0 {
			pushes = append(pushes, nil)
			continue
		}
		pushes = append(pushes, b[:l:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and the pushes extracted
// from its data.
func DecodeBlob(b []byte) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("zero length blob not allowed")
	}
	pushes, err := ExtractPushes(b[1:])
	return b[0], pushes, err
}
