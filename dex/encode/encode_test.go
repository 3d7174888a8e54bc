package encode

import (
	"bytes"
	"testing"
)

var (
	tA = []byte{0xaa}
	tB = []byte{0xbb, 0xbb}
	tC = []byte{0xcc, 0xcc, 0xcc}
)

func TestBuildyBytes(t *testing.T) {
	tests := []struct {
		pushes [][]byte
		exp    []byte
	}{
		{[][]byte{tA}, []byte{0x01, 0xaa}},
		{[][]byte{tA, tB}, []byte{1, 0xaa, 2, 0xbb, 0xbb}},
		{[][]byte{tA, nil}, []byte{1, 0xaa, 0}},
		{[][]byte{{}, {}}, []byte{0, 0}},
	}
	for i, tt := range tests {
		var b BuildyBytes
		for _, p := range tt.pushes {
			b = b.AddData(p)
		}
		if !bytes.Equal(b, tt.exp) {
			t.Fatalf("test %d: wanted %x, got %x", i, tt.exp, []byte(b))
		}
	}
}

func TestDecodeBlob(t *testing.T) {
	longBlob := RandomBytes(300)
	tests := []struct {
		v       byte
		b       []byte
		exp     [][]byte
		wantErr bool
	}{
		{
			v:   1,
			b:   BuildyBytes{1}.AddData(nil).AddData(tA),
			exp: [][]byte{nil, tA},
		},
		{
			v:   5,
			b:   BuildyBytes{5}.AddData(tB).AddData(tC),
			exp: [][]byte{tB, tC},
		},
		{
			v:   255,
			b:   BuildyBytes{255}.AddData(tA).AddData(longBlob),
			exp: [][]byte{tA, longBlob},
		},
		{
			b:       []byte{0x01, 0x02},
			wantErr: true,
		},
		{
			b:       nil,
			wantErr: true,
		},
	}
	for i, tt := range tests {
		ver, pushes, err := DecodeBlob(tt.b)
		if (err != nil) != tt.wantErr {
			t.Fatalf("test %d: unexpected error state: %v", i, err)
		}
		if tt.wantErr {
			continue
		}
		if ver != tt.v {
			t.Fatalf("test %d: wanted version %d, got %d", i, tt.v, ver)
		}
		if len(pushes) != len(tt.exp) {
			t.Fatalf("test %d: wanted %d pushes, got %d", i, len(tt.exp), len(pushes))
		}
		for j, push := range pushes {
			if !bytes.Equal(tt.exp[j], push) {
				t.Fatalf("push %d:%d incorrect. wanted %x, got %x", i, j, tt.exp[j], push)
			}
		}
	}
}

func TestUintBytes(t *testing.T) {
	if BytesToUint32(Uint32Bytes(0xdeadbeef)) != 0xdeadbeef {
		t.Fatalf("uint32 round trip failed")
	}
	if BytesToUint64(Uint64Bytes(1<<40+7)) != 1<<40+7 {
		t.Fatalf("uint64 round trip failed")
	}
}
