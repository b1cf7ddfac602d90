package getbytes

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func TestFromGetBytes(t *testing.T) {
	if NativeByteOrder() != binary.LittleEndian {
		t.Skip("expected encodings below assume a little-endian host")
	}
	encodedStr := hex.EncodeToString(FromSliceUint16([]uint16{0xABCD, 0xEF01, 0x2345, 0x6789}))
	if expectStr := "cdab01ef45238967"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceInt16([]int16{1, 2, 3, 4}))
	if expectStr := "0100020003000400"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceInt16([]int16{-1, -32768}))
	if expectStr := "ffff0080"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSlice([]int32{1, 2}))
	if expectStr := "0100000002000000"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSlice([]float32{1, 2}))
	if expectStr := "0000803f00000040"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	if len(FromSliceInt16(nil)) != 0 {
		t.Error("nil slice should convert to an empty byte slice")
	}
}

func TestRoundTripInt16(t *testing.T) {
	data := []int16{0, 1, -1, 32767, -32768, 1234}
	raw := FromSliceInt16(data)
	if len(raw) != 2*len(data) {
		t.Fatalf("FromSliceInt16 returned %d bytes, want %d", len(raw), 2*len(data))
	}
	back := ToSliceInt16(raw)
	for i := range data {
		if back[i] != data[i] {
			t.Errorf("ToSliceInt16()[%d]=%d, want %d", i, back[i], data[i])
		}
	}

	// The conversion aliases the input: a change to data shows up in raw.
	data[0] = 0x0102
	if NativeByteOrder().Uint16(raw[:2]) != 0x0102 {
		t.Errorf("FromSliceInt16 should alias its input")
	}
	if len(ToSliceInt16([]byte{1, 2, 3})) != 1 {
		t.Errorf("ToSliceInt16 should ignore a trailing odd byte")
	}
}
