// Package getbytes reinterprets slices of fixed-width numbers as their raw
// bytes, without copying. The result aliases the input slice and is in the
// host's byte order.
package getbytes

import (
	"encoding/binary"
	"unsafe"
)

// Fixed is the set of element types that can be viewed as raw bytes.
type Fixed interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// FromSlice converts a []T to []byte using unsafe
func FromSlice[T Fixed](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceInt16 converts a []int16 to []byte using unsafe. This is the raw
// sample layout written to disk.
func FromSliceInt16(d []int16) []byte {
	return FromSlice(d)
}

// FromSliceUint16 converts a []uint16 to []byte using unsafe
func FromSliceUint16(d []uint16) []byte {
	return FromSlice(d)
}

// ToSliceInt16 copies raw bytes in host order back into a new []int16.
// A trailing odd byte is ignored.
func ToSliceInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	copy(FromSlice(out), b)
	return out
}

// NativeByteOrder returns the byte order of the host, which is the order of
// every slice returned by this package.
func NativeByteOrder() binary.ByteOrder {
	if FromSliceUint16([]uint16{1})[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
