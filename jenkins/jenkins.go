// Package jenkins implements the lookup3 hash used as the archive's file name
// key space.
//
// The archive keys every file by the hashlittle2 variant of Bob Jenkins'
// lookup3 function, computed over the normalized path with zero initial
// values. The 96-bit internal state is exposed as [Hash96]; name keys use the
// 64-bit [Hash96.Uint64] form (c in the high half, b in the low half).
package jenkins

import (
	"encoding/binary"
	"math/bits"
)

// Hash96 is the final (a, b, c) state of hashlittle2.
type Hash96 struct {
	A, B, C uint32
}

// Uint64 returns the 64-bit name key: c in the high 32 bits, b in the low.
func (h Hash96) Uint64() uint64 {
	return uint64(h.C)<<32 | uint64(h.B)
}

// Sum96 hashes data with zero initial values and returns the full state.
// No normalization is applied.
func Sum96(data []byte) Hash96 {
	length := uint32(len(data)) //nolint:gosec // lookup3 folds the length into 32 bits
	a := 0xdeadbeef + length
	b, c := a, a

	if len(data) == 0 {
		return Hash96{A: a, B: b, C: c}
	}

	for len(data) > 12 {
		a += binary.LittleEndian.Uint32(data[0:])
		b += binary.LittleEndian.Uint32(data[4:])
		c += binary.LittleEndian.Uint32(data[8:])
		a, b, c = mix(a, b, c)
		data = data[12:]
	}

	// The last block is zero padded to 12 bytes.
	var tail [12]byte
	copy(tail[:], data)
	a += binary.LittleEndian.Uint32(tail[0:])
	b += binary.LittleEndian.Uint32(tail[4:])
	c += binary.LittleEndian.Uint32(tail[8:])
	a, b, c = final(a, b, c)

	return Hash96{A: a, B: b, C: c}
}

// Sum64 hashes data without normalization and returns the 64-bit key.
func Sum64(data []byte) uint64 {
	return Sum96(data).Uint64()
}

// HashPath normalizes path the way the archive does and returns its key.
func HashPath(path string) uint64 {
	return Sum64(Normalize(path))
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= bits.RotateLeft32(c, 4)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 6)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 8)
	b += a
	a -= c
	a ^= bits.RotateLeft32(c, 16)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 19)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= bits.RotateLeft32(b, 14)
	a ^= c
	a -= bits.RotateLeft32(c, 11)
	b ^= a
	b -= bits.RotateLeft32(a, 25)
	c ^= b
	c -= bits.RotateLeft32(b, 16)
	a ^= c
	a -= bits.RotateLeft32(c, 4)
	b ^= a
	b -= bits.RotateLeft32(a, 14)
	c ^= b
	c -= bits.RotateLeft32(b, 24)
	return a, b, c
}
