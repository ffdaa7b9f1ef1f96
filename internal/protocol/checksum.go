package protocol

import "encoding/binary"

// Magic reproduces the legacy server's content hash.
// It is a 32-bit little-endian word sum with specific tail handling for
// buffers whose length isn't a multiple of 4 — not a cryptographic hash,
// just a checksum the server expects bit-for-bit.
func Magic(buf []byte) uint32 {
	var sum uint32
	n := len(buf)
	full := n - n%4

	for i := 0; i < full; i += 4 {
		sum += binary.LittleEndian.Uint32(buf[i : i+4])
	}

	if tail := n - full; tail > 0 {
		var last [4]byte
		copy(last[:], buf[full:])
		sum += binary.LittleEndian.Uint32(last[:])
	}

	return sum
}
