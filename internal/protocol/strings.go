package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// WriteRegularString appends a "regular" string: u16 length, then the
// bytes, zero-padded to 4-byte alignment.
func WriteRegularString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	written := 2 + len(s)
	for i := written; i%4 != 0; i++ {
		buf.WriteByte(0)
	}
}

// ReadRegularString reads a "regular" string from buf starting at offset,
// returning the string and the number of bytes consumed (including
// padding).
func ReadRegularString(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, ErrShortBuffer
	}
	n := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	start := offset + 2
	if start+n > len(buf) {
		return "", 0, fmt.Errorf("protocol: regular string length %d exceeds buffer", n)
	}
	s := string(buf[start : start+n])
	consumed := pad4(2 + n)
	return s, consumed, nil
}

// WritePackedString appends a "packed" string as used by some payloads
// (e.g. the login password): u32 total length, a packed-length header (1
// byte, or 2 bytes if length > 255), the data, then padding to 4-byte
// alignment.
func WritePackedString(buf *bytes.Buffer, s string) {
	var totalBuf [4]byte
	binary.LittleEndian.PutUint32(totalBuf[:], uint32(len(s)))
	buf.Write(totalBuf[:])

	headerLen := 1
	if len(s) > 255 {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
		buf.Write(lenBuf[:])
		headerLen = 2
	} else {
		buf.WriteByte(byte(len(s)))
	}
	buf.WriteString(s)

	written := 4 + headerLen + len(s)
	for i := written; i%4 != 0; i++ {
		buf.WriteByte(0)
	}
}

// ReadPackedString reads a "packed" string from buf starting at offset,
// returning the string and the number of bytes consumed (including
// padding).
func ReadPackedString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", 0, ErrShortBuffer
	}
	total := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	pos := offset + 4

	headerLen := 1
	if total > 255 {
		headerLen = 2
	}
	if pos+headerLen > len(buf) {
		return "", 0, ErrShortBuffer
	}
	pos += headerLen

	if pos+total > len(buf) {
		return "", 0, fmt.Errorf("protocol: packed string length %d exceeds buffer", total)
	}
	s := string(buf[pos : pos+total])
	consumed := pad4(4 + headerLen + total)
	return s, consumed, nil
}
