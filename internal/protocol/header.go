package protocol

import "encoding/binary"

// HeaderSize is the fixed packet header length.
const HeaderSize = 20

// ChecksumPlaceholder occupies the checksum slot while it is being
// computed.
const ChecksumPlaceholder uint32 = 0xBADD70DD

// FragmentHeaderSize is the fixed fragment-header length.
const FragmentHeaderSize = 16

// Header is the fixed 20-byte packet header, little-endian on the wire.
type Header struct {
	Sequence            uint32
	Flags               Flags
	Checksum            uint32
	RecipientID         uint16
	TimeSinceLastPacket uint16
	Size                uint16
	Iteration           uint16
}

// Put writes the header to buf[0:HeaderSize]. buf must be at least
// HeaderSize bytes long.
func (h Header) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[8:12], h.Checksum)
	binary.LittleEndian.PutUint16(buf[12:14], h.RecipientID)
	binary.LittleEndian.PutUint16(buf[14:16], h.TimeSinceLastPacket)
	binary.LittleEndian.PutUint16(buf[16:18], h.Size)
	binary.LittleEndian.PutUint16(buf[18:20], h.Iteration)
}

// ParseHeader reads a Header from buf[0:HeaderSize].
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Sequence:            binary.LittleEndian.Uint32(buf[0:4]),
		Flags:               Flags(binary.LittleEndian.Uint32(buf[4:8])),
		Checksum:            binary.LittleEndian.Uint32(buf[8:12]),
		RecipientID:         binary.LittleEndian.Uint16(buf[12:14]),
		TimeSinceLastPacket: binary.LittleEndian.Uint16(buf[14:16]),
		Size:                binary.LittleEndian.Uint16(buf[16:18]),
		Iteration:           binary.LittleEndian.Uint16(buf[18:20]),
	}, nil
}

// FragmentHeader precedes each chunk of a multi-part payload.
type FragmentHeader struct {
	Sequence uint32
	ObjectID uint32
	Count    uint16
	Size     uint16
	Index    uint16
	Group    uint16
}

func (fh FragmentHeader) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], fh.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], fh.ObjectID)
	binary.LittleEndian.PutUint16(buf[8:10], fh.Count)
	binary.LittleEndian.PutUint16(buf[10:12], fh.Size)
	binary.LittleEndian.PutUint16(buf[12:14], fh.Index)
	binary.LittleEndian.PutUint16(buf[14:16], fh.Group)
}

func ParseFragmentHeader(buf []byte) (FragmentHeader, error) {
	if len(buf) < FragmentHeaderSize {
		return FragmentHeader{}, ErrShortBuffer
	}
	return FragmentHeader{
		Sequence: binary.LittleEndian.Uint32(buf[0:4]),
		ObjectID: binary.LittleEndian.Uint32(buf[4:8]),
		Count:    binary.LittleEndian.Uint16(buf[8:10]),
		Size:     binary.LittleEndian.Uint16(buf[10:12]),
		Index:    binary.LittleEndian.Uint16(buf[12:14]),
		Group:    binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}
