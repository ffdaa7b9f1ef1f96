// Package protocol implements the gromnie wire framing: the fixed packet
// header, flag-gated optional sections, the fragment header, and the
// checksum algorithm the legacy server expects. Opcode-to-
// typed-event decoding beyond framing is treated as a generated dispatch
// table and lives in messages.go/opcodes.go.
package protocol

import (
	"bytes"

	"github.com/amoeba/gromnie/internal/crypto"
)

// OptionalFields holds the header's flag-gated optional sections. Exactly
// one of these is non-nil per flag that is set (invariant I1); the zero
// value means "absent".
type OptionalFields struct {
	AckSequence        *uint32
	WorldLoginToken    *uint64
	ConnectResponseCookie *uint64
	TimeSync           *uint64
	EchoTime           *float32
	FlowSequence       *uint32
	FlowSize           *uint16
}

// OutgoingPacket is the caller-supplied description of a packet to send.
// It has no Size or Checksum field: Encode computes both.
type OutgoingPacket struct {
	Sequence    uint32
	Flags       Flags
	RecipientID uint16
	Iteration   uint16
	Options     OptionalFields
	// Payload is the fragment header+data, or plain message bytes,
	// depending on whether FlagBlobFragments is set.
	Payload []byte
}

// validateOptionPairing enforces invariant I1 before encoding.
func validateOptionPairing(p OutgoingPacket) error {
	pairs := []struct {
		has bool
		set bool
	}{
		{p.Flags.Has(FlagAckSequence), p.Options.AckSequence != nil},
		{p.Flags.Has(FlagWorldLoginRequest), p.Options.WorldLoginToken != nil},
		{p.Flags.Has(FlagConnectResponse), p.Options.ConnectResponseCookie != nil},
		{p.Flags.Has(FlagTimeSync), p.Options.TimeSync != nil},
		{p.Flags.Has(FlagEchoRequest) || p.Flags.Has(FlagEchoResponse), p.Options.EchoTime != nil},
		{p.Flags.Has(FlagFlow), p.Options.FlowSequence != nil && p.Options.FlowSize != nil},
	}
	for _, pr := range pairs {
		if pr.has != pr.set {
			return ErrFlagFieldMismatch
		}
	}
	return nil
}

func writeOptionalFields(buf *bytes.Buffer, o OptionalFields) {
	var tmp4 [4]byte
	var tmp8 [8]byte

	if o.AckSequence != nil {
		putU32(tmp4[:], *o.AckSequence)
		buf.Write(tmp4[:])
	}
	if o.WorldLoginToken != nil {
		putU64(tmp8[:], *o.WorldLoginToken)
		buf.Write(tmp8[:])
	}
	if o.ConnectResponseCookie != nil {
		putU64(tmp8[:], *o.ConnectResponseCookie)
		buf.Write(tmp8[:])
	}
	if o.TimeSync != nil {
		putU64(tmp8[:], *o.TimeSync)
		buf.Write(tmp8[:])
	}
	if o.EchoTime != nil {
		putF32(tmp4[:], *o.EchoTime)
		buf.Write(tmp4[:])
	}
	if o.FlowSequence != nil {
		putU32(tmp4[:], *o.FlowSequence)
		buf.Write(tmp4[:])
		var tmp2 [2]byte
		putU16(tmp2[:], *o.FlowSize)
		buf.Write(tmp2[:])
	}
}

func optionSize(o OptionalFields) int {
	n := 0
	if o.AckSequence != nil {
		n += 4
	}
	if o.WorldLoginToken != nil {
		n += 8
	}
	if o.ConnectResponseCookie != nil {
		n += 8
	}
	if o.TimeSync != nil {
		n += 8
	}
	if o.EchoTime != nil {
		n += 4
	}
	if o.FlowSequence != nil {
		n += 6
	}
	return n
}

// Encode serializes an OutgoingPacket, computing Size and Checksum per the
// algorithm. keygen may be nil; it is consulted (and consumed)
// only when FlagBlobFragments is set, matching the Open Question decision
// in DESIGN.md that BLOB_FRAGMENTS packets without an established session
// skip the XOR step rather than erroring.
func Encode(p OutgoingPacket, keygen *crypto.SendKeyGenerator) ([]byte, error) {
	if err := validateOptionPairing(p); err != nil {
		return nil, err
	}

	flags := p.Flags
	if flags.Has(FlagBlobFragments) && keygen != nil {
		flags |= FlagEncryptedChecksum
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+optionSize(p.Options)+len(p.Payload)))
	buf.Write(make([]byte, HeaderSize)) // placeholder, patched below

	writeOptionalFields(buf, p.Options)
	optSize := optionSize(p.Options)

	buf.Write(p.Payload)

	out := buf.Bytes()
	size := len(out) - HeaderSize // step 1: always recomputed

	hdr := Header{
		Sequence:    p.Sequence,
		Flags:       flags,
		Checksum:    ChecksumPlaceholder,
		RecipientID: p.RecipientID,
		Size:        uint16(size),
		Iteration:   p.Iteration,
	}
	hdr.Put(out[0:HeaderSize])

	var optCk, payCk uint32
	if optSize > 0 {
		optCk = Magic(out[HeaderSize : HeaderSize+optSize])
	}
	payStart := HeaderSize + optSize
	if payStart < len(out) {
		payCk = Magic(out[payStart:])
	}

	combined := optCk + payCk
	if flags.Has(FlagBlobFragments) && keygen != nil {
		combined ^= keygen.Next()
	}

	hdrCk := Magic(out[0:HeaderSize])
	final := hdrCk + combined

	putU32(out[8:12], final)

	return out, nil
}

// IncomingPacket is the parsed result of Decode.
type IncomingPacket struct {
	Header  Header
	Options OptionalFields
	Payload []byte
}

// Decode parses a received datagram's header and optional fields. Checksum
// validation of inbound packets is not required on the incoming path and
// is not performed here; callers that want it can run
// Magic over the relevant slices themselves.
func Decode(buf []byte) (IncomingPacket, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return IncomingPacket{}, err
	}

	offset := HeaderSize
	var opts OptionalFields

	readU32 := func() (uint32, error) {
		if offset+4 > len(buf) {
			return 0, ErrShortBuffer
		}
		v := getU32(buf[offset : offset+4])
		offset += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if offset+8 > len(buf) {
			return 0, ErrShortBuffer
		}
		v := getU64(buf[offset : offset+8])
		offset += 8
		return v, nil
	}

	if hdr.Flags.Has(FlagAckSequence) {
		v, err := readU32()
		if err != nil {
			return IncomingPacket{}, err
		}
		opts.AckSequence = &v
	}
	if hdr.Flags.Has(FlagWorldLoginRequest) {
		v, err := readU64()
		if err != nil {
			return IncomingPacket{}, err
		}
		opts.WorldLoginToken = &v
	}
	if hdr.Flags.Has(FlagConnectResponse) {
		v, err := readU64()
		if err != nil {
			return IncomingPacket{}, err
		}
		opts.ConnectResponseCookie = &v
	}
	if hdr.Flags.Has(FlagTimeSync) {
		v, err := readU64()
		if err != nil {
			return IncomingPacket{}, err
		}
		opts.TimeSync = &v
	}
	if hdr.Flags.Has(FlagEchoRequest) || hdr.Flags.Has(FlagEchoResponse) {
		v, err := readU32()
		if err != nil {
			return IncomingPacket{}, err
		}
		f := getF32(v)
		opts.EchoTime = &f
	}
	if hdr.Flags.Has(FlagFlow) {
		seq, err := readU32()
		if err != nil {
			return IncomingPacket{}, err
		}
		if offset+2 > len(buf) {
			return IncomingPacket{}, ErrShortBuffer
		}
		size := getU16(buf[offset : offset+2])
		offset += 2
		opts.FlowSequence = &seq
		opts.FlowSize = &size
	}

	return IncomingPacket{
		Header:  hdr,
		Options: opts,
		Payload: buf[offset:],
	}, nil
}
