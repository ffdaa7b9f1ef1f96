package protocol

import (
	"bytes"
	"testing"

	"github.com/amoeba/gromnie/internal/crypto"
	"github.com/stretchr/testify/require"
)

func TestEncode_SizeFieldMatchesBufferLength(t *testing.T) {
	seq := uint32(5)
	out, err := Encode(OutgoingPacket{
		Sequence: 5,
		Flags:    FlagAckSequence,
		Options:  OptionalFields{AckSequence: &seq},
		Payload:  []byte("hello"),
	}, nil)
	require.NoError(t, err)

	hdr, err := ParseHeader(out)
	require.NoError(t, err)
	require.Equal(t, len(out)-HeaderSize, int(hdr.Size))
}

func TestEncode_FlagFieldPairingEnforced(t *testing.T) {
	_, err := Encode(OutgoingPacket{
		Flags: FlagAckSequence, // no AckSequence option set
	}, nil)
	require.ErrorIs(t, err, ErrFlagFieldMismatch)
}

func TestEncode_SequenceRoundTrips(t *testing.T) {
	out, err := Encode(OutgoingPacket{Sequence: 42, RecipientID: 7, Iteration: 9}, nil)
	require.NoError(t, err)

	hdr, err := ParseHeader(out)
	require.NoError(t, err)
	require.Equal(t, uint32(42), hdr.Sequence)
	require.Equal(t, uint16(7), hdr.RecipientID)
	require.Equal(t, uint16(9), hdr.Iteration)
}

func TestEncode_ChecksumIsReproducible(t *testing.T) {
	out, err := Encode(OutgoingPacket{Sequence: 1, Payload: []byte("payload-data")}, nil)
	require.NoError(t, err)

	hdr, err := ParseHeader(out)
	require.NoError(t, err)

	// Independently recompute: restore the placeholder in the checksum slot,
	// redo steps 3/4/6/7.
	recomputed := make([]byte, len(out))
	copy(recomputed, out)
	putU32(recomputed[8:12], ChecksumPlaceholder)

	payCk := Magic(recomputed[HeaderSize:])
	hdrCk := Magic(recomputed[0:HeaderSize])
	want := hdrCk + payCk

	require.Equal(t, want, hdr.Checksum)
}

func TestEncode_FragmentChecksumXORsKeystream(t *testing.T) {
	keygenA := crypto.NewSendKeyGenerator(0xDEADBEEF)
	keygenB := crypto.NewSendKeyGenerator(0xDEADBEEF)

	frag := BuildFragmentPayload(FragmentHeader{Sequence: 1, ObjectID: 2, Count: 1, Index: 0, Group: 0}, []byte("AAB"))

	out1, err := Encode(OutgoingPacket{Sequence: 1, Flags: FlagBlobFragments, Payload: frag}, keygenA)
	require.NoError(t, err)
	out2, err := Encode(OutgoingPacket{Sequence: 1, Flags: FlagBlobFragments, Payload: frag}, keygenB)
	require.NoError(t, err)

	require.Equal(t, out1, out2, "same seed must produce identical checksums")

	hdr, err := ParseHeader(out1)
	require.NoError(t, err)
	require.True(t, hdr.Flags.Has(FlagEncryptedChecksum), "fragment packets with a keygen must set ENCRYPTED_CHECKSUM")
}

func TestEncode_NoKeygenSkipsXOR(t *testing.T) {
	frag := BuildFragmentPayload(FragmentHeader{Sequence: 1, ObjectID: 2, Count: 1, Index: 0}, []byte("x"))
	out, err := Encode(OutgoingPacket{Sequence: 1, Flags: FlagBlobFragments, Payload: frag}, nil)
	require.NoError(t, err)

	hdr, err := ParseHeader(out)
	require.NoError(t, err)
	require.False(t, hdr.Flags.Has(FlagEncryptedChecksum))
}

func TestDecode_RoundTripsAckSequence(t *testing.T) {
	seq := uint32(99)
	out, err := Encode(OutgoingPacket{
		Sequence: 1,
		Flags:    FlagAckSequence,
		Options:  OptionalFields{AckSequence: &seq},
		Payload:  []byte("z"),
	}, nil)
	require.NoError(t, err)

	in, err := Decode(out)
	require.NoError(t, err)
	require.NotNil(t, in.Options.AckSequence)
	require.Equal(t, seq, *in.Options.AckSequence)
	require.Equal(t, []byte("z"), in.Payload)
}

func TestStrings_RegularRoundTrip(t *testing.T) {
	b := &bytes.Buffer{}
	WriteRegularString(b, "hello")
	buf := b.Bytes()

	s, n, err := ReadRegularString(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
	require.Equal(t, len(buf), n)
}

func TestStrings_PackedRoundTrip(t *testing.T) {
	b := &bytes.Buffer{}
	WritePackedString(b, "p4ssw0rd")
	buf := b.Bytes()

	s, n, err := ReadPackedString(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "p4ssw0rd", s)
	require.Equal(t, len(buf), n)
}
