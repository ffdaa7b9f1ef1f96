package reassembly

import (
	"testing"

	"github.com/amoeba/gromnie/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestReassembler_OutOfOrderWithDuplicates(t *testing.T) {
	r := New(nil)

	hdr := func(index uint16) protocol.FragmentHeader {
		return protocol.FragmentHeader{Sequence: 100, ObjectID: 1, Count: 3, Index: index}
	}

	require.Nil(t, r.Insert(hdr(2), []byte("B")))
	require.Nil(t, r.Insert(hdr(0), []byte("A")))
	// duplicate of index 0 — idempotent overwrite, still incomplete
	require.Nil(t, r.Insert(hdr(0), []byte("A")))

	msg := r.Insert(hdr(1), []byte("A"))
	require.NotNil(t, msg)
	require.Equal(t, []byte("AAB"), msg.Data)
	require.Equal(t, uint32(100), msg.Sequence)

	require.Equal(t, 0, r.Pending(), "completed sequence must be evicted")
}

func TestReassembler_SingleFragmentMessage(t *testing.T) {
	r := New(nil)
	hdr := protocol.FragmentHeader{Sequence: 7, Count: 1, Index: 0}
	msg := r.Insert(hdr, []byte("solo"))
	require.NotNil(t, msg)
	require.Equal(t, []byte("solo"), msg.Data)
}

func TestReassembler_IndexOutOfRangeDiscarded(t *testing.T) {
	r := New(nil)
	hdr := protocol.FragmentHeader{Sequence: 5, Count: 2, Index: 5}
	msg := r.Insert(hdr, []byte("x"))
	require.Nil(t, msg)
	require.Equal(t, 0, r.Pending())
}

func TestReassembler_ResetDropsPending(t *testing.T) {
	r := New(nil)
	r.Insert(protocol.FragmentHeader{Sequence: 1, Count: 2, Index: 0}, []byte("a"))
	require.Equal(t, 1, r.Pending())
	r.Reset()
	require.Equal(t, 0, r.Pending())
}

func TestReassembler_NeverEmitsUntilComplete(t *testing.T) {
	r := New(nil)
	for i := uint16(0); i < 4; i++ {
		if i == 2 {
			continue
		}
		msg := r.Insert(protocol.FragmentHeader{Sequence: 1, Count: 4, Index: i}, []byte{byte(i)})
		require.Nil(t, msg)
	}
	require.Equal(t, 1, r.Pending())
	msg := r.Insert(protocol.FragmentHeader{Sequence: 1, Count: 4, Index: 2}, []byte{2})
	require.NotNil(t, msg)
	require.Equal(t, []byte{0, 1, 2, 3}, msg.Data)
}
