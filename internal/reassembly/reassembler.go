// Package reassembly implements the fragment reassembler:
// a per-sequence buffer that accumulates multi-chunk blob fragments and
// emits a complete raw message once every index has arrived.
package reassembly

import (
	"log/slog"
	"sync"

	"github.com/amoeba/gromnie/internal/protocol"
)

// Message is a fully reassembled payload, tagged with the sequence and
// object ID of the fragments that built it.
type Message struct {
	Sequence uint32
	ObjectID uint32
	Group    protocol.FragmentGroup
	Data     []byte
}

type entry struct {
	count     int
	objectID  uint32
	group     protocol.FragmentGroup
	chunkSize int
	slots     [][]byte
	filled    []bool
	remaining int
}

// Reassembler maintains one buffer per in-flight fragment sequence. It is
// safe for concurrent use; the client loop is its only expected caller
// but the mutex keeps the contract honest regardless.
type Reassembler struct {
	mu      sync.Mutex
	entries map[uint32]*entry
	log     *slog.Logger
}

// New creates an empty Reassembler.
func New(log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{entries: make(map[uint32]*entry), log: log}
}

// Insert feeds one fragment into the reassembler. It returns the completed
// Message once every distinct index in [0,count) has been received
// (invariant I4); otherwise it returns nil.
//
// Duplicate indices overwrite idempotently. index >= count is logged and
// discarded, not an error — a malformed or replayed fragment must not take
// down the session.
func (r *Reassembler) Insert(hdr protocol.FragmentHeader, data []byte) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hdr.Index >= hdr.Count {
		r.log.Debug("fragment index out of range, discarding", "sequence", hdr.Sequence, "index", hdr.Index, "count", hdr.Count)
		return nil
	}

	e, ok := r.entries[hdr.Sequence]
	if !ok {
		e = &entry{
			count:     int(hdr.Count),
			objectID:  hdr.ObjectID,
			group:     protocol.FragmentGroup(hdr.Group),
			slots:     make([][]byte, hdr.Count),
			filled:    make([]bool, hdr.Count),
			remaining: int(hdr.Count),
		}
		r.entries[hdr.Sequence] = e
	}

	if !e.filled[hdr.Index] {
		e.remaining--
	}
	e.filled[hdr.Index] = true
	buf := make([]byte, len(data))
	copy(buf, data)
	e.slots[hdr.Index] = buf

	if e.remaining > 0 {
		return nil
	}

	total := 0
	for _, s := range e.slots {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range e.slots {
		out = append(out, s...)
	}

	delete(r.entries, hdr.Sequence)
	return &Message{Sequence: hdr.Sequence, ObjectID: e.objectID, Group: e.group, Data: out}
}

// Reset drops all pending entries, used on session reset/reconnect (spec
// §4.2 "Sessions reset (reconnect) drop all pending entries").
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint32]*entry)
}

// Pending returns the number of in-flight sequences, for tests and
// diagnostics.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
