package eventbus

import "time"

// RawEvent is what a session/protocol handler produces before enrichment:
// just the event value and which source produced it.
type RawEvent struct {
	Event  any
	Source Source
}

// Enricher is the thin adapter between a client's raw per-client event
// channel and the Bus. It owns the per-client
// sequence counter, which is independent per client, not global.
type Enricher struct {
	clientID uint16
	seq      uint64
	bus      *Bus
}

// NewEnricher builds an Enricher that publishes onto bus on behalf of
// clientID.
func NewEnricher(clientID uint16, bus *Bus) *Enricher {
	return &Enricher{clientID: clientID, bus: bus}
}

// Publish enriches one raw event with client_id, an incrementing
// per-client sequence, a wall-clock timestamp, and source, then publishes
// it on the bus.
func (e *Enricher) Publish(raw RawEvent, now time.Time) {
	e.seq++
	e.bus.Publish(Envelope{
		Event: raw.Event,
		Context: Context{
			ClientID:          e.clientID,
			PerClientSequence: e.seq,
		},
		Timestamp: now,
		Source:    raw.Source,
	})
}
