package pluginhost

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/amoeba/gromnie/internal/eventbus"
	"github.com/amoeba/gromnie/internal/session"
)

// EventKind is one bit of a plugin's declared subscription mask, checked
// against each event's kind before it is dispatched to that plugin.
type EventKind uint64

const (
	EventAuthenticationSucceeded EventKind = 1 << iota
	EventAuthenticationFailed
	EventConnected
	EventCharacterListReceived
	EventLoginSucceeded
	EventCharacterError
	EventDisconnected
)

// kindOf maps a published event value to its EventKind bit. The bool is
// false for event types the plugin ABI doesn't expose (e.g. eventbus.Lagged,
// which is host-internal bookkeeping, not a game event).
func kindOf(event any) (EventKind, bool) {
	switch event.(type) {
	case session.AuthenticationSucceeded:
		return EventAuthenticationSucceeded, true
	case session.AuthenticationFailed:
		return EventAuthenticationFailed, true
	case session.Connected:
		return EventConnected, true
	case session.CharacterListReceived:
		return EventCharacterListReceived, true
	case session.LoginSucceeded:
		return EventLoginSucceeded, true
	case session.CharacterErrorEvent:
		return EventCharacterError, true
	case session.Disconnected:
		return EventDisconnected, true
	default:
		return 0, false
	}
}

// encodeEnvelope packs an envelope into the flat binary layout on-event
// receives: kind (u32), client_id (u16), per_client_sequence (u64),
// timestamp_unix_millis (u64), then a kind-specific payload. This mirrors
// the manual little-endian packing internal/protocol/codec.go uses rather
// than reaching for a serialization library, matching the rest of the
// module's wire-layer idiom.
func encodeEnvelope(env eventbus.Envelope, kind EventKind) []byte {
	buf := make([]byte, 0, 32)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(kind))
	buf = binary.LittleEndian.AppendUint16(buf, env.Context.ClientID)
	buf = binary.LittleEndian.AppendUint64(buf, env.Context.PerClientSequence)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(env.Timestamp.UnixMilli()))

	switch e := env.Event.(type) {
	case session.AuthenticationFailed:
		buf = appendString(buf, e.Reason)
	case session.CharacterListReceived:
		buf = appendString(buf, e.Account)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Characters)))
		for _, c := range e.Characters {
			buf = binary.LittleEndian.AppendUint32(buf, c.ID)
			buf = appendString(buf, c.Name)
		}
	case session.LoginSucceeded:
		buf = binary.LittleEndian.AppendUint32(buf, e.CharacterID)
		buf = appendString(buf, e.Name)
	case session.CharacterErrorEvent:
		buf = binary.LittleEndian.AppendUint32(buf, e.Code)
	case session.Disconnected:
		buf = appendString(buf, e.Reason)
		if e.WillReconnect {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.ReconnectAttempt))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e.DelaySeconds))
	}

	return buf
}

// encodeClientState packs the snapshot get-client-state() exposes: session
// state (u32), scene kind (u32), then scene-kind-specific fields a plugin
// would plausibly want (character id/name, account).
func encodeClientState(cs ClientState) []byte {
	buf := make([]byte, 0, 32)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cs.SessionState))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cs.Scene.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, cs.Scene.CharacterID)
	buf = appendString(buf, cs.Scene.Name)
	buf = appendString(buf, cs.Scene.Account)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// writeToGuest copies data into the plugin's own linear memory, asking the
// plugin to allocate space for it via its exported `alloc` function — the
// standard way to hand a host-produced buffer to a WASM guest without a
// shared address space. Returns the pointer and length to pass back as the
// host function's result.
func writeToGuest(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("pluginhost: module %q does not export alloc", mod.Name())
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("pluginhost: calling alloc: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("pluginhost: writing %d bytes at offset %d out of range", len(data), ptr)
	}
	return ptr, uint32(len(data)), nil
}

// readFromGuest reads a (ptr, len) region the plugin passed into a host
// function back out of its linear memory.
func readFromGuest(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}
