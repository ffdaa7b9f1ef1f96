package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/amoeba/gromnie/internal/protocol"
	"github.com/amoeba/gromnie/internal/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every packet handed to it; tests assert on its
// contents instead of a real socket.
type fakeSender struct {
	mu      sync.Mutex
	packets [][]byte
}

func (f *fakeSender) SendTo(b []byte, toWorld bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.packets = append(f.packets, cp)
	return nil
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets[len(f.packets)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func buildConnectRequestDatagram(t *testing.T, cookie uint64, netID uint16, incomingSeed uint32) []byte {
	t.Helper()
	var payload bytes.Buffer
	writeU64 := func(v uint64) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		payload.Write(b[:])
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		for i := 0; i < 4; i++ {
			b[i] = byte(v >> (8 * i))
		}
		payload.Write(b[:])
	}
	writeU16 := func(v uint16) {
		var b [2]byte
		b[0], b[1] = byte(v), byte(v>>8)
		payload.Write(b[:])
	}

	writeU64(cookie)
	writeU16(netID)
	writeU32(0) // outgoing seed, unused by the client
	writeU32(incomingSeed)
	writeU64(0) // server time, unused by the client

	out, err := protocol.Encode(protocol.OutgoingPacket{
		Flags:   protocol.FlagConnectRequest,
		Payload: payload.Bytes(),
	}, nil)
	require.NoError(t, err)
	return out
}

func buildFragmentedDatagram(t *testing.T, sequence uint32, group protocol.FragmentGroup, recipientID, table uint16, msg []byte) []byte {
	t.Helper()
	chunks := protocol.SplitIntoFragments(sequence, 0, group, msg, 1024)
	require.Len(t, chunks, 1)
	payload := protocol.BuildFragmentPayload(chunks[0].Header, chunks[0].Data)
	out, err := protocol.Encode(protocol.OutgoingPacket{
		Sequence:    sequence,
		Flags:       protocol.FlagBlobFragments,
		RecipientID: recipientID,
		Iteration:   table,
		Payload:     payload,
	}, nil)
	require.NoError(t, err)
	return out
}

func opcodeBytes(op protocol.Opcode) []byte {
	return []byte{byte(op), byte(op >> 8), byte(op >> 16), byte(op >> 24)}
}

func buildDDDInterrogationMessage() []byte {
	var buf bytes.Buffer
	buf.Write(opcodeBytes(protocol.OpDDDInterrogation))
	var count [4]byte
	count[0] = 1
	buf.Write(count[:])
	buf.Write([]byte{1, 0, 0, 0})
	return buf.Bytes()
}

func buildLoginCharacterSetMessage(t *testing.T, account string, chars []protocol.Character) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(opcodeBytes(protocol.OpLoginCharacterSet))
	protocol.WriteRegularString(&buf, account)
	var count [4]byte
	count[0] = byte(len(chars))
	buf.Write(count[:])
	for _, c := range chars {
		var id [4]byte
		id[0] = byte(c.ID)
		buf.Write(id[:])
		protocol.WriteRegularString(&buf, c.Name)
	}
	return buf.Bytes()
}

func newTestSession(sender *fakeSender) *Session {
	return New(nil, sender, "alice", "hunter2", DefaultReconnectPolicy())
}

func TestDoLogin_SendsLoginRequestAndAdvancesScene(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	now := time.Unix(1000, 0)

	require.NoError(t, s.DoLogin(now))

	require.Equal(t, 1, sender.count())
	hdr, err := protocol.ParseHeader(sender.last())
	require.NoError(t, err)
	assert.True(t, hdr.Flags.Has(protocol.FlagLoginRequest))
	assert.Equal(t, scene.ConnectLoginRequestSent, s.Scene.ConnectProgress)
}

func TestHandshake_ProgressesToCharacterSelect(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	now := time.Unix(1000, 0)

	require.NoError(t, s.DoLogin(now))

	cr := buildConnectRequestDatagram(t, 0xCAFEBABE, 42, 0x12345)
	s.ProcessDatagram(cr, now)
	assert.Equal(t, scene.ConnectRequestReceived, s.Scene.ConnectProgress)
	assert.Equal(t, StateAuthConnectResponse, s.State())

	// The CONNECT_RESPONSE is UI-delayed; it isn't on the wire until Tick
	// releases it.
	s.Tick(now)
	s.Tick(now.Add(200 * time.Millisecond))
	require.GreaterOrEqual(t, sender.count(), 2)
	assert.Equal(t, scene.ConnectResponseSent, s.Scene.ConnectProgress)
	assert.Equal(t, scene.PatchWaitingForDDD, s.Scene.PatchProgress)

	ddd := buildFragmentedDatagram(t, 1, protocol.FragmentGroupObject, s.clientID, s.table, buildDDDInterrogationMessage())
	s.ProcessDatagram(ddd, now.Add(300*time.Millisecond))
	assert.Equal(t, scene.PatchReceivedDDD, s.Scene.PatchProgress)

	s.Tick(now.Add(500 * time.Millisecond))
	assert.Equal(t, scene.PatchSentDDDResponse, s.Scene.PatchProgress)

	chars := []protocol.Character{{ID: 1, Name: "Hero"}}
	lcs := buildFragmentedDatagram(t, 2, protocol.FragmentGroupObject, s.clientID, s.table, buildLoginCharacterSetMessage(t, "alice", chars))
	s.ProcessDatagram(lcs, now.Add(600*time.Millisecond))

	assert.Equal(t, scene.KindCharacterSelect, s.Scene.Kind)
	assert.Equal(t, "alice", s.Scene.Account)
	require.Len(t, s.Scene.Characters, 1)
	assert.Equal(t, "Hero", s.Scene.Characters[0].Name)
	assert.Equal(t, StateAuthConnected, s.State())
}

func TestSubmitAction_LoginCharacterThenLoginComplete(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	now := time.Unix(1000, 0)
	s.Scene = scene.Scene{Kind: scene.KindCharacterSelect, Account: "alice"}

	require.NoError(t, s.SubmitAction(Action{
		Kind:           ActionLoginCharacter,
		LoginCharacter: LoginCharacterAction{CharacterID: 7, Name: "Hero"},
	}, now))
	require.NotNil(t, s.Scene.EnteringWorld)
	assert.Equal(t, uint32(7), s.Scene.EnteringWorld.CharacterID)

	require.NoError(t, s.SubmitAction(Action{
		Kind:           ActionSendLoginComplete,
		LoginCharacter: LoginCharacterAction{CharacterID: 7, Name: "Hero"},
	}, now))
	assert.Equal(t, scene.KindInWorld, s.Scene.Kind)
	assert.Equal(t, "Hero", s.Scene.Name)
}

func TestEnterDisconnected_InitialFailureNeverReconnects(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	now := time.Unix(1000, 0)

	s.enterDisconnected("timed out", now)

	assert.True(t, s.reconnectDeadline.IsZero())
	assert.Equal(t, StateTerminationStarted, s.State())
}

func TestEnterDisconnected_ReconnectBackoffSequence(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	s.MarkConnected()
	now := time.Unix(1000, 0)

	wantDelays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	for _, want := range wantDelays {
		s.enterDisconnected("connection dropped", now)
		got := s.reconnectDeadline.Sub(now)
		assert.Equal(t, want, got)
		// reconnectAttempt carries over between failures (resetForReconnect
		// does not clear it), so each call advances the backoff; the session
		// stays in TerminationStarted between calls.
		s.state = StateTerminationStarted
	}

	// A 6th failure exceeds max_attempts=5 and gives up for good.
	s.enterDisconnected("connection dropped again", now)
	assert.True(t, s.reconnectDeadline.IsZero() || s.reconnectAttempt > s.reconnect.MaxAttempts)
}

func TestResetForReconnect_ClearsCountersAndResendsLogin(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(sender)
	now := time.Unix(1000, 0)

	require.NoError(t, s.DoLogin(now))
	cr := buildConnectRequestDatagram(t, 1, 1, 1)
	s.ProcessDatagram(cr, now)
	require.NotZero(t, s.sendCount)

	s.resetForReconnect(now.Add(time.Second))

	assert.Equal(t, uint32(0), s.recvCount)
	assert.Equal(t, scene.KindConnecting, s.Scene.Kind)
	assert.Equal(t, StateAuthLoginRequest, s.State())
	assert.Nil(t, s.keygen)
	hdr, err := protocol.ParseHeader(sender.last())
	require.NoError(t, err)
	assert.True(t, hdr.Flags.Has(protocol.FlagLoginRequest))
}
