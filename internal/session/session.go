// Package session implements the protocol-level session state machine
//: handshake progression, sequence/ACK tracking,
// keep-alive, retry/reconnect, and the ordered-game-action queue. It owns
// the scene (C4) and drives its transitions as a side effect of protocol
// events.
package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/amoeba/gromnie/internal/crypto"
	"github.com/amoeba/gromnie/internal/eventbus"
	"github.com/amoeba/gromnie/internal/protocol"
	"github.com/amoeba/gromnie/internal/reassembly"
	"github.com/amoeba/gromnie/internal/scene"
)

// State is the protocol-level session state.
type State int

const (
	StateAuthLoginRequest State = iota
	StateAuthConnectResponse
	StateAuthConnected
	StateWorldConnected
	StateTerminationStarted
)

// Sender abstracts the UDP socket so the state machine can be driven in
// tests without a real network. The client loop owns the actual
// *net.UDPConn and the two well-known addresses (login 9000, world 9001).
type Sender interface {
	SendTo(b []byte, toWorld bool) error
}

// ReconnectPolicy configures retry/reconnect backoff.
type ReconnectPolicy struct {
	Enabled     bool
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy is base=1s, max=30s, max_attempts=5.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

const (
	phaseTimeout       = 20 * time.Second
	phaseRetryInterval = 2 * time.Second
	keepAliveInterval  = 5 * time.Second
	unackedThreshold   = 20
)

type pendingOutbound struct {
	data      []byte
	releaseAt time.Time
	toWorld   bool
}

// Session is one client's protocol-level connection state. The client
// loop is its sole caller and needs no lock around it.
type Session struct {
	log    *slog.Logger
	sender Sender

	state State
	Scene scene.Scene

	sendCount   uint32
	recvCount   uint32
	lastAckSent uint32
	unackedSends int

	cookie   uint64
	clientID uint16
	table    uint16
	keygen   *crypto.SendKeyGenerator

	nextGameActionSeq uint32

	reassembler *reassembly.Reassembler
	events      chan eventbus.RawEvent

	account  string
	password string

	connectingEnteredAt time.Time
	patchEnteredAt      time.Time
	lastRetryAt         time.Time

	cachedDDDResponse []byte
	pendingOutbound   []pendingOutbound

	lastKeepaliveAt   time.Time
	reconnectDeadline time.Time

	reconnect        ReconnectPolicy
	reconnectAttempt int
	everConnected    bool
}

// New creates a Session in StateAuthLoginRequest / Scene Connecting.
func New(log *slog.Logger, sender Sender, account, password string, reconnect ReconnectPolicy) *Session {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Session{
		log:                 log,
		sender:              sender,
		state:               StateAuthLoginRequest,
		Scene:               scene.NewConnecting(now),
		reassembler:         reassembly.New(log),
		events:              make(chan eventbus.RawEvent, 256),
		account:             account,
		password:            password,
		connectingEnteredAt: now,
		reconnect:           reconnect,
	}
}

// Events exposes the raw per-client event channel the enrichment task
// reads from.
func (s *Session) Events() <-chan eventbus.RawEvent { return s.events }

func (s *Session) emit(ev any, src eventbus.Source) {
	select {
	case s.events <- eventbus.RawEvent{Event: ev, Source: src}:
	default:
		s.log.Warn("event channel full, dropping event")
	}
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// sendPacket centralizes the session's send discipline.
func (s *Session) sendPacket(flags protocol.Flags, opts protocol.OptionalFields, payload []byte, includeSequence, incrementSequence, toWorld bool) error {
	if incrementSequence {
		s.sendCount++
	}
	seq := uint32(0)
	if includeSequence {
		seq = s.sendCount
	}

	if s.recvCount > s.lastAckSent {
		ack := s.recvCount
		opts.AckSequence = &ack
		flags |= protocol.FlagAckSequence
		s.lastAckSent = s.recvCount
	}

	out, err := protocol.Encode(protocol.OutgoingPacket{
		Sequence:    seq,
		Flags:       flags,
		RecipientID: s.clientID,
		Iteration:   s.table,
		Options:     opts,
		Payload:     payload,
	}, s.keygen)
	if err != nil {
		return fmt.Errorf("session: encoding packet: %w", err)
	}

	if err := s.sender.SendTo(out, toWorld); err != nil {
		return fmt.Errorf("session: sending packet: %w", err)
	}

	s.unackedSends++
	return nil
}

// sendFragmented wraps payload into one or more fragmented packets and
// sends each.
func (s *Session) sendFragmented(payload []byte, group protocol.FragmentGroup) error {
	chunks := protocol.SplitIntoFragments(s.sendCount+1, 0, group, payload, 1024)
	for _, c := range chunks {
		buf := protocol.BuildFragmentPayload(c.Header, c.Data)
		if err := s.sendPacket(protocol.FlagBlobFragments, protocol.OptionalFields{}, buf, true, true, false); err != nil {
			return err
		}
	}
	return nil
}

// DoLogin builds and sends the initial LOGIN_REQUEST packet. It is the
// only unsequenced-but-incrementing-send packet: the
// server treats the packet's own sequence field as 0, but the client still
// advances its send counter.
func (s *Session) DoLogin(now time.Time) error {
	var buf bytes.Buffer
	protocol.LoginRequest{
		Account:       s.account,
		Password:      s.password,
		ClientVersion: protocol.ClientVersionLiteral,
		UnixTimestamp: uint32(now.Unix()),
	}.Write(&buf)

	if err := s.sendPacket(protocol.FlagLoginRequest, protocol.OptionalFields{}, buf.Bytes(), false, true, false); err != nil {
		return err
	}

	s.Scene.ConnectProgress = scene.ConnectLoginRequestSent
	s.lastRetryAt = now
	return nil
}

// SendKeepalive sends a TIME_SYNC packet: unsequenced, does not increment
// the send counter.
func (s *Session) SendKeepalive(now time.Time) error {
	ts := uint64(now.Unix())
	return s.sendPacket(protocol.FlagTimeSync, protocol.OptionalFields{TimeSync: &ts}, nil, false, false, false)
}

// ProcessDatagram parses a received datagram and applies all resulting
// state changes.
func (s *Session) ProcessDatagram(buf []byte, now time.Time) {
	in, err := protocol.Decode(buf)
	if err != nil {
		s.log.Debug("dropping malformed datagram", "err", err)
		return
	}

	if in.Header.Sequence > 0 {
		if in.Header.Sequence > s.recvCount {
			s.recvCount = in.Header.Sequence
		}
		s.unackedSends = 0
	}

	switch {
	case in.Header.Flags.Has(protocol.FlagConnectRequest):
		s.handleConnectRequest(in, now)
	case in.Header.Flags.Has(protocol.FlagBlobFragments):
		s.handleFragment(in, now)
	case in.Header.Flags.Has(protocol.FlagDisconnect):
		s.enterDisconnected("server requested disconnect", now)
	case in.Header.Flags.Has(protocol.FlagRequestRetransmit):
		// TODO: no retransmit queue exists yet, so a server-side request for
		// a dropped packet can't be honored; the server falls back to its
		// own timeout/resend behavior instead.
	}
}

func (s *Session) handleConnectRequest(in protocol.IncomingPacket, now time.Time) {
	req, err := protocol.ParseConnectRequest(in.Payload)
	if err != nil {
		s.log.Debug("dropping malformed CONNECT_REQUEST", "err", err)
		return
	}

	s.cookie = req.Cookie
	s.clientID = req.NetID
	s.table = in.Header.Iteration
	s.keygen = crypto.NewSendKeyGenerator(req.IncomingSeed)

	s.state = StateAuthConnectResponse
	s.Scene.ConnectProgress = scene.ConnectRequestReceived
	s.MarkConnected()
	s.emit(AuthenticationSucceeded{}, eventbus.SourceNetwork)

	// A short UI delay precedes CONNECT_RESPONSE so a watching consumer's
	// progress bar animates; queue it rather than
	// sending inline. CONNECT_RESPONSE is the one packet that targets the
	// world port rather than the login port.
	s.queueUIDelayedTo(s.buildConnectResponse(), 100*time.Millisecond, now, true)
}

func (s *Session) buildConnectResponse() []byte {
	cookie := s.cookie
	out, _ := protocol.Encode(protocol.OutgoingPacket{
		Sequence:    0,
		Flags:       protocol.FlagConnectResponse,
		RecipientID: s.clientID,
		Iteration:   s.table,
		Options:     protocol.OptionalFields{ConnectResponseCookie: &cookie},
	}, nil)
	return out
}

// buildFragmentEncoded wraps a single small message in one BLOB_FRAGMENTS
// packet and encodes it, without sending. It exists for handshake replies
// that must be queued with a UI delay (spec glossary "UI delay") rather
// than sent inline, and assumes the payload fits in one fragment, true for
// every message this package queues this way.
func (s *Session) buildFragmentEncoded(payload []byte, group protocol.FragmentGroup) ([]byte, error) {
	chunks := protocol.SplitIntoFragments(s.sendCount+1, 0, group, payload, 1024)
	buf := protocol.BuildFragmentPayload(chunks[0].Header, chunks[0].Data)
	s.sendCount++
	return protocol.Encode(protocol.OutgoingPacket{
		Sequence:    s.sendCount,
		Flags:       protocol.FlagBlobFragments,
		RecipientID: s.clientID,
		Iteration:   s.table,
		Payload:     buf,
	}, s.keygen)
}

func (s *Session) handleFragment(in protocol.IncomingPacket, now time.Time) {
	fh, err := protocol.ParseFragmentHeader(in.Payload)
	if err != nil {
		s.log.Debug("dropping malformed fragment header", "err", err)
		return
	}
	data := in.Payload[protocol.FragmentHeaderSize:]
	msg := s.reassembler.Insert(fh, data)
	if msg == nil {
		return
	}
	s.dispatchMessage(msg.Data, now)
}

// dispatchMessage routes a reassembled raw message by opcode. Only the
// handshake/in-world opcodes this client needs
// are handled; anything else is logged at debug and skipped.
func (s *Session) dispatchMessage(data []byte, now time.Time) {
	if len(data) < 4 {
		s.log.Debug("message too short for opcode", "len", len(data))
		return
	}
	op := protocol.Opcode(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	payload := data[4:]

	switch op {
	case protocol.OpDDDInterrogation:
		s.handleDDDInterrogation(payload, now)
	case protocol.OpLoginCharacterSet:
		s.handleCharacterSet(payload, now)
	case protocol.OpEnterGameServerReady:
		s.handleEnterGameServerReady(now)
	case protocol.OpCreatePlayer, protocol.OpCreateObject:
		s.handleCreateObject(now)
	case protocol.OpCharacterError:
		s.handleCharacterError(payload)
	default:
		if _, ok := protocol.Lookup(op); !ok {
			s.log.Debug("unknown opcode", "opcode", op)
		}
	}
}

func (s *Session) handleDDDInterrogation(payload []byte, now time.Time) {
	if _, err := protocol.ParseDDDInterrogation(payload); err != nil {
		s.log.Debug("dropping malformed DDDInterrogation", "err", err)
		return
	}
	s.Scene.PatchProgress = scene.PatchReceivedDDD

	var buf bytes.Buffer
	resp := protocol.DDDInterrogationResponse{Language: 1, FileIDs: []uint32{1, 2, 3, 4}}
	resp.Write(&buf)
	msg := append([]byte{
		byte(protocol.OpDDDInterrogationResponse & 0xFF), byte(protocol.OpDDDInterrogationResponse >> 8),
		byte(protocol.OpDDDInterrogationResponse >> 16), byte(protocol.OpDDDInterrogationResponse >> 24),
	}, buf.Bytes()...)

	encoded, err := s.buildFragmentEncoded(msg, protocol.FragmentGroupObject)
	if err != nil {
		s.log.Error("encoding DDD interrogation response", "err", err)
		return
	}
	s.cachedDDDResponse = encoded
	s.queueUIDelayed(encoded, 100*time.Millisecond, now)
}

func (s *Session) handleCharacterSet(payload []byte, now time.Time) {
	set, err := protocol.ParseLoginCharacterSet(payload)
	if err != nil {
		s.log.Debug("dropping malformed LoginCharacterSet", "err", err)
		return
	}
	s.state = StateAuthConnected
	s.Scene.PatchProgress = scene.PatchComplete
	s.Scene = s.Scene.TransitionToCharacterSelect(set.Account, set.Characters)
	s.emit(CharacterListReceived{Account: set.Account, Characters: set.Characters}, eventbus.SourceNetwork)
}

func (s *Session) handleEnterGameServerReady(now time.Time) {
	if s.Scene.EnteringWorld == nil {
		return
	}
	var buf bytes.Buffer
	protocol.EnterWorld{CharacterID: s.Scene.EnteringWorld.CharacterID}.Write(&buf)
	_ = s.sendFragmented(buf.Bytes(), protocol.FragmentGroupObject)
	s.state = StateWorldConnected
}

func (s *Session) handleCreateObject(now time.Time) {
	// The caller (plugin/consumer layer) decides when to submit
	// SendLoginComplete; the session just notes the transition is now
	// possible. Nothing to do here beyond being reachable in dispatch.
}

func (s *Session) handleCharacterError(payload []byte) {
	ce, err := protocol.ParseCharacterError(payload)
	if err != nil {
		s.log.Debug("dropping malformed CharacterError", "err", err)
		return
	}
	s.emit(CharacterErrorEvent{Code: ce.Code}, eventbus.SourceNetwork)
	s.Scene = scene.TransitionToError(scene.ErrorCharacterError, false)
}

// queueUIDelayed schedules pre-built bytes for release after delay (spec
// glossary "UI delay"): not load-bearing for correctness, purely cosmetic
// pacing so a consumer's progress bar animates.
func (s *Session) queueUIDelayed(data []byte, delay time.Duration, now time.Time) {
	s.queueUIDelayedTo(data, delay, now, false)
}

// queueUIDelayedTo is queueUIDelayed with an explicit destination: every
// message routes to the login port except CONNECT_RESPONSE, which
// must go to the world port.
func (s *Session) queueUIDelayedTo(data []byte, delay time.Duration, now time.Time, toWorld bool) {
	s.pendingOutbound = append(s.pendingOutbound, pendingOutbound{data: data, releaseAt: now.Add(delay), toWorld: toWorld})
}

// SendPending dequeues any outbound messages whose release time has
// arrived and transmits them.
func (s *Session) SendPending(now time.Time) {
	remaining := s.pendingOutbound[:0]
	for _, p := range s.pendingOutbound {
		if now.Before(p.releaseAt) {
			remaining = append(remaining, p)
			continue
		}
		if err := s.sender.SendTo(p.data, p.toWorld); err != nil {
			s.log.Error("sending pending message", "err", err)
			continue
		}
		s.advanceSceneAfterSend(p.data, now)
	}
	s.pendingOutbound = remaining
}

// advanceSceneAfterSend progresses scene substates once a UI-delayed
// packet actually goes out.
func (s *Session) advanceSceneAfterSend(data []byte, now time.Time) {
	hdr, err := protocol.ParseHeader(data)
	if err != nil {
		return
	}
	switch {
	case hdr.Flags.Has(protocol.FlagConnectResponse):
		s.Scene.ConnectProgress = scene.ConnectResponseSent
		s.Scene.PatchProgress = scene.PatchWaitingForDDD
		s.patchEnteredAt = now
		s.emit(Connected{}, eventbus.SourceNetwork)
	case hdr.Flags.Has(protocol.FlagBlobFragments):
		if s.Scene.PatchProgress == scene.PatchReceivedDDD {
			s.Scene.PatchProgress = scene.PatchSentDDDResponse
		}
	}
}

// SubmitAction enqueues a plugin/consumer-originated action for subsequent
// transmission.
func (s *Session) SubmitAction(a Action, now time.Time) error {
	switch a.Kind {
	case ActionLoginCharacter:
		s.Scene = s.Scene.SubmitLoginCharacter(a.LoginCharacter.CharacterID, a.LoginCharacter.Name)
		var buf bytes.Buffer
		protocol.EnterWorldRequest{CharacterID: a.LoginCharacter.CharacterID}.Write(&buf)
		return s.sendFragmented(buf.Bytes(), protocol.FragmentGroupObject)

	case ActionSendLoginComplete:
		var inner bytes.Buffer
		protocol.CharacterLoginCompleteNotification{}.Write(&inner)
		s.nextGameActionSeq++
		var buf bytes.Buffer
		protocol.OrderedGameAction{Sequence: s.nextGameActionSeq, Action: inner.Bytes()}.Write(&buf)
		if err := s.sendFragmented(buf.Bytes(), protocol.FragmentGroupEvent); err != nil {
			return err
		}
		s.Scene = s.Scene.TransitionToInWorld(a.LoginCharacter.CharacterID, a.LoginCharacter.Name)
		s.emit(LoginSucceeded{CharacterID: a.LoginCharacter.CharacterID, Name: a.LoginCharacter.Name}, eventbus.SourceInternal)
		return nil

	case ActionChatSay:
		var inner bytes.Buffer
		protocol.ChatSay{Message: a.ChatSay.Message}.Write(&inner)
		s.nextGameActionSeq++
		var buf bytes.Buffer
		protocol.OrderedGameAction{Sequence: s.nextGameActionSeq, Action: inner.Bytes()}.Write(&buf)
		return s.sendFragmented(buf.Bytes(), protocol.FragmentGroupEvent)

	case ActionChatTell:
		var inner bytes.Buffer
		protocol.ChatTell{Target: a.ChatTell.Target, Message: a.ChatTell.Message}.Write(&inner)
		s.nextGameActionSeq++
		var buf bytes.Buffer
		protocol.OrderedGameAction{Sequence: s.nextGameActionSeq, Action: inner.Bytes()}.Write(&buf)
		return s.sendFragmented(buf.Bytes(), protocol.FragmentGroupEvent)

	case ActionDisconnect:
		s.enterDisconnected("client requested disconnect", now)
		return nil
	}
	return nil
}

// Tick must be called at ~60 Hz: timeout checks, retry
// scheduling, keep-alive emission, and reconnect backoff evaluation.
func (s *Session) Tick(now time.Time) {
	if s.state == StateTerminationStarted {
		s.evaluateReconnect(now)
		return
	}

	s.SendPending(now)

	if s.unackedSends >= unackedThreshold {
		s.enterDisconnected("unacked send threshold reached", now)
		return
	}

	if s.Scene.Kind == scene.KindConnecting {
		s.tickConnecting(now)
	}

	s.maybeKeepalive(now)
}

func (s *Session) maybeKeepalive(now time.Time) {
	if s.lastKeepaliveAt.IsZero() || now.Sub(s.lastKeepaliveAt) >= keepAliveInterval {
		if err := s.SendKeepalive(now); err != nil {
			s.log.Error("sending keepalive", "err", err)
			return
		}
		s.lastKeepaliveAt = now
	}
}

func (s *Session) tickConnecting(now time.Time) {
	switch s.Scene.PatchProgress {
	case scene.PatchNotStarted:
		if now.Sub(s.connectingEnteredAt) > phaseTimeout {
			s.fail(ErrLoginTimeout, "no CONNECT_REQUEST within timeout", now)
			return
		}
		if s.Scene.ConnectProgress == scene.ConnectLoginRequestSent && now.Sub(s.lastRetryAt) > phaseRetryInterval {
			if err := s.DoLogin(now); err != nil {
				s.log.Error("resending LOGIN_REQUEST", "err", err)
			}
		}
	default:
		if !s.patchEnteredAt.IsZero() && now.Sub(s.patchEnteredAt) > phaseTimeout && s.Scene.PatchProgress != scene.PatchComplete {
			s.fail(ErrPatchingTimeout, "no character list within timeout", now)
			return
		}
		if s.Scene.PatchProgress == scene.PatchSentDDDResponse && s.cachedDDDResponse != nil && now.Sub(s.lastRetryAt) > phaseRetryInterval {
			s.queueUIDelayed(s.cachedDDDResponse, 0, now)
			s.lastRetryAt = now
		}
	}
}

func (s *Session) fail(kind ErrorKind, reason string, now time.Time) {
	s.log.Warn("session error", "kind", kind, "reason", reason)
	canRetry := s.reconnect.Enabled && s.everConnected
	s.Scene = scene.TransitionToError(sceneErrorKind(kind), canRetry)
	s.enterDisconnected(reason, now)
}

func sceneErrorKind(k ErrorKind) scene.ErrorKind {
	switch k {
	case ErrLoginTimeout:
		return scene.ErrorLoginTimeout
	case ErrPatchingTimeout:
		return scene.ErrorPatchingTimeout
	case ErrPatchingFailed:
		return scene.ErrorPatchingFailed
	default:
		return scene.ErrorConnectionFailed
	}
}

// enterDisconnected tears the session down and, if reconnection is
// enabled, schedules a backoff-governed retry.
// Initial connection failures (attempt 0) fail permanently regardless of
// the reconnect flag, for fast feedback when the server is simply down.
func (s *Session) enterDisconnected(reason string, now time.Time) {
	s.state = StateTerminationStarted

	if !s.reconnect.Enabled || !s.everConnected {
		s.emit(Disconnected{Reason: reason, WillReconnect: false}, eventbus.SourceSystem)
		return
	}

	s.reconnectAttempt++
	if s.reconnectAttempt > s.reconnect.MaxAttempts {
		s.emit(Disconnected{Reason: fmt.Sprintf("Max reconnection attempts (%d) reached", s.reconnect.MaxAttempts), WillReconnect: false}, eventbus.SourceSystem)
		return
	}

	delay := s.reconnect.Base * time.Duration(1<<uint(s.reconnectAttempt-1))
	if delay > s.reconnect.Max {
		delay = s.reconnect.Max
	}

	s.emit(Disconnected{
		Reason:           reason,
		WillReconnect:    true,
		ReconnectAttempt: s.reconnectAttempt,
		DelaySeconds:     delay.Seconds(),
	}, eventbus.SourceSystem)

	s.reconnectDeadline = now.Add(delay)
}

func (s *Session) evaluateReconnect(now time.Time) {
	if s.reconnectDeadline.IsZero() || now.Before(s.reconnectDeadline) {
		return
	}
	s.resetForReconnect(now)
}

// resetForReconnect clears the session and fragment table and resets all
// counters, re-entering Connecting.
func (s *Session) resetForReconnect(now time.Time) {
	s.reassembler.Reset()
	s.sendCount = 0
	s.recvCount = 0
	s.lastAckSent = 0
	s.unackedSends = 0
	s.nextGameActionSeq = 0
	s.cookie = 0
	s.clientID = 0
	s.table = 0
	s.keygen = nil
	s.cachedDDDResponse = nil
	s.pendingOutbound = nil
	s.reconnectDeadline = time.Time{}

	s.state = StateAuthLoginRequest
	s.Scene = scene.NewConnecting(now)
	s.connectingEnteredAt = now
	s.patchEnteredAt = time.Time{}

	if err := s.DoLogin(now); err != nil {
		s.log.Error("resending LOGIN_REQUEST after reconnect", "err", err)
	}
}

// MarkConnected records that the handshake succeeded at least once, which
// gates whether future failures are eligible for reconnect.
func (s *Session) MarkConnected() { s.everConnected = true }

