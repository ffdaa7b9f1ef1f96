package protocol

import (
	"bytes"
	"fmt"
)

// LoginRequest is the client's initial handshake message: account,
// password, client-version literal, and a best-effort Unix
// timestamp.
type LoginRequest struct {
	Account        string
	Password       string
	ClientVersion  string
	UnixTimestamp  uint32
}

// ClientVersionLiteral is the fixed client-version string the protocol
// expects.
const ClientVersionLiteral = "1802"

func (m LoginRequest) Write(buf *bytes.Buffer) {
	WriteRegularString(buf, m.Account)
	WritePackedString(buf, m.Password)
	WriteRegularString(buf, m.ClientVersion)
	var ts [4]byte
	putU32(ts[:], m.UnixTimestamp)
	buf.Write(ts[:])
}

// ConnectRequest is the server's handshake response.
type ConnectRequest struct {
	Cookie       uint64
	NetID        uint16
	OutgoingSeed uint32
	IncomingSeed uint32
	ServerTime   uint64
}

func ParseConnectRequest(payload []byte) (ConnectRequest, error) {
	if len(payload) < 8+2+4+4+8 {
		return ConnectRequest{}, ErrShortBuffer
	}
	return ConnectRequest{
		Cookie:       getU64(payload[0:8]),
		NetID:        getU16(payload[8:10]),
		OutgoingSeed: getU32(payload[10:14]),
		IncomingSeed: getU32(payload[14:18]),
		ServerTime:   getU64(payload[18:26]),
	}, nil
}

// DDDInterrogation lists the file IDs the server wants the client to
// acknowledge (the "DDD Interrogation" step).
type DDDInterrogation struct {
	FileIDs []uint32
}

func ParseDDDInterrogation(payload []byte) (DDDInterrogation, error) {
	if len(payload) < 4 {
		return DDDInterrogation{}, ErrShortBuffer
	}
	count := int(getU32(payload[0:4]))
	need := 4 + count*4
	if len(payload) < need {
		return DDDInterrogation{}, fmt.Errorf("protocol: DDDInterrogation truncated: want %d bytes, have %d", need, len(payload))
	}
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		ids[i] = getU32(payload[4+i*4 : 8+i*4])
	}
	return DDDInterrogation{FileIDs: ids}, nil
}

// DDDInterrogationResponse is the client's canned reply: language plus a
// fixed file list.
type DDDInterrogationResponse struct {
	Language uint32
	FileIDs  []uint32
}

func (m DDDInterrogationResponse) Write(buf *bytes.Buffer) {
	var lang [4]byte
	putU32(lang[:], m.Language)
	buf.Write(lang[:])
	var count [4]byte
	putU32(count[:], uint32(len(m.FileIDs)))
	buf.Write(count[:])
	for _, id := range m.FileIDs {
		var b [4]byte
		putU32(b[:], id)
		buf.Write(b[:])
	}
}

// Character is one entry in a character list.
type Character struct {
	ID   uint32
	Name string
}

// LoginCharacterSet is the account's character list.
type LoginCharacterSet struct {
	Account    string
	Characters []Character
}

func ParseLoginCharacterSet(payload []byte) (LoginCharacterSet, error) {
	account, n, err := ReadRegularString(payload, 0)
	if err != nil {
		return LoginCharacterSet{}, err
	}
	offset := n
	if offset+4 > len(payload) {
		return LoginCharacterSet{}, ErrShortBuffer
	}
	count := int(getU32(payload[offset : offset+4]))
	offset += 4

	chars := make([]Character, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(payload) {
			return LoginCharacterSet{}, ErrShortBuffer
		}
		id := getU32(payload[offset : offset+4])
		offset += 4
		name, n, err := ReadRegularString(payload, offset)
		if err != nil {
			return LoginCharacterSet{}, err
		}
		offset += n
		chars = append(chars, Character{ID: id, Name: name})
	}

	return LoginCharacterSet{Account: account, Characters: chars}, nil
}

// EnterWorldRequest is opcode 0xF7C8.
type EnterWorldRequest struct {
	CharacterID uint32
}

func (m EnterWorldRequest) Write(buf *bytes.Buffer) {
	var op [4]byte
	putU32(op[:], uint32(OpEnterWorldRequest))
	buf.Write(op[:])
	var id [4]byte
	putU32(id[:], m.CharacterID)
	buf.Write(id[:])
}

// EnterWorld is opcode 0xF657, carrying the chosen character ID.
type EnterWorld struct {
	CharacterID uint32
}

func (m EnterWorld) Write(buf *bytes.Buffer) {
	var op [4]byte
	putU32(op[:], uint32(OpEnterWorld))
	buf.Write(op[:])
	var id [4]byte
	putU32(id[:], m.CharacterID)
	buf.Write(id[:])
}

// CharacterLoginCompleteNotification is opcode 0xF656, sent as an
// OrderedGameAction.
type CharacterLoginCompleteNotification struct{}

func (m CharacterLoginCompleteNotification) Write(buf *bytes.Buffer) {
	var op [4]byte
	putU32(op[:], uint32(OpCharacterLoginComplete))
	buf.Write(op[:])
}

// ChatSay is an ordered in-world chat action.
type ChatSay struct {
	Message string
}

func (m ChatSay) Write(buf *bytes.Buffer) {
	var op [4]byte
	putU32(op[:], uint32(OpCommunicationTalk))
	buf.Write(op[:])
	WriteRegularString(buf, m.Message)
}

// ChatTell is a private-message ordered action.
type ChatTell struct {
	Target  string
	Message string
}

func (m ChatTell) Write(buf *bytes.Buffer) {
	var op [4]byte
	putU32(op[:], uint32(OpCommunicationTalk))
	buf.Write(op[:])
	WriteRegularString(buf, m.Target)
	WriteRegularString(buf, m.Message)
}

// CharacterError is sent by the server when login/char-selection fails
// irrecoverably.
type CharacterError struct {
	Code uint32
}

func ParseCharacterError(payload []byte) (CharacterError, error) {
	if len(payload) < 4 {
		return CharacterError{}, ErrShortBuffer
	}
	return CharacterError{Code: getU32(payload[0:4])}, nil
}

// OrderedGameAction wraps an outgoing gameplay message with an independent
// monotonic sequence number the server uses to order in-world effects
// (an "Ordered Game Action").
type OrderedGameAction struct {
	Sequence uint32
	Action   []byte // pre-serialized inner message
}

func (m OrderedGameAction) Write(buf *bytes.Buffer) {
	var seq [4]byte
	putU32(seq[:], m.Sequence)
	buf.Write(seq[:])
	buf.Write(m.Action)
}

// CharGenResult is the protocol-accurate character-creation payload,
// including the account string the nominal protocol spec documents.
type CharGenResult struct {
	Account string
	Name    string
	// Heritage and Gender are written as u32 to match the server's actual
	// read path, even though the nominal protocol enum defines them as u8
	//.
	Heritage uint32
	Gender   uint32
	// Skills carries raw u32 values (including "Inactive=0") because the
	// protocol enum doesn't cover every value the wire actually uses.
	Skills []uint32
}

// Write serializes CharGenResult with the inner account string the
// nominal protocol spec documents.
func (m CharGenResult) Write(buf *bytes.Buffer) {
	WriteRegularString(buf, m.Account)
	m.writeBody(buf)
}

// WriteACE serializes CharGenResult the way the legacy server's ACE
// client build actually expects: without the inner account string (spec
// §9 "Legacy-compatibility hazards").
func (m CharGenResult) WriteACE(buf *bytes.Buffer) {
	m.writeBody(buf)
}

func (m CharGenResult) writeBody(buf *bytes.Buffer) {
	WriteRegularString(buf, m.Name)
	var heritage, gender [4]byte
	putU32(heritage[:], m.Heritage)
	putU32(gender[:], m.Gender)
	buf.Write(heritage[:])
	buf.Write(gender[:])

	var count [4]byte
	putU32(count[:], uint32(len(m.Skills)))
	buf.Write(count[:])
	for _, s := range m.Skills {
		var b [4]byte
		putU32(b[:], s)
		buf.Write(b[:])
	}
}
