// Package scene implements the UI-level state machine consumers observe
//: Connecting -> CharacterSelect -> InWorld -> Error.
// Scene is derived from session events; it never drives the protocol
// itself (that's internal/session's job) — separating the two lets a
// reconnect keep the session progressing while the scene shows
// Connecting again (glossary "Scene vs Session").
package scene

import (
	"time"

	"github.com/amoeba/gromnie/internal/protocol"
)

// ConnectProgress divides Connecting into its four observable substates
//.
type ConnectProgress int

const (
	ConnectInitial ConnectProgress = iota
	ConnectLoginRequestSent
	ConnectRequestReceived
	ConnectResponseSent
)

// Percent returns the UI progress percentage for a ConnectProgress value.
func (p ConnectProgress) Percent() int {
	switch p {
	case ConnectLoginRequestSent:
		return 33
	case ConnectRequestReceived:
		return 66
	case ConnectResponseSent:
		return 100
	default:
		return 0
	}
}

// PatchProgress divides the DDD-interrogation patch phase into its five
// observable substates.
type PatchProgress int

const (
	PatchNotStarted PatchProgress = iota
	PatchWaitingForDDD
	PatchReceivedDDD
	PatchSentDDDResponse
	PatchComplete
)

// Kind distinguishes the Scene sum-type's variants.
type Kind int

const (
	KindConnecting Kind = iota
	KindCharacterSelect
	KindCharacterCreate
	KindInWorld
	KindError
)

// EnteringWorld is CharacterSelect's sub-state once a character has been
// submitted for login but InWorld hasn't been reached yet.
type EnteringWorld struct {
	CharacterID uint32
	Name        string
}

// ErrorKind enumerates why the scene entered Error: the error kinds that
// are fatal to the current attempt.
type ErrorKind int

const (
	ErrorLoginTimeout ErrorKind = iota
	ErrorPatchingTimeout
	ErrorConnectionFailed
	ErrorPatchingFailed
	ErrorCharacterError
)

// Scene is a sum type. Exactly one of the Kind-tagged fields is
// meaningful at a time; Kind says which.
type Scene struct {
	Kind Kind

	// KindConnecting
	ConnectProgress ConnectProgress
	PatchProgress   PatchProgress
	StartedAt       time.Time
	LastRetryAt     time.Time

	// KindCharacterSelect
	Account        string
	Characters     []protocol.Character
	EnteringWorld  *EnteringWorld

	// KindInWorld
	CharacterID uint32
	Name        string

	// KindError
	ErrorKindValue ErrorKind
	CanRetry       bool
}

// NewConnecting returns the initial scene a client starts in.
func NewConnecting(now time.Time) Scene {
	return Scene{
		Kind:            KindConnecting,
		ConnectProgress: ConnectInitial,
		PatchProgress:   PatchNotStarted,
		StartedAt:       now,
	}
}

// TransitionToCharacterSelect moves Connecting -> CharacterSelect once the
// character list has arrived.
func (s Scene) TransitionToCharacterSelect(account string, chars []protocol.Character) Scene {
	return Scene{Kind: KindCharacterSelect, Account: account, Characters: chars}
}

// SubmitLoginCharacter populates CharacterSelect's entering_world
// sub-state. Scene must already be CharacterSelect.
func (s Scene) SubmitLoginCharacter(id uint32, name string) Scene {
	s.EnteringWorld = &EnteringWorld{CharacterID: id, Name: name}
	return s
}

// TransitionToInWorld moves CharacterSelect -> InWorld.
func (s Scene) TransitionToInWorld(id uint32, name string) Scene {
	return Scene{Kind: KindInWorld, CharacterID: id, Name: name}
}

// TransitionToError moves any scene to Error (spec diagram, §7).
func TransitionToError(kind ErrorKind, canRetry bool) Scene {
	return Scene{Kind: KindError, ErrorKindValue: kind, CanRetry: canRetry}
}

// CanSendGameActions implements invariant I5: no game-world actions while
// Connecting.
func (s Scene) CanSendGameActions() bool {
	return s.Kind != KindConnecting
}

// CanSendHandshakePackets implements invariant I5: no handshake packets
// once InWorld.
func (s Scene) CanSendHandshakePackets() bool {
	return s.Kind != KindInWorld
}
