package session

import "github.com/amoeba/gromnie/internal/protocol"

// The event types published onto the bus by the session state machine.
// Every bus event is one of Game, ClientState, System, or Protocol; this
// package produces the System/Game/Protocol members.

// AuthenticationSucceeded is published after CONNECT_REQUEST is parsed.
type AuthenticationSucceeded struct{}

// AuthenticationFailed describes a server rejection of login. The session
// has no handler for a login rejection and never publishes it.
type AuthenticationFailed struct {
	Reason string
}

// Connected is published once CONNECT_RESPONSE has been sent.
type Connected struct{}

// CharacterListReceived is published after LOGIN_LOGIN_CHARACTER_SET
// arrives.
type CharacterListReceived struct {
	Account    string
	Characters []protocol.Character
}

// LoginSucceeded is published once the client has fully entered the world.
type LoginSucceeded struct {
	CharacterID uint32
	Name        string
}

// CharacterErrorEvent mirrors the session's CharacterError kind.
type CharacterErrorEvent struct {
	Code uint32
}

// Disconnected is published when the session tears down, with enough
// information for a consumer to show reconnect status.
type Disconnected struct {
	Reason          string
	WillReconnect   bool
	ReconnectAttempt int
	DelaySeconds    float64
}
