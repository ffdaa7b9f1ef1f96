package session

import "fmt"

// ErrorKind enumerates the kinds of error a session can surface.
type ErrorKind int

const (
	ErrParse ErrorKind = iota
	ErrWrite
	ErrLoginTimeout
	ErrPatchingTimeout
	ErrConnectionFailed
	ErrPatchingFailed
	ErrCharacter
)

// Error is a typed session error carrying an ErrorKind. The session's own
// failure path surfaces failures as a scene Error and a Disconnected event
// and does not construct an Error. Locally-recoverable conditions (a
// dropped packet, a skipped
// message) are logged at debug and never become an Error.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %s", e.kindName(), e.Reason)
}

func (e *Error) kindName() string {
	switch e.Kind {
	case ErrParse:
		return "parse error"
	case ErrWrite:
		return "write error"
	case ErrLoginTimeout:
		return "login timeout"
	case ErrPatchingTimeout:
		return "patching timeout"
	case ErrConnectionFailed:
		return "connection failed"
	case ErrPatchingFailed:
		return "patching failed"
	case ErrCharacter:
		return "character error"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a retry should be attempted given
// reconnection is enabled and a prior successful connection exists (spec
// §7's recovery column).
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case ErrLoginTimeout, ErrPatchingTimeout, ErrConnectionFailed, ErrPatchingFailed:
		return true
	default:
		return false
	}
}
