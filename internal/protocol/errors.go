package protocol

import "errors"

var (
	// ErrShortBuffer is returned when a buffer is too small to hold the
	// structure being parsed.
	ErrShortBuffer = errors.New("protocol: buffer too short")
	// ErrFlagFieldMismatch signals a caller violated invariant I1 (a flag
	// set without its paired optional field, or vice-versa). This is a
	// programmer error in this codebase, not a wire-level protocol error.
	ErrFlagFieldMismatch = errors.New("protocol: flag/field pairing violated")
)
