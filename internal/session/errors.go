package session

import "errors"

var (
	// ErrClosed is returned by operations attempted on a closed session.
	ErrClosed = errors.New("session: session is closed")
	// ErrStreamNotFound is returned by GetStream/CloseStream for an unknown id.
	ErrStreamNotFound = errors.New("session: stream not found")
	// ErrDecryptOutsideGrace is returned when a decrypt with the current key
	// fails and there is no previous key to fall back to: no rotation has
	// happened yet, or the rotation grace window has elapsed.
	ErrDecryptOutsideGrace = errors.New("session: decrypt failed outside rotation grace window")
)
