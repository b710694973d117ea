package handshake

import "errors"

// ErrHandshakeRejected is returned (wrapped) whenever a commitment, challenge
// or proof fails to verify. The engine transitions to StateFailed in that
// case regardless of which check failed.
var ErrHandshakeRejected = errors.New("handshake: verification failed")

// ErrWrongState is returned when a message is handled out of sequence for
// the engine's current state.
var ErrWrongState = errors.New("handshake: message received out of sequence")
