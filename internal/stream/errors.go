package stream

import "errors"

// Errors surfaced by stream encode/decode and the Stream API (spec §7).
var (
	ErrInvalidSegment = errors.New("stream: malformed encoded segment")
	ErrDecryptFailure  = errors.New("stream: chunk decryption failed")
	ErrFlowControl     = errors.New("stream: insufficient flow-control credit")
	ErrTimeout         = errors.New("stream: receive timed out")
	ErrClosed          = errors.New("stream: stream is closed")
)
