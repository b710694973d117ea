package frame

import "errors"

// Errors returned by Encode/Decode. Callers should use errors.Is.
var (
	ErrInvalidMagic = errors.New("frame: invalid magic prefix")
	ErrShortBuffer  = errors.New("frame: buffer shorter than declared length")
	ErrBadLength    = errors.New("frame: length field malformed")
	ErrHeaderParse  = errors.New("frame: header fields could not be parsed")
	ErrFrameTooLarge = errors.New("frame: encoded size exceeds configured maximum")
)

// IsMalformed reports whether err is one of the frame-decode malformed-input
// kinds (bad magic, bad length, short buffer, header parse), as opposed to
// ErrFrameTooLarge which only arises from Encode.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrShortBuffer) ||
		errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrHeaderParse)
}
