package crypto

import "errors"

// ErrDecryptFailure is returned (wrapped) when an AEAD open fails, whether
// from tampering, a wrong key, or mismatched associated data.
var ErrDecryptFailure = errors.New("crypto: decrypt failure")
