package handshake

// Hello is the initiator's opening message: proof of knowledge of the
// shared seed bound to a fresh nonce and timestamp, never the seed itself.
type Hello struct {
	InitiatorID    [32]byte
	InitiatorNonce [32]byte
	Timestamp      int64
	Commitment     []byte
}

// Response is the responder's reply once the commitment verifies.
type Response struct {
	ResponderID    [32]byte
	ResponderNonce [32]byte
	Challenge      []byte
}

// AuthProof is the initiator's proof that it derived the same session key.
type AuthProof struct {
	SessionID [8]byte
	Proof     []byte
}

// Final is the responder's acknowledgement that completes the handshake on
// the initiator side.
type Final struct {
	Ack bool
}
