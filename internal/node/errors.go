package node

import "errors"

var (
	// ErrUnknownSession names the case of a data frame carrying a session id
	// this node has no record of. The receive path logs and drops such
	// frames; no Node method returns this error.
	ErrUnknownSession = errors.New("node: unknown session")
	// ErrHandshakeInFlight is returned by Connect when a handshake to the
	// same address is already pending.
	ErrHandshakeInFlight = errors.New("node: handshake already in flight for this address")
	// ErrHandshakeTimeout is returned by Connect when the peer does not
	// complete the handshake within the configured timeout.
	ErrHandshakeTimeout = errors.New("node: handshake timed out")
	// ErrClosed names the closed-node condition. No Node method returns it;
	// after Close, sends fail with the transport's ErrTransportDown.
	ErrClosed = errors.New("node: node is closed")
	// ErrSessionNotFound is returned by ExecuteAction for an id it cannot
	// resolve to a live session.
	ErrSessionNotFound = errors.New("node: session not found")
)
