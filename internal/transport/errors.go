package transport

import "errors"

// ErrTransportDown is returned by Send when the transport is not running.
var ErrTransportDown = errors.New("transport: down")
