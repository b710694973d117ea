package chamber

import "errors"

// ErrNotFound is returned by Get* when no entry exists for the given id.
var ErrNotFound = errors.New("chamber: not found")
