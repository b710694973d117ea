package nat

import "errors"

// ErrPeerUnreachable is returned by Resolve when no strategy can locate the
// peer (spec §7: PeerUnreachable, C12 manual resolution miss).
var ErrPeerUnreachable = errors.New("nat: peer unreachable")
