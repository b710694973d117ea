package node

import (
	"fmt"
	"time"

	"github.com/kestrelnet/stt/internal/healthmon"
	"github.com/kestrelnet/stt/internal/nat"
	"github.com/kestrelnet/stt/internal/session"
)

// GetStats satisfies telemetry.StatsSource: a flat snapshot of node-wide
// counters for the periodic reporter to fold into a Metrics sample.
func (n *Node) GetStats() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var bytesSent, bytesRecv uint64
	streamsOpen := 0
	for _, s := range n.sessions {
		st := s.Stats()
		bytesSent += st.BytesSent
		bytesRecv += st.BytesReceived
		streamsOpen += st.StreamCount
	}

	return map[string]any{
		"sessions_active": len(n.sessions),
		"streams_open":    streamsOpen,
		"bytes_sent":      int64(bytesSent),
		"bytes_recv":      int64(bytesRecv),
		"uptime_sec":      time.Since(n.startedAt).Seconds(),
	}
}

// SessionObservations satisfies healthmon.StatsProvider: one observation
// per live session, carrying the decrypt-failure count and idle duration
// the healing loop's analyze step consults.
func (n *Node) SessionObservations() []healthmon.SessionObservation {
	n.mu.RLock()
	defer n.mu.RUnlock()

	now := time.Now()
	obs := make([]healthmon.SessionObservation, 0, len(n.sessions))
	for key, s := range n.sessions {
		st := s.Stats()
		h, ok := n.health[key]
		var failures uint64
		idleFor := now.Sub(st.SessionStart)
		if ok {
			h.mu.Lock()
			failures = h.decryptFailures
			idleFor = now.Sub(h.lastActive)
			h.mu.Unlock()
		}
		obs = append(obs, healthmon.SessionObservation{
			Timestamp:       now,
			SessionID:       st.SessionID,
			DecryptFailures: failures,
			IdleFor:         idleFor,
			State:           st.State,
		})
	}
	return obs
}

// ExecuteAction satisfies healthmon.ActionExecutor: CloseSession tears the
// session down outright, MarkRelayRequired pins the peer to the relay NAT
// strategy for future address resolution.
func (n *Node) ExecuteAction(sessionID string, action healthmon.Action) error {
	n.mu.RLock()
	var target *sessionEntry
	for key, s := range n.sessions {
		if fmt.Sprintf("%x", s.ID) == sessionID {
			target = &sessionEntry{key: key, sess: s}
			break
		}
	}
	n.mu.RUnlock()

	if target == nil {
		return ErrSessionNotFound
	}

	switch action {
	case healthmon.ActionCloseSession:
		target.sess.Close()
		n.mu.Lock()
		delete(n.sessions, target.key)
		delete(n.sessionPeerAddr, target.key)
		delete(n.health, target.key)
		n.mu.Unlock()
		return nil

	case healthmon.ActionMarkRelayRequired:
		if n.coord == nil {
			return nil
		}
		if marker, ok := n.coord.(interface{ MarkRelayRequired(nat.NodeID) }); ok {
			var peerID nat.NodeID
			copy(peerID[:], target.sess.PeerNodeID[:])
			marker.MarkRelayRequired(peerID)
		}
		return nil

	default:
		return nil
	}
}

type sessionEntry struct {
	key  uint64
	sess *session.Session
}
