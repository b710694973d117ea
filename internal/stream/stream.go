package stream

import (
	"io"
	"sync"
	"time"

	"github.com/kestrelnet/stt/internal/crypto"
)

// State is a Stream's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultWindow is the default send/receive flow-control credit, 64 KiB.
const DefaultWindow = 64 * 1024

// sendQueueCapacity bounds the number of unsent payloads a Stream buffers
// before Send blocks; it is large relative to typical in-flight credit so
// Send rarely suspends on it in practice.
const sendQueueCapacity = 4096

// Stats is a Stream's point-in-time statistics snapshot (spec §9: typed
// stat records, not ad-hoc dictionaries).
type Stats struct {
	StreamID        uint64
	State           string
	BytesSent       uint64
	BytesReceived   uint64
	ChunksSent      uint64
	ChunksReceived  uint64
	SendCredit      int
	RecvCredit      int
}

// Stream is a multiplexed, ordered byte channel within a session. It owns a
// per-stream crypto context (via its Encoder/Decoder) exclusively; no
// sharing across streams.
type Stream struct {
	ID        uint64
	SessionID uint64

	mu         sync.Mutex
	state      State
	sendCredit int
	recvCredit int

	bytesSent      uint64
	bytesReceived  uint64
	chunksSent     uint64
	chunksReceived uint64

	expectedRecvSeq uint64
	reorder         map[uint64][]byte

	enc *Encoder
	dec *Decoder

	sendCh chan []byte
	recvCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns an idle stream multiplexed under sessionID as streamID, using
// sendCtx for its Encoder and recvCtx for its Decoder (both from the
// façade's StreamingContext). STT's
// stream contexts are symmetric: the same seed on both peers yields
// contexts that can decrypt each other's output, because each side derives
// its own send/receive context from the same per-stream seed.
func New(sessionID, streamID uint64, sendCtx, recvCtx *crypto.StreamContext) *Stream {
	return &Stream{
		ID:              streamID,
		SessionID:       sessionID,
		state:           StateIdle,
		sendCredit:      DefaultWindow,
		recvCredit:      DefaultWindow,
		expectedRecvSeq: 0,
		reorder:         make(map[uint64][]byte),
		enc:             NewEncoder(sendCtx),
		dec:             NewDecoder(recvCtx),
		sendCh:          make(chan []byte, sendQueueCapacity),
		recvCh:          make(chan []byte, sendQueueCapacity),
		closed:          make(chan struct{}),
	}
}

// Send encrypts and queues data for transmission. It charges send credit by
// len(data), failing with ErrFlowControl if credit is insufficient.
func (s *Stream) Send(data []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(data) > s.sendCredit {
		s.mu.Unlock()
		return ErrFlowControl
	}

	segment, _, err := s.enc.EncodeSegment(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.sendCredit -= len(data)
	s.bytesSent += uint64(len(data))
	s.chunksSent++
	if s.state == StateIdle {
		s.state = StateOpen
	}
	s.mu.Unlock()

	select {
	case s.sendCh <- segment:
	case <-s.closed:
		return ErrClosed
	}
	return nil
}

// Outbound returns the channel of encoded, ready-to-frame segments a
// transport-side sender drains.
func (s *Stream) Outbound() <-chan []byte {
	return s.sendCh
}

// Deliver decodes an encoded wire segment received at sequence and applies
// the reorder-buffer discipline: it is delivered immediately if sequence is
// the next expected one, buffered if it arrives early, and dropped silently
// if it is a duplicate or stale.
func (s *Stream) Deliver(sequence uint64, segment []byte) error {
	chunk, err := s.dec.DecodeSegment(segment)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(chunk) > s.recvCredit {
		s.mu.Unlock()
		return ErrFlowControl
	}

	if sequence < s.expectedRecvSeq {
		// Stale/duplicate: drop silently.
		s.mu.Unlock()
		return nil
	}
	if _, dup := s.reorder[sequence]; dup {
		s.mu.Unlock()
		return nil
	}
	s.reorder[sequence] = chunk

	ready := make([][]byte, 0, 1)
	for {
		c, ok := s.reorder[s.expectedRecvSeq]
		if !ok {
			break
		}
		delete(s.reorder, s.expectedRecvSeq)
		ready = append(ready, c)
		s.expectedRecvSeq++
	}

	if s.state == StateIdle && len(ready) > 0 {
		s.state = StateOpen
	}
	for _, c := range ready {
		s.recvCredit -= len(c)
		s.bytesReceived += uint64(len(c))
		s.chunksReceived++
	}
	s.mu.Unlock()

	for _, c := range ready {
		select {
		case s.recvCh <- c:
		case <-s.closed:
			return nil
		}
	}
	return nil
}

// Receive blocks until a chunk is available, the stream closes, or timeout
// elapses (when timeout > 0). On close it returns io.EOF; on timeout it
// returns ErrTimeout.
func (s *Stream) Receive(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		select {
		case c := <-s.recvCh:
			return c, nil
		case <-s.closed:
			return nil, io.EOF
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-s.recvCh:
		return c, nil
	case <-s.closed:
		return nil, io.EOF
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// AddSendCredit restores send credit, typically from a peer flow-control
// signal.
func (s *Stream) AddSendCredit(n int) {
	s.mu.Lock()
	s.sendCredit += n
	s.mu.Unlock()
}

// AddRecvCredit restores receive credit, a local decision made as the
// application drains chunks.
func (s *Stream) AddRecvCredit(n int) {
	s.mu.Lock()
	s.recvCredit += n
	s.mu.Unlock()
}

// Close closes the stream, waking any pending Receive calls with io.EOF.
// Close is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
	})
}

// IsOpen reports whether the stream is open for communication.
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// IsClosed reports whether the stream has been closed.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// Done returns a channel closed once the stream is closed, for callers
// (such as a transport-side pump) selecting alongside Outbound().
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}

// Stats returns a snapshot of the stream's statistics.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		StreamID:       s.ID,
		State:          s.state.String(),
		BytesSent:      s.bytesSent,
		BytesReceived:  s.bytesReceived,
		ChunksSent:     s.chunksSent,
		ChunksReceived: s.chunksReceived,
		SendCredit:     s.sendCredit,
		RecvCredit:     s.recvCredit,
	}
}
