package stream

import (
	"io"
	"testing"
	"time"

	"github.com/kestrelnet/stt/internal/crypto"
)

func newTestStream(t *testing.T) (*Stream, *Encoder) {
	t.Helper()
	facade := crypto.NewFacade([]byte("node-seed"))
	sendCtx := facade.StreamingContext([]byte("shared-stream-seed"))
	recvCtx := facade.StreamingContext([]byte("shared-stream-seed"))
	s := New(1, 1, sendCtx, recvCtx)
	return s, NewEncoder(facade.StreamingContext([]byte("shared-stream-seed")))
}

func TestSegmentRoundTrip(t *testing.T) {
	facade := crypto.NewFacade([]byte("seed"))
	streamCtx := []byte("a-stream-seed")
	enc := NewEncoder(facade.StreamingContext(streamCtx))
	dec := NewDecoder(facade.StreamingContext(streamCtx))

	segment, seq, err := enc.EncodeSegment([]byte("payload"))
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected first sequence 0, got %d", seq)
	}

	chunk, err := dec.DecodeSegment(segment)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if string(chunk) != "payload" {
		t.Fatalf("got %q", chunk)
	}
}

func TestEmptyChunkIdentity(t *testing.T) {
	facade := crypto.NewFacade([]byte("seed"))
	streamCtx := []byte("a-stream-seed")
	enc := NewEncoder(facade.StreamingContext(streamCtx))
	dec := NewDecoder(facade.StreamingContext(streamCtx))

	segment, _, err := enc.EncodeSegment(nil)
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	chunk, err := dec.DecodeSegment(segment)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("expected empty chunk, got %q", chunk)
	}
}

// TestStreamReordering exercises S3: segments 0..3 delivered as 2,0,3,1
// must be observed by the receiver in sender order a,b,c,d.
func TestStreamReordering(t *testing.T) {
	facade := crypto.NewFacade([]byte("seed"))
	streamSeed := []byte("s3-seed")
	sendEnc := NewEncoder(facade.StreamingContext(streamSeed))
	s := New(1, 1, facade.StreamingContext(streamSeed), facade.StreamingContext(streamSeed))

	words := []string{"a", "b", "c", "d"}
	segments := make([][]byte, len(words))
	for i, w := range words {
		seg, seq, err := sendEnc.EncodeSegment([]byte(w))
		if err != nil {
			t.Fatalf("EncodeSegment: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("sequence %d != %d", seq, i)
		}
		segments[i] = seg
	}

	order := []int{2, 0, 3, 1}
	for _, idx := range order {
		if err := s.Deliver(uint64(idx), segments[idx]); err != nil {
			t.Fatalf("Deliver(%d): %v", idx, err)
		}
	}

	for i, want := range words {
		got, err := s.Receive(time.Second)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("chunk %d: got %q, want %q", i, got, want)
		}
	}
}

func TestFlowControl(t *testing.T) {
	s, _ := newTestStream(t)
	tooBig := make([]byte, DefaultWindow+1)
	if err := s.Send(tooBig); err != ErrFlowControl {
		t.Fatalf("expected ErrFlowControl, got %v", err)
	}
}

func TestCloseWakesReceivers(t *testing.T) {
	s, _ := newTestStream(t)
	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected io.EOF on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake on Close")
	}
}

func TestReceiveTimeout(t *testing.T) {
	s, _ := newTestStream(t)
	if _, err := s.Receive(10 * time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
