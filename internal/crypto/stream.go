package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// ChunkHeaderLen is the fixed, self-describing header size prepended to
// every encrypted stream chunk: a 12-byte nonce followed by a 4-byte
// big-endian chunk counter.
const ChunkHeaderLen = 16

// StreamContext is a per-stream, stateful encryption context obtained from
// the façade via StreamingContext. It manages its own nonces and chunk
// counter and must never be shared across streams.
type StreamContext struct {
	gcm     cipher.AEAD
	counter uint64
}

func newStreamContext(seed []byte) *StreamContext {
	gcm, err := newGCM(seed)
	if err != nil {
		// newGCM only fails on a malformed AES key, which key32 never
		// produces; a seed of any length is accepted.
		panic(fmt.Sprintf("crypto: streaming context: %v", err))
	}
	return &StreamContext{gcm: gcm}
}

// EncryptChunk encrypts plaintext under a fresh nonce and returns the
// 16-byte chunk header alongside the ciphertext. Each call uses a distinct
// nonce and advances the internal chunk counter, so replay or nonce reuse
// cannot happen within the stream's lifetime.
func (s *StreamContext) EncryptChunk(plaintext []byte) (header [ChunkHeaderLen]byte, ciphertext []byte, err error) {
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return header, nil, fmt.Errorf("crypto: stream chunk nonce: %w", err)
	}

	idx := atomic.AddUint64(&s.counter, 1) - 1
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], uint32(idx))

	ciphertext = s.gcm.Seal(nil, nonce[:], plaintext, counterBytes[:])

	copy(header[:12], nonce[:])
	copy(header[12:], counterBytes[:])
	return header, ciphertext, nil
}

// DecryptChunk recovers plaintext from ciphertext using the nonce and
// counter embedded in header.
func (s *StreamContext) DecryptChunk(header [ChunkHeaderLen]byte, ciphertext []byte) ([]byte, error) {
	nonce := header[:12]
	counterBytes := header[12:]

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, counterBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: stream chunk: %w", ErrDecryptFailure)
	}
	return plaintext, nil
}
