// Package crypto is the narrow façade the STT core consumes for hashing,
// key derivation, AEAD encryption and per-stream streaming contexts. The
// underlying probabilistic cryptographic library is an external collaborator
// per design; this package supplies a concrete implementation over
// blake3/HKDF/AES-GCM so the core is runnable and testable end to end, and
// is itself substitutable behind the Facade interface.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// Facade is the interface the rest of the core depends on. Tests substitute
// a mock satisfying this interface in place of Default.
type Facade interface {
	Hash(data []byte, ctx ContextData) []byte
	DeriveKey(length int, ctx ContextData) []byte
	Encrypt(plaintext []byte, ctx ContextData) (ciphertext, metadata []byte, err error)
	Decrypt(ciphertext, metadata []byte, ctx ContextData) (plaintext []byte, err error)
	StreamingContext(seed []byte) *StreamContext
}

// Default is the concrete façade implementation. It is constructed with a
// secret (a node seed, a pre-shared handshake seed, or a derived session
// key, depending on the call site) that backs every Hash/DeriveKey/Encrypt
// operation performed through it.
type Default struct {
	secret []byte
}

// NewFacade returns a façade bound to secret. secret may be of any length;
// operations that need exactly 32 bytes derive them from it.
func NewFacade(secret []byte) *Default {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Default{secret: s}
}

func key32(secret []byte) []byte {
	if len(secret) == 32 {
		return secret
	}
	sum := blake3.Sum256(secret)
	return sum[:]
}

// Hash returns a 32-byte probabilistic hash of data bound to ctx and to the
// façade's secret: the same (secret, ctx, data) triple always yields the
// same digest.
func (f *Default) Hash(data []byte, ctx ContextData) []byte {
	h := blake3.New(32, key32(f.secret))
	h.Write(ctx.Canonical())
	h.Write(data)
	return h.Sum(nil)
}

// DeriveKey deterministically derives length bytes of key material from the
// façade's secret and ctx via HKDF-SHA256.
func (f *Default) DeriveKey(length int, ctx ContextData) []byte {
	r := hkdf.New(sha256.New, f.secret, nil, ctx.Canonical())
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf.Read only fails when the requested length exceeds the
		// expansion limit (255*hash size); DeriveKey callers never ask
		// for that much, so this indicates a programming error.
		panic(fmt.Sprintf("crypto: DeriveKey: %v", err))
	}
	return out
}

// Encrypt seals plaintext under the façade's secret with ctx as associated
// data. metadata is the nonce used, which the caller must transmit
// alongside the ciphertext for Decrypt to consume.
func (f *Default) Encrypt(plaintext []byte, ctx ContextData) (ciphertext, metadata []byte, err error) {
	gcm, err := newGCM(f.secret)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, ctx.Canonical())
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext under the façade's secret; metadata is the nonce
// produced by the matching Encrypt call and ctx must match exactly.
func (f *Default) Decrypt(ciphertext, metadata []byte, ctx ContextData) ([]byte, error) {
	gcm, err := newGCM(f.secret)
	if err != nil {
		return nil, err
	}
	if len(metadata) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: decrypt: bad nonce length %d", len(metadata))
	}
	plaintext, err := gcm.Open(nil, metadata, ciphertext, ctx.Canonical())
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", ErrDecryptFailure)
	}
	return plaintext, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key32(secret))
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

// StreamingContext returns a fresh per-stream encryption context seeded
// from seed. It is stateful and must never be shared across streams.
func (f *Default) StreamingContext(seed []byte) *StreamContext {
	return newStreamContext(seed)
}
