package crypto

import "testing"

func TestHashDeterministic(t *testing.T) {
	f := NewFacade([]byte("shared_seed_32_bytes_min!!!!!!"))
	ctx := ContextData{"purpose": "node_id"}

	h1 := f.Hash([]byte("data"), ctx)
	h2 := f.Hash([]byte("data"), ctx)
	if string(h1) != string(h2) {
		t.Fatal("Hash must be stable given the same context and data")
	}

	h3 := f.Hash([]byte("data"), ContextData{"purpose": "content_id"})
	if string(h1) == string(h3) {
		t.Fatal("Hash must differ when context differs")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	f := NewFacade([]byte("a-session-key-of-32-bytes-long!!"))
	ctx := ContextData{"type": "1", "sequence": "42"}

	ciphertext, meta, err := f.Encrypt([]byte("hello"), ctx)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := f.Decrypt(ciphertext, meta, ctx)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("got %q, want hello", plaintext)
	}
}

func TestDecryptFailsOnContextMismatch(t *testing.T) {
	f := NewFacade([]byte("a-session-key-of-32-bytes-long!!"))
	ciphertext, meta, err := f.Encrypt([]byte("hello"), ContextData{"sequence": "42"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := f.Decrypt(ciphertext, meta, ContextData{"sequence": "43"}); err == nil {
		t.Fatal("expected decrypt failure on associated-data mismatch")
	}
}

func TestStreamContextChunkRoundTrip(t *testing.T) {
	f := NewFacade([]byte("stream-seed"))
	enc := f.StreamingContext([]byte("per-stream-seed"))
	dec := f.StreamingContext([]byte("per-stream-seed"))

	header, ciphertext, err := enc.EncryptChunk([]byte("chunk-a"))
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	plaintext, err := dec.DecryptChunk(header, ciphertext)
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if string(plaintext) != "chunk-a" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestStreamContextDistinctNoncesPerChunk(t *testing.T) {
	f := NewFacade([]byte("seed"))
	ctx := f.StreamingContext([]byte("s"))

	h1, _, _ := ctx.EncryptChunk([]byte("x"))
	h2, _, _ := ctx.EncryptChunk([]byte("x"))

	if h1 == h2 {
		t.Fatal("consecutive chunks must use distinct headers")
	}
}
