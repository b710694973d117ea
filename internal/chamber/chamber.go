// Package chamber is encrypted on-disk storage for key material and
// session metadata: every file under the chamber directory is sealed with
// the node's façade before it touches disk.
package chamber

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelnet/stt/internal/crypto"
	"github.com/kestrelnet/stt/internal/serialize"
)

const (
	dirKeys     = "keys"
	dirSessions = "sessions"

	keyFileMode = 0o600
	dirMode     = 0o700
)

// Chamber is encrypted storage rooted at a directory, split into a keys/
// and a sessions/ subdirectory.
type Chamber struct {
	root   string
	nodeID [32]byte
	facade crypto.Facade
}

// Open creates (if needed) the chamber directory structure at root and
// returns a Chamber bound to facade for encryption.
func Open(root string, nodeID [32]byte, facade crypto.Facade) (*Chamber, error) {
	c := &Chamber{root: root, nodeID: nodeID, facade: facade}
	for _, sub := range []string{dirKeys, dirSessions} {
		if err := os.MkdirAll(filepath.Join(root, sub), dirMode); err != nil {
			return nil, fmt.Errorf("chamber: create %s: %w", sub, err)
		}
	}
	return c, nil
}

func (c *Chamber) fileContext(fileID string) crypto.ContextData {
	return crypto.ContextData{
		"purpose": "chamber_storage",
		"node_id": hex.EncodeToString(c.nodeID[:]),
		"file_id": fileID,
	}
}

func (c *Chamber) encryptToFile(path, fileID string, plaintext []byte) error {
	ciphertext, nonce, err := c.facade.Encrypt(plaintext, c.fileContext(fileID))
	if err != nil {
		return fmt.Errorf("chamber: encrypt %s: %w", fileID, err)
	}
	blob := append(append([]byte{}, nonce...), ciphertext...)
	if err := os.WriteFile(path, blob, keyFileMode); err != nil {
		return fmt.Errorf("chamber: write %s: %w", fileID, err)
	}
	return nil
}

func (c *Chamber) decryptFromFile(path, fileID string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chamber: read %s: %w", fileID, err)
	}
	if len(blob) < 12 {
		return nil, fmt.Errorf("chamber: %s: truncated entry", fileID)
	}
	nonce, ciphertext := blob[:12], blob[12:]
	plaintext, err := c.facade.Decrypt(ciphertext, nonce, c.fileContext(fileID))
	if err != nil {
		return nil, fmt.Errorf("chamber: decrypt %s: %w", fileID, err)
	}
	return plaintext, nil
}

// PutKey stores keyData encrypted under keys/<keyID>.key.
func (c *Chamber) PutKey(keyID string, keyData []byte) error {
	path := filepath.Join(c.root, dirKeys, keyID+".key")
	return c.encryptToFile(path, "key:"+keyID, keyData)
}

// GetKey decrypts and returns the key material stored under keyID, or
// ErrNotFound if no such key exists.
func (c *Chamber) GetKey(keyID string) ([]byte, error) {
	path := filepath.Join(c.root, dirKeys, keyID+".key")
	return c.decryptFromFile(path, "key:"+keyID)
}

// DeleteKey removes the stored key material for keyID. It is not an error
// for the key to already be absent.
func (c *Chamber) DeleteKey(keyID string) error {
	path := filepath.Join(c.root, dirKeys, keyID+".key")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chamber: delete key %s: %w", keyID, err)
	}
	return nil
}

// PutSession serializes sessionData canonically and stores it encrypted
// under sessions/<sessionID>.session.
func (c *Chamber) PutSession(sessionID string, sessionData any) error {
	encoded, err := serialize.Marshal(sessionData)
	if err != nil {
		return fmt.Errorf("chamber: serialize session %s: %w", sessionID, err)
	}
	path := filepath.Join(c.root, dirSessions, sessionID+".session")
	return c.encryptToFile(path, "session:"+sessionID, encoded)
}

// GetSession decrypts and deserializes the session metadata stored under
// sessionID into out, or returns ErrNotFound if absent.
func (c *Chamber) GetSession(sessionID string, out any) error {
	path := filepath.Join(c.root, dirSessions, sessionID+".session")
	plaintext, err := c.decryptFromFile(path, "session:"+sessionID)
	if err != nil {
		return err
	}
	if err := serialize.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("chamber: deserialize session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes the stored session metadata for sessionID.
func (c *Chamber) DeleteSession(sessionID string) error {
	path := filepath.Join(c.root, dirSessions, sessionID+".session")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chamber: delete session %s: %w", sessionID, err)
	}
	return nil
}

// Wipe irreversibly removes the entire chamber directory tree.
func (c *Chamber) Wipe() error {
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("chamber: wipe: %w", err)
	}
	return nil
}
