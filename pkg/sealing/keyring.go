package sealing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keySize = 32

// Keyring resolves key IDs to raw keys. Keys live as hex-encoded 0600 files
// named <key-id>.key in a single directory.
type Keyring struct {
	dir string
}

// NewKeyring returns a keyring rooted at dir. The directory is created on
// first write, not here.
func NewKeyring(dir string) *Keyring {
	return &Keyring{dir: dir}
}

// Key returns the raw 32-byte key for keyID.
func (r *Keyring) Key(keyID string) ([]byte, error) {
	if err := validKeyID(keyID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(r.keyPath(keyID))
	if err != nil {
		return nil, fmt.Errorf("keyring: read key %q: %w", keyID, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("keyring: key %q is not valid hex: %w", keyID, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("keyring: key %q is %d bytes, want %d", keyID, len(key), keySize)
	}
	return key, nil
}

// Generate creates a fresh random key under keyID. It fails if the key
// already exists.
func (r *Keyring) Generate(keyID string) error {
	if err := validKeyID(keyID); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("keyring: mkdir: %w", err)
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	f, err := os.OpenFile(r.keyPath(keyID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("keyring: create key %q: %w", keyID, err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return f.Close()
}

// Exists reports whether keyID has a key on disk.
func (r *Keyring) Exists(keyID string) bool {
	if validKeyID(keyID) != nil {
		return false
	}
	_, err := os.Stat(r.keyPath(keyID))
	return err == nil
}

func (r *Keyring) keyPath(keyID string) string {
	return filepath.Join(r.dir, keyID+".key")
}

func validKeyID(keyID string) error {
	if keyID == "" {
		return fmt.Errorf("keyring: empty key ID")
	}
	if strings.ContainsAny(keyID, "/\\") || keyID == "." || keyID == ".." {
		return fmt.Errorf("keyring: invalid key ID %q", keyID)
	}
	return nil
}
