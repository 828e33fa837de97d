package sealing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

const (
	metaVersion  = 1
	cipherName   = "xchacha20-poly1305"
	chunkSize    = 64 * 1024
	noncePrefix  = chacha20poly1305.NonceSizeX - 8
	sealOverhead = chacha20poly1305.Overhead
)

// AEAD seals files with XChaCha20-Poly1305 in fixed-size chunks. The chunk
// counter is folded into the nonce, so chunks cannot be reordered or
// replayed across files.
type AEAD struct {
	ring *Keyring
}

// NewAEAD returns a Sealer backed by ring.
func NewAEAD(ring *Keyring) *AEAD {
	return &AEAD{ring: ring}
}

// metaDoc is the metadata artifact, persisted as YAML so operators can
// inspect it without tooling.
type metaDoc struct {
	Version     int    `yaml:"version"`
	KeyID       string `yaml:"key-id"`
	Cipher      string `yaml:"cipher"`
	NoncePrefix string `yaml:"nonce-prefix"`
	ChunkSize   int    `yaml:"chunk-size"`
	Size        int64  `yaml:"size"`
	SHA256      string `yaml:"sha256"`
	Name        string `yaml:"name"`
}

func (a *AEAD) Seal(ctx context.Context, srcPath, keyID, workDir string) (string, string, error) {
	key, err := a.ring.Key(keyID)
	if err != nil {
		return "", "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", "", err
	}
	defer src.Close()

	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return "", "", err
	}
	dataFile, err := os.CreateTemp(workDir, "seal-*"+DataSuffix)
	if err != nil {
		return "", "", err
	}
	dataPath := dataFile.Name()
	cleanup := func() {
		dataFile.Close()
		os.Remove(dataPath)
	}

	prefix := make([]byte, noncePrefix)
	if _, err := rand.Read(prefix); err != nil {
		cleanup()
		return "", "", err
	}

	hasher := sha256.New()
	var (
		size    int64
		counter uint64
		plain   = make([]byte, chunkSize)
		nonce   = make([]byte, chacha20poly1305.NonceSizeX)
	)
	copy(nonce, prefix)
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", "", err
		}
		n, readErr := io.ReadFull(src, plain)
		if n > 0 {
			hasher.Write(plain[:n])
			size += int64(n)
			binary.BigEndian.PutUint64(nonce[noncePrefix:], counter)
			counter++
			sealed := aead.Seal(nil, nonce, plain[:n], nil)
			if _, err := dataFile.Write(sealed); err != nil {
				cleanup()
				return "", "", err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			cleanup()
			return "", "", readErr
		}
	}
	if err := dataFile.Sync(); err != nil {
		cleanup()
		return "", "", err
	}
	if err := dataFile.Close(); err != nil {
		os.Remove(dataPath)
		return "", "", err
	}

	meta := metaDoc{
		Version:     metaVersion,
		KeyID:       keyID,
		Cipher:      cipherName,
		NoncePrefix: hex.EncodeToString(prefix),
		ChunkSize:   chunkSize,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		Name:        filepath.Base(srcPath),
	}
	doc, err := yaml.Marshal(meta)
	if err != nil {
		os.Remove(dataPath)
		return "", "", err
	}
	metaFile, err := os.CreateTemp(workDir, "seal-*"+MetaSuffix)
	if err != nil {
		os.Remove(dataPath)
		return "", "", err
	}
	metaPath := metaFile.Name()
	if _, err := metaFile.Write(doc); err != nil {
		metaFile.Close()
		os.Remove(metaPath)
		os.Remove(dataPath)
		return "", "", err
	}
	if err := metaFile.Close(); err != nil {
		os.Remove(metaPath)
		os.Remove(dataPath)
		return "", "", err
	}
	return dataPath, metaPath, nil
}

func (a *AEAD) Open(ctx context.Context, dataPath, metaPath, destPath string) error {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}
	var meta metaDoc
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("sealing: bad metadata document: %w", err)
	}
	if meta.Version != metaVersion {
		return fmt.Errorf("sealing: unsupported metadata version %d", meta.Version)
	}
	if meta.Cipher != cipherName {
		return fmt.Errorf("sealing: unsupported cipher %q", meta.Cipher)
	}
	if meta.ChunkSize <= 0 || meta.Size < 0 {
		return fmt.Errorf("sealing: invalid metadata for %q", meta.Name)
	}
	prefix, err := hex.DecodeString(meta.NoncePrefix)
	if err != nil || len(prefix) != noncePrefix {
		return fmt.Errorf("sealing: invalid nonce prefix")
	}
	wantSum, err := hex.DecodeString(meta.SHA256)
	if err != nil || len(wantSum) != sha256.Size {
		return fmt.Errorf("sealing: invalid checksum")
	}

	key, err := a.ring.Key(meta.KeyID)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}

	src, err := os.Open(dataPath)
	if err != nil {
		return err
	}
	defer src.Close()

	// Written next to dest and renamed into place so a failed decrypt never
	// leaves a truncated or corrupt destination file.
	dest, err := os.CreateTemp(filepath.Dir(destPath), ".open-*")
	if err != nil {
		return err
	}
	tmpName := dest.Name()
	cleanup := func() {
		dest.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	var (
		remaining = meta.Size
		counter   uint64
		nonce     = make([]byte, chacha20poly1305.NonceSizeX)
		sealed    = make([]byte, meta.ChunkSize+sealOverhead)
	)
	copy(nonce, prefix)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		want := int64(meta.ChunkSize)
		if remaining < want {
			want = remaining
		}
		buf := sealed[:want+sealOverhead]
		if _, err := io.ReadFull(src, buf); err != nil {
			cleanup()
			return fmt.Errorf("sealing: ciphertext truncated: %w", err)
		}
		binary.BigEndian.PutUint64(nonce[noncePrefix:], counter)
		counter++
		plain, err := aead.Open(nil, nonce, buf, nil)
		if err != nil {
			cleanup()
			return fmt.Errorf("sealing: chunk %d: %w", counter-1, err)
		}
		hasher.Write(plain)
		if _, err := dest.Write(plain); err != nil {
			cleanup()
			return err
		}
		remaining -= want
	}
	if !bytes.Equal(hasher.Sum(nil), wantSum) {
		cleanup()
		return fmt.Errorf("sealing: checksum mismatch for %q", meta.Name)
	}
	if err := dest.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := dest.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
