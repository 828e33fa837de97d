// Package sealing encrypts sources into an artifact pair (ciphertext plus a
// small metadata document) and decrypts such pairs back into plain files.
package sealing

import "context"

const (
	// DataSuffix and MetaSuffix mark the two halves of an artifact pair.
	DataSuffix = ".data"
	MetaSuffix = ".meta"
)

// Sealer is the crypto capability consumed by the box orchestrator. Seal
// produces two transient local artifacts under workDir; the caller owns them
// and is responsible for removing them. Open reverses Seal into destPath.
type Sealer interface {
	Seal(ctx context.Context, srcPath, keyID, workDir string) (dataPath, metaPath string, err error)
	Open(ctx context.Context, dataPath, metaPath, destPath string) error
}
