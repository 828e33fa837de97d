// Package folder implements the synchronous local-directory backend. Objects
// are plain files inside a target directory; retrieval completes inline.
package folder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/icebox-go/icebox/pkg/backend"
)

func init() {
	backend.Register("folder", func(_ context.Context, cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Folder stores artifacts on a billy filesystem rooted at the target
// directory, so object keys can never escape it.
type Folder struct {
	fs      billy.Filesystem
	staging string
}

// New builds a Folder from box configuration. The target directory comes
// from the "folder-path" parameter.
func New(cfg backend.Config) (*Folder, error) {
	path := cfg.Param("folder-path", "")
	if path == "" {
		return nil, fmt.Errorf("folder: folder-path is required")
	}
	return NewWithFilesystem(osfs.New(path), filepath.Join(cfg.BoxPath, "staging")), nil
}

// NewWithFilesystem builds a Folder over an explicit filesystem. Retrieved
// objects land as temp files under staging on the local disk.
func NewWithFilesystem(fsys billy.Filesystem, staging string) *Folder {
	return &Folder{fs: fsys, staging: staging}
}

func (f *Folder) BoxInit(ctx context.Context) error {
	if err := f.fs.MkdirAll(".", 0o700); err != nil {
		return fmt.Errorf("folder: init: %w", err)
	}
	return nil
}

func (f *Folder) Store(ctx context.Context, localPath, name string) (backend.Key, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := f.fs.Create(name)
	if err != nil {
		return "", fmt.Errorf("folder: create %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		f.fs.Remove(name)
		return "", fmt.Errorf("folder: write %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		f.fs.Remove(name)
		return "", fmt.Errorf("folder: close %s: %w", name, err)
	}
	return backend.Key(name), nil
}

func (f *Folder) Retrieve(ctx context.Context, key backend.Key) (string, error) {
	src, err := f.fs.Open(string(key))
	if err != nil {
		return "", fmt.Errorf("folder: open %s: %w", key, err)
	}
	defer src.Close()

	if err := os.MkdirAll(f.staging, 0o700); err != nil {
		return "", err
	}
	dst, err := os.CreateTemp(f.staging, "retrieve-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("folder: read %s: %w", key, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (f *Folder) Delete(ctx context.Context, key backend.Key) error {
	err := f.fs.Remove(string(key))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("folder: delete %s: %w", key, err)
}
