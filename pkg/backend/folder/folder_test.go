package folder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/icebox-go/icebox/pkg/backend"
)

func TestStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	be := NewWithFilesystem(fsys, t.TempDir())

	src := filepath.Join(t.TempDir(), "artifact")
	content := []byte("sealed bytes")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := be.Store(ctx, src, "obj-1.data")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if key != "obj-1.data" {
		t.Fatalf("key = %q, want obj-1.data", key)
	}
	stored, err := util.ReadFile(fsys, "obj-1.data")
	if err != nil {
		t.Fatalf("read stored object: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored object differs from source")
	}

	local, err := be.Retrieve(ctx, key)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read retrieved file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("retrieved content differs")
	}

	if err := be.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := be.Retrieve(ctx, key); err == nil {
		t.Fatal("retrieve after delete should fail")
	}
	// Deleting an already-deleted key is a no-op.
	if err := be.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFolderIsSyncRetriever(t *testing.T) {
	var be backend.Backend = NewWithFilesystem(memfs.New(), t.TempDir())
	if _, ok := be.(backend.SyncRetriever); !ok {
		t.Fatal("folder backend must implement SyncRetriever")
	}
	if _, ok := be.(backend.AsyncRetriever); ok {
		t.Fatal("folder backend must not implement AsyncRetriever")
	}
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(backend.Config{Kind: "folder"}); err == nil {
		t.Fatal("expected error when folder-path missing")
	}
}
