package box

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordStoreLifecycle(t *testing.T) {
	store := newRecordStore[KeyRecord](filepath.Join(t.TempDir(), "retrieval-keys"))

	if store.exists("a.txt") {
		t.Fatal("record should not exist yet")
	}
	_, ok, err := store.get("a.txt")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if ok {
		t.Fatal("get absent should report missing")
	}

	rec := KeyRecord{DataKey: "d1", MetaKey: "m1"}
	if err := store.create("a.txt", rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok, err := store.get("a.txt")
	if err != nil || !ok {
		t.Fatalf("get: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}

	// Exclusive create refuses to clobber.
	if err := store.create("a.txt", KeyRecord{DataKey: "d2"}); !os.IsExist(err) {
		t.Fatalf("second create = %v, want ErrExist", err)
	}

	// put overwrites.
	rec2 := KeyRecord{DataKey: "d3", MetaKey: "m3"}
	if err := store.put("a.txt", rec2); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, _ = store.get("a.txt")
	if got != rec2 {
		t.Fatalf("got %+v after put, want %+v", got, rec2)
	}

	if err := store.clear("a.txt"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.exists("a.txt") {
		t.Fatal("record should be gone after clear")
	}
	// Idempotent clear.
	if err := store.clear("a.txt"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestRecordStoreNames(t *testing.T) {
	store := newRecordStore[JobRecord](filepath.Join(t.TempDir(), "retrieval-jobs"))

	names, err := store.names()
	if err != nil {
		t.Fatalf("names on absent dir: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}

	for _, name := range []string{"x", "y"} {
		if err := store.put(name, JobRecord{DataJob: "j1", MetaJob: "j2"}); err != nil {
			t.Fatal(err)
		}
	}
	names, err = store.names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
}

func TestValidSourceName(t *testing.T) {
	for _, name := range []string{"a.txt", "UPPER", "with space", "dots.in.name"} {
		if err := validSourceName(name); err != nil {
			t.Fatalf("validSourceName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if err := validSourceName(name); err == nil {
			t.Fatalf("validSourceName(%q) = nil, want error", name)
		}
	}
}
