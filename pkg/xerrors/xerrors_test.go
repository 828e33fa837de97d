package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindRetrievalFailed, "retrieve", "report.pdf", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindRetrievalFailed},
		{name: "iofs not exist", err: iofs.ErrNotExist, kind: KindNotFound},
		{name: "iofs exist", err: iofs.ErrExist, kind: KindAlreadyExists},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "os exist", err: os.ErrExist, kind: KindAlreadyExists},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindStorageFailed, "store", "notes.txt", errors.New("connection reset"))
	msg := err.Error()
	for _, want := range []string{"store", "storage failed", "notes.txt", "connection reset"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error message %q missing %q", msg, want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindInternal, "op", "", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("base")
	err := Wrap(KindDeleteFailed, "delete", "a", base)
	if !errors.Is(err, base) {
		t.Fatal("wrapped error should match errors.Is against the base error")
	}
}
