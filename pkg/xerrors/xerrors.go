package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies icebox errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindAlreadyInitialized
	KindBackendUnavailable
	KindStorageFailed
	KindRetrievalFailed
	KindDeleteFailed
	KindDecryptFailed
	KindInternal
)

// Error wraps an underlying error with the failed operation and, when one is
// involved, the source name it acted on.
type Error struct {
	Kind   Kind
	Op     string
	Source string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Source != "" {
		base += " " + e.Source
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindAlreadyInitialized:
		return "already initialized"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindStorageFailed:
		return "storage failed"
	case KindRetrievalFailed:
		return "retrieval failed"
	case KindDeleteFailed:
		return "delete failed"
	case KindDecryptFailed:
		return "decrypt failed"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, source string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Source: source, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, source string) error {
	return &Error{Kind: kind, Op: op, Source: source}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist), errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
