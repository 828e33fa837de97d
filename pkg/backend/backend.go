// Package backend defines the storage provider contract consumed by the box
// orchestrator, plus a registry used to construct providers from box
// configuration.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Key is an opaque identifier returned by a backend at store time. It is
// sufficient to retrieve or delete that specific object later.
type Key string

// JobID is an opaque handle for an asynchronous retrieval job.
type JobID string

// JobStatus reports the state of an asynchronous retrieval job.
type JobStatus int

const (
	StatusRunning JobStatus = iota
	StatusSucceeded
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Options carries backend-specific retrieval options, e.g. a restore tier.
type Options map[string]string

// Config selects and parameterizes a backend instance.
type Config struct {
	// Kind names a registered backend, e.g. "folder", "vault" or "s3".
	Kind string
	// BoxPath is the box root on the local filesystem. Backends that keep
	// local state (job ledgers, staging areas) place it below this path.
	BoxPath string
	// Params holds backend-specific settings from the box configuration.
	Params map[string]string
}

// Param returns the named parameter or def when unset.
func (c Config) Param(name, def string) string {
	if v, ok := c.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// Backend is the capability set every storage provider implements. Delete
// must be idempotent: deleting a key that is already gone is not an error.
type Backend interface {
	// BoxInit performs provider-specific provisioning when a box is created,
	// e.g. creating a local directory or validating a remote bucket.
	BoxInit(ctx context.Context) error

	// Store uploads the file at localPath under the proposed object name and
	// returns the key needed to retrieve or delete it later.
	Store(ctx context.Context, localPath, name string) (Key, error)

	// Delete removes the object for key. Idempotent.
	Delete(ctx context.Context, key Key) error
}

// SyncRetriever is implemented by backends whose fetch completes inline.
type SyncRetriever interface {
	// Retrieve downloads the object for key into a staging file owned by the
	// caller and returns its path.
	Retrieve(ctx context.Context, key Key) (string, error)
}

// AsyncRetriever is implemented by backends whose fetch runs as a job, e.g.
// archival storage with multi-hour retrieval latency.
type AsyncRetriever interface {
	// RetrieveInit starts a retrieval job for key and returns its handle.
	RetrieveInit(ctx context.Context, key Key, opts Options) (JobID, error)

	// RetrieveStatus reports the combined status of a source's two jobs
	// using the CombineStatus rule.
	RetrieveStatus(ctx context.Context, dataJob, metaJob JobID) (JobStatus, error)

	// RetrieveFinish downloads the payload of a succeeded job into a staging
	// file owned by the caller and returns its path.
	RetrieveFinish(ctx context.Context, job JobID) (string, error)
}

// CombineStatus merges the status of a source's two jobs pessimistically:
// running if either still runs, failed if either failed, succeeded only when
// both succeeded.
func CombineStatus(a, b JobStatus) JobStatus {
	if a == StatusRunning || b == StatusRunning {
		return StatusRunning
	}
	if a == StatusFailed || b == StatusFailed {
		return StatusFailed
	}
	return StatusSucceeded
}

// Factory builds a backend instance from configuration. The context bounds
// construction-time work such as credential lookups.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend kind available to Open. Concrete backends call it
// from init(); registering the same kind twice panics.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("backend: Register called twice for kind " + kind)
	}
	registry[kind] = factory
}

// Open constructs the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: unsupported kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return factory(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
