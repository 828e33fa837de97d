// Package vault implements an asynchronous local-archive backend. Objects
// are files in a vault directory, but retrieval goes through real job
// semantics: a job becomes ready only after a configurable delay, and the
// job ledger is persisted in BoltDB so jobs survive process restarts.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/icebox-go/icebox/pkg/backend"
)

var bucketJobs = []byte("jobs")

func init() {
	backend.Register("vault", func(_ context.Context, cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Vault is the local archival backend.
type Vault struct {
	dir     string
	staging string
	ledger  string
	delay   time.Duration
}

type jobRecord struct {
	Key     backend.Key `json:"key"`
	ReadyAt time.Time   `json:"ready_at"`
}

// New builds a Vault from box configuration. Parameters: "vault-path"
// (required, archive directory) and "retrieval-delay" (Go duration, default
// none).
func New(cfg backend.Config) (*Vault, error) {
	dir := cfg.Param("vault-path", "")
	if dir == "" {
		return nil, fmt.Errorf("vault: vault-path is required")
	}
	var delay time.Duration
	if raw := cfg.Param("retrieval-delay", ""); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("vault: bad retrieval-delay %q: %w", raw, err)
		}
		delay = parsed
	}
	return &Vault{
		dir:     dir,
		staging: filepath.Join(cfg.BoxPath, "staging"),
		ledger:  filepath.Join(cfg.BoxPath, "vault-jobs.db"),
		delay:   delay,
	}, nil
}

func (v *Vault) BoxInit(ctx context.Context) error {
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return fmt.Errorf("vault: init: %w", err)
	}
	return nil
}

func (v *Vault) Store(ctx context.Context, localPath, name string) (backend.Key, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return "", err
	}
	dst, err := os.OpenFile(v.objectPath(backend.Key(name)), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("vault: create %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("vault: write %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return backend.Key(name), nil
}

func (v *Vault) Delete(ctx context.Context, key backend.Key) error {
	err := os.Remove(v.objectPath(key))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("vault: delete %s: %w", key, err)
}

func (v *Vault) RetrieveInit(ctx context.Context, key backend.Key, opts backend.Options) (backend.JobID, error) {
	if _, err := os.Stat(v.objectPath(key)); err != nil {
		return "", fmt.Errorf("vault: retrieve %s: %w", key, err)
	}
	delay := v.delay
	if raw := opts["retrieval-delay"]; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("vault: bad retrieval-delay option %q: %w", raw, err)
		}
		delay = parsed
	}
	job := backend.JobID(uuid.NewString())
	rec := jobRecord{Key: key, ReadyAt: time.Now().Add(delay)}
	err := v.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job), data)
	})
	if err != nil {
		return "", err
	}
	return job, nil
}

func (v *Vault) RetrieveStatus(ctx context.Context, dataJob, metaJob backend.JobID) (backend.JobStatus, error) {
	dataStatus, err := v.statusOf(dataJob)
	if err != nil {
		return backend.StatusFailed, err
	}
	metaStatus, err := v.statusOf(metaJob)
	if err != nil {
		return backend.StatusFailed, err
	}
	return backend.CombineStatus(dataStatus, metaStatus), nil
}

func (v *Vault) RetrieveFinish(ctx context.Context, job backend.JobID) (string, error) {
	rec, err := v.job(job)
	if err != nil {
		return "", err
	}
	if time.Now().Before(rec.ReadyAt) {
		return "", fmt.Errorf("vault: job %s is still running", job)
	}

	src, err := os.Open(v.objectPath(rec.Key))
	if err != nil {
		return "", fmt.Errorf("vault: job %s payload: %w", job, err)
	}
	defer src.Close()

	if err := os.MkdirAll(v.staging, 0o700); err != nil {
		return "", err
	}
	dst, err := os.CreateTemp(v.staging, "retrieve-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}

	// The ledger entry has served its purpose once the payload is out.
	err = v.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(job))
	})
	if err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (v *Vault) statusOf(job backend.JobID) (backend.JobStatus, error) {
	rec, err := v.job(job)
	if err != nil {
		return backend.StatusFailed, err
	}
	if rec.ReadyAt.After(time.Now()) {
		return backend.StatusRunning, nil
	}
	if _, err := os.Stat(v.objectPath(rec.Key)); err != nil {
		return backend.StatusFailed, nil
	}
	return backend.StatusSucceeded, nil
}

func (v *Vault) job(job backend.JobID) (jobRecord, error) {
	var rec jobRecord
	err := v.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(job))
		if data == nil {
			return fmt.Errorf("vault: unknown job %s", job)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// The ledger is opened per call so concurrent icebox processes do not hold
// the BoltDB file lock between operations.
func (v *Vault) update(fn func(*bolt.Tx) error) error {
	db, err := v.openLedger()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (v *Vault) view(fn func(*bolt.Tx) error) error {
	db, err := v.openLedger()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (v *Vault) openLedger() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(v.ledger), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(v.ledger, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("vault: open job ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: init job ledger: %w", err)
	}
	return db, nil
}

func (v *Vault) objectPath(key backend.Key) string {
	return filepath.Join(v.dir, filepath.Base(string(key)))
}
