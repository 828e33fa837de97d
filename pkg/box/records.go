package box

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/icebox-go/icebox/pkg/backend"
)

// KeyRecord maps a source to the backend keys of its artifact pair. It is
// written only after both artifacts are durably stored.
type KeyRecord struct {
	DataKey backend.Key `yaml:"data-key"`
	MetaKey backend.Key `yaml:"meta-key"`
}

// JobRecord holds the in-flight retrieval job handles for a source. At most
// one exists per source; its presence is what makes retrieval resumable
// across process restarts.
type JobRecord struct {
	DataJob backend.JobID `yaml:"data-job"`
	MetaJob backend.JobID `yaml:"meta-job"`
}

// recordStore keeps one YAML document per source name in a dedicated
// directory. Records for different sources are independent files, so
// operations on different sources never contend.
type recordStore[T any] struct {
	dir string
}

func newRecordStore[T any](dir string) *recordStore[T] {
	return &recordStore[T]{dir: dir}
}

func (s *recordStore[T]) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *recordStore[T]) get(name string) (T, bool, error) {
	var rec T
	raw, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("box: parse record %s: %w", name, err)
	}
	return rec, true, nil
}

func (s *recordStore[T]) exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// put writes or overwrites the record for name.
func (s *recordStore[T]) put(name string, rec T) error {
	return s.write(name, rec, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// create writes the record for name, failing with os.ErrExist if one is
// already present. Used for key records to close the race between two
// concurrent stores of the same new name.
func (s *recordStore[T]) create(name string, rec T) error {
	return s.write(name, rec, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
}

func (s *recordStore[T]) write(name string, rec T, flags int) error {
	doc, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(name), flags, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(doc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return f.Close()
}

// clear removes the record for name. Removing an absent record is a no-op.
func (s *recordStore[T]) clear(name string) error {
	err := os.Remove(s.path(name))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// names lists every record in the store, unordered.
func (s *recordStore[T]) names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// validSourceName rejects names that would escape the record directory or
// collide with its bookkeeping.
func validSourceName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("box: invalid source name %q", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("box: invalid source name %q", name)
	}
	return nil
}
