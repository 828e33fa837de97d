// Package box implements the storage orchestration layer: it sequences
// sealing, backend upload/download and the asynchronous retrieval job
// lifecycle, keeping every step crash-resumable.
package box

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/icebox-go/icebox/pkg/backend"
	"github.com/icebox-go/icebox/pkg/logging"
	"github.com/icebox-go/icebox/pkg/sealing"
	"github.com/icebox-go/icebox/pkg/xerrors"
)

const (
	keysDir = "retrieval-keys"
	jobsDir = "retrieval-jobs"
	tmpDir  = "tmp"

	defaultPollInterval = time.Minute
)

// Source is one entry of a box listing.
type Source struct {
	Name string `yaml:"name"`
}

// Options configures a Box. Sealer is required; the rest have defaults.
type Options struct {
	Sealer sealing.Sealer
	Logger logging.Logger

	// PollInterval is the sleep between retrieval status polls. Tune per
	// backend latency; archival restores take hours, so the default of one
	// minute keeps the overhead negligible.
	PollInterval time.Duration

	// OpenBackend overrides backend construction, mainly for tests. Defaults
	// to the package registry.
	OpenBackend func(ctx context.Context, cfg backend.Config) (backend.Backend, error)
}

// Box is a named, independently configured storage namespace rooted at a
// filesystem path.
type Box struct {
	path string
	opts Options
	keys *recordStore[KeyRecord]
	jobs *recordStore[JobRecord]
	cfg  *Config
}

// New opens the box at path. The box may not exist yet; every operation but
// Init then fails with NotFound.
func New(path string, opts Options) (*Box, error) {
	if opts.Sealer == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "box.New", "sealer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.OpenBackend == nil {
		opts.OpenBackend = backend.Open
	}
	b := &Box{
		path: path,
		opts: opts,
		keys: newRecordStore[KeyRecord](filepath.Join(path, keysDir)),
		jobs: newRecordStore[JobRecord](filepath.Join(path, jobsDir)),
	}
	if configExists(path) {
		cfg, err := loadConfig(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "box.New", "", err)
		}
		b.cfg = &cfg
	}
	return b, nil
}

// Path returns the box root.
func (b *Box) Path() string { return b.path }

// Initialized reports whether the box has a persisted configuration.
func (b *Box) Initialized() bool { return b.cfg != nil }

// Init provisions the backend and persists the configuration. It fails if
// the box is already initialized, and it never leaves a partial config
// behind.
func (b *Box) Init(ctx context.Context, cfg Config) error {
	const op = "init"
	if b.Initialized() || configExists(b.path) {
		return xerrors.E(xerrors.KindAlreadyInitialized, op, b.path)
	}
	if err := cfg.validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	if err := os.MkdirAll(b.path, 0o700); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	be, err := b.opts.OpenBackend(ctx, b.backendConfig(cfg))
	if err != nil {
		return xerrors.Wrap(xerrors.KindBackendUnavailable, op, "", err)
	}
	if err := be.BoxInit(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindBackendUnavailable, op, "", err)
	}
	if err := saveConfig(b.path, cfg); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	b.cfg = &cfg
	b.opts.Logger.Info(ctx, "box initialized", "path", b.path, "backend", cfg.Backend)
	return nil
}

// Store seals the file at srcPath and uploads the artifact pair. The source
// name is the file's base name and must not already exist in the box. Both
// transient artifacts are removed before Store returns, on every path.
func (b *Box) Store(ctx context.Context, srcPath string) error {
	const op = "store"
	source := filepath.Base(srcPath)
	if err := validSourceName(source); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, source, err)
	}
	cfg, be, err := b.open(ctx, op, source)
	if err != nil {
		return err
	}
	if b.keys.exists(source) {
		return xerrors.E(xerrors.KindAlreadyExists, op, source)
	}

	dataPath, metaPath, err := b.opts.Sealer.Seal(ctx, srcPath, cfg.KeyID, filepath.Join(b.path, tmpDir))
	if err != nil {
		return xerrors.Wrap(xerrors.KindStorageFailed, op, source, err)
	}
	defer removeIfExists(dataPath)
	defer removeIfExists(metaPath)

	dataName, metaName := artifactNames()
	b.opts.Logger.Debug(ctx, "storing source", "source", source)
	dataKey, err := be.Store(ctx, dataPath, dataName)
	if err != nil {
		return xerrors.Wrap(xerrors.KindStorageFailed, op, source, err)
	}
	metaKey, err := be.Store(ctx, metaPath, metaName)
	if err != nil {
		return xerrors.Wrap(xerrors.KindStorageFailed, op, source, err)
	}
	b.opts.Logger.Debug(ctx, "stored source", "source", source)

	if err := b.keys.create(source, KeyRecord{DataKey: dataKey, MetaKey: metaKey}); err != nil {
		if os.IsExist(err) {
			return xerrors.Wrap(xerrors.KindAlreadyExists, op, source, err)
		}
		return xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	return nil
}

// Retrieve fetches the artifact pair for source and decrypts it into
// destPath. For asynchronous backends it drives the retrieval job lifecycle,
// reusing a persisted job record instead of issuing new backend jobs, and
// polls until the combined status is terminal. Transient artifacts are
// removed before Retrieve returns, on every path.
func (b *Box) Retrieve(ctx context.Context, source, destPath string, opts backend.Options) error {
	const op = "retrieve"
	if err := validSourceName(source); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, source, err)
	}
	_, be, err := b.open(ctx, op, source)
	if err != nil {
		return err
	}
	rec, ok, err := b.keys.get(source)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	if !ok {
		return xerrors.E(xerrors.KindNotFound, op, source)
	}

	var dataPath, metaPath string
	defer func() {
		removeIfExists(dataPath)
		removeIfExists(metaPath)
	}()

	switch r := be.(type) {
	case backend.SyncRetriever:
		if dataPath, err = r.Retrieve(ctx, rec.DataKey); err != nil {
			return xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
		}
		if metaPath, err = r.Retrieve(ctx, rec.MetaKey); err != nil {
			return xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
		}
	case backend.AsyncRetriever:
		if dataPath, metaPath, err = b.retrieveAsync(ctx, r, source, rec, opts); err != nil {
			return err
		}
	default:
		return xerrors.E(xerrors.KindInternal, op, source)
	}

	if err := b.opts.Sealer.Open(ctx, dataPath, metaPath, destPath); err != nil {
		return xerrors.Wrap(xerrors.KindDecryptFailed, op, source, err)
	}
	return nil
}

// retrieveAsync drives the job state machine: reuse or create the job
// record, poll to a terminal state, clear the record, then download. The
// poll sleep is the single suspension point; cancelling the context leaves
// the job record intact so a later call resumes instead of restarting.
func (b *Box) retrieveAsync(ctx context.Context, r backend.AsyncRetriever, source string, rec KeyRecord, opts backend.Options) (string, string, error) {
	const op = "retrieve"
	jobRec, ok, err := b.jobs.get(source)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	if !ok {
		dataJob, err := r.RetrieveInit(ctx, rec.DataKey, opts)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
		}
		metaJob, err := r.RetrieveInit(ctx, rec.MetaKey, opts)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
		}
		jobRec = JobRecord{DataJob: dataJob, MetaJob: metaJob}
		if err := b.jobs.put(source, jobRec); err != nil {
			return "", "", xerrors.Wrap(xerrors.KindInternal, op, source, err)
		}
	} else {
		b.opts.Logger.Debug(ctx, "resuming retrieval jobs", "source", source)
	}

	status, err := r.RetrieveStatus(ctx, jobRec.DataJob, jobRec.MetaJob)
	if err != nil {
		// A cancelled call says nothing about the jobs; keep the record.
		if ctx.Err() == nil {
			b.jobs.clear(source)
		}
		return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
	}
	for status == backend.StatusRunning {
		b.opts.Logger.Debug(ctx, "retrieve pending", "source", source)
		select {
		case <-ctx.Done():
			// Interrupted mid-poll. The job record stays put so the next
			// invocation resumes these jobs.
			return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, ctx.Err())
		case <-time.After(b.opts.PollInterval):
		}
		if status, err = r.RetrieveStatus(ctx, jobRec.DataJob, jobRec.MetaJob); err != nil {
			if ctx.Err() == nil {
				b.jobs.clear(source)
			}
			return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
		}
	}

	// Terminal state: the record is spent whether the jobs succeeded or not.
	if err := b.jobs.clear(source); err != nil {
		return "", "", xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	if status == backend.StatusFailed {
		return "", "", xerrors.E(xerrors.KindRetrievalFailed, op, source)
	}

	b.opts.Logger.Debug(ctx, "retrieving source", "source", source)
	dataPath, err := r.RetrieveFinish(ctx, jobRec.DataJob)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
	}
	metaPath, err := r.RetrieveFinish(ctx, jobRec.MetaJob)
	if err != nil {
		removeIfExists(dataPath)
		return "", "", xerrors.Wrap(xerrors.KindRetrievalFailed, op, source, err)
	}
	b.opts.Logger.Debug(ctx, "retrieved source", "source", source)
	return dataPath, metaPath, nil
}

// Delete removes both backend objects for source and then clears the key
// record. On a partial backend failure the record is kept so the caller can
// retry; backends guarantee idempotent deletes.
func (b *Box) Delete(ctx context.Context, source string) error {
	const op = "delete"
	if err := validSourceName(source); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, source, err)
	}
	_, be, err := b.open(ctx, op, source)
	if err != nil {
		return err
	}
	rec, ok, err := b.keys.get(source)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	if !ok {
		return xerrors.E(xerrors.KindNotFound, op, source)
	}
	if err := be.Delete(ctx, rec.DataKey); err != nil {
		return xerrors.Wrap(xerrors.KindDeleteFailed, op, source, err)
	}
	if err := be.Delete(ctx, rec.MetaKey); err != nil {
		return xerrors.Wrap(xerrors.KindDeleteFailed, op, source, err)
	}
	if err := b.keys.clear(source); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, source, err)
	}
	b.opts.Logger.Info(ctx, "deleted source", "source", source)
	return nil
}

// Contains reports whether source exists in the box. Pure lookup.
func (b *Box) Contains(source string) bool {
	if validSourceName(source) != nil {
		return false
	}
	return b.keys.exists(source)
}

// Sources lists the stored sources, sorted by case-insensitive name.
func (b *Box) Sources() ([]Source, error) {
	names, err := b.keys.names()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "sources", "", err)
	}
	sort.Slice(names, func(i, j int) bool {
		li, lj := strings.ToLower(names[i]), strings.ToLower(names[j])
		if li == lj {
			return names[i] < names[j]
		}
		return li < lj
	})
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, Source{Name: name})
	}
	return sources, nil
}

// open returns the configuration and a backend instance, or NotFound when
// the box is not initialized.
func (b *Box) open(ctx context.Context, op, source string) (Config, backend.Backend, error) {
	if !b.Initialized() {
		return Config{}, nil, xerrors.E(xerrors.KindNotFound, op, b.path)
	}
	be, err := b.opts.OpenBackend(ctx, b.backendConfig(*b.cfg))
	if err != nil {
		return Config{}, nil, xerrors.Wrap(xerrors.KindBackendUnavailable, op, source, err)
	}
	return *b.cfg, be, nil
}

func (b *Box) backendConfig(cfg Config) backend.Config {
	return backend.Config{Kind: cfg.Backend, BoxPath: b.path, Params: cfg.Params}
}

// artifactNames returns globally unique transient object names for one
// artifact pair, so concurrent stores never collide at the backend.
func artifactNames() (string, string) {
	base := uuid.NewString()
	return base + sealing.DataSuffix, base + sealing.MetaSuffix
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	os.Remove(path)
}
