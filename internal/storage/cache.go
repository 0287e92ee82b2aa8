package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"

	"github.com/gluonMaster/ImageSearchGPU/internal/planner"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// Cache is the embedding cache of one dataset, a set of root directories. It owns two artifacts in
// its directory: the SQLite records database and the bbolt progress database.
// A Cache is safe for concurrent use by one indexer and any number of
// searchers inside a single process.
type Cache struct {
	dir      string
	logger   *slog.Logger
	now      func() time.Time
	lock     *flock.Flock
	records  *recordStore
	progress *progressStore

	generation atomic.Uint64
}

// Open opens or creates the cache in dir and takes the directory lock.
// Artifacts that exist but cannot be opened yield ErrCacheCorrupt.
func Open(ctx context.Context, dir string, opts Options) (*Cache, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock, err := acquireDirLock(filepath.Join(dir, LockFile), opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		dir:    dir,
		logger: opts.Logger,
		now:    opts.Clock,
		lock:   lock,
	}

	recordsPath := filepath.Join(dir, RecordsFile)
	existed := fileExists(recordsPath)
	c.records, err = newRecordStore(ctx, recordsPath)
	if err != nil {
		_ = lock.Unlock()
		if existed {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrCacheCorrupt, recordsPath, err)
		}
		return nil, err
	}

	progressPath := filepath.Join(dir, ProgressFile)
	existed = fileExists(progressPath)
	c.progress, err = newProgressStore(progressPath, opts.BoltTimeout)
	if err != nil {
		_ = c.records.Close()
		_ = lock.Unlock()
		switch {
		case errors.Is(err, bbolt.ErrTimeout):
			return nil, fmt.Errorf("%w: %s", types.ErrCacheLocked, progressPath)
		case existed:
			return nil, fmt.Errorf("%w: %s: %v", types.ErrCacheCorrupt, progressPath, err)
		default:
			return nil, fmt.Errorf("failed to open progress store: %w", err)
		}
	}

	c.logger.Debug("cache opened", "dir", dir, "build_mode", BuildMode)
	return c, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Generation increments on every committed record mutation.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

// Load validates both artifacts and returns the full cache view. It never
// drops a subset of records: any inconsistency fails the whole load.
func (c *Cache) Load(ctx context.Context) (*types.CacheState, error) {
	state := &types.CacheState{Records: make(map[string]types.EmbeddingRecord)}
	v, err := c.validate(ctx, func(rec types.EmbeddingRecord) {
		state.Records[rec.Path] = rec
	})
	if err != nil {
		return nil, err
	}
	state.Dimension = v.Meta.Dimension
	state.Model = v.Meta.Model
	state.Roots = v.Meta.Roots
	state.Progress = v.Progress
	return state, nil
}

// Verification is the outcome of Verify.
type Verification struct {
	Meta     Meta
	Entries  int
	Progress *types.RunProgress
}

// Verify runs the same checks as Load while streaming the records, so no
// vector outlives its check.
func (c *Cache) Verify(ctx context.Context) (*Verification, error) {
	return c.validate(ctx, nil)
}

func (c *Cache) validate(ctx context.Context, keep func(types.EmbeddingRecord)) (*Verification, error) {
	if err := c.records.quickCheck(ctx); err != nil {
		return nil, err
	}

	meta, err := c.records.meta(ctx)
	if err != nil {
		return nil, err
	}

	v := &Verification{Meta: meta}
	err = c.records.scan(ctx, func(rec types.EmbeddingRecord) error {
		if len(rec.Vector) != meta.Dimension {
			return fmt.Errorf("%w: record %s has dimension %d, cache has %d",
				types.ErrCacheCorrupt, rec.Path, len(rec.Vector), meta.Dimension)
		}
		v.Entries++
		if keep != nil {
			keep(rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.Progress, err = c.progress.load()
	if err != nil {
		return nil, err
	}
	if p := v.Progress; p != nil && meta.Bound() && !types.SameRoots(p.Roots, meta.Roots) {
		return nil, fmt.Errorf("%w: progress roots %v differ from cache roots %v",
			types.ErrCacheCorrupt, p.Roots, meta.Roots)
	}
	return v, nil
}

// Meta returns the cache metadata.
func (c *Cache) Meta(ctx context.Context) (Meta, error) {
	return c.records.meta(ctx)
}

// Roots returns the bound dataset roots, sorted.
func (c *Cache) Roots(ctx context.Context) ([]string, error) {
	meta, err := c.records.meta(ctx)
	if err != nil {
		return nil, err
	}
	return meta.Roots, nil
}

// CheckBinding reports whether a run over roots with model may use the
// cache, without writing anything. roots must be sorted.
func (c *Cache) CheckBinding(ctx context.Context, roots []string, model string) (Meta, error) {
	meta, err := c.records.meta(ctx)
	if err != nil {
		return Meta{}, err
	}
	if meta.Bound() && !types.SameRoots(meta.Roots, roots) {
		return Meta{}, fmt.Errorf("%w: cache roots are %s, requested %s", types.ErrRootMismatch,
			strings.Join(meta.Roots, ", "), strings.Join(roots, ", "))
	}
	if meta.Model != "" && model != "" && meta.Model != model {
		return Meta{}, fmt.Errorf("%w: cache model is %s, embedder is %s", types.ErrModelMismatch, meta.Model, model)
	}
	return meta, nil
}

// BindRoots associates the cache with a dataset root set and embedding model
// on first use and rejects a different set or model afterwards.
func (c *Cache) BindRoots(ctx context.Context, roots []string, model string) error {
	if len(roots) == 0 {
		return fmt.Errorf("%w: at least one root is required", types.ErrInvalidConfig)
	}
	meta, err := c.CheckBinding(ctx, roots, model)
	if err != nil {
		return err
	}
	if meta.Bound() && (meta.Model != "" || model == "") {
		return nil
	}
	return c.records.bind(ctx, roots, model)
}

// MarkIndexed records the completion time of a full run.
func (c *Cache) MarkIndexed(ctx context.Context, at time.Time) error {
	return c.records.setMeta(ctx, metaLastIndexedAt, at.UTC().Format(time.RFC3339Nano))
}

// Fingerprints returns the freshness signature of every cached path.
func (c *Cache) Fingerprints(ctx context.Context) (map[string]types.Fingerprint, error) {
	return c.records.fingerprints(ctx)
}

// Upsert merges records by path in one transaction. A record whose dimension
// differs from the cache dimension fails the call before anything is written.
func (c *Cache) Upsert(ctx context.Context, records []types.EmbeddingRecord) error {
	if err := c.records.upsertRecords(ctx, records); err != nil {
		return err
	}
	if len(records) > 0 {
		c.generation.Add(1)
	}
	return nil
}

// Remove deletes records by path in one transaction.
func (c *Cache) Remove(ctx context.Context, paths []string) (int, error) {
	n, err := c.records.deleteRecords(ctx, paths)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.generation.Add(1)
	}
	return n, nil
}

// Scan streams every record from one consistent snapshot.
// fn must not call back into the cache.
func (c *Cache) Scan(ctx context.Context, fn func(types.EmbeddingRecord) error) error {
	return c.records.scan(ctx, fn)
}

// BeginRun persists a new run plan, replacing any previous run.
func (c *Cache) BeginRun(ctx context.Context, plan types.RunPlan) (*types.RunProgress, error) {
	if plan.RunID == "" {
		return nil, fmt.Errorf("run plan requires an ID")
	}
	if plan.BaseChunkSize < 1 || plan.MinChunkSize < 1 {
		return nil, fmt.Errorf("%w: run plan chunk sizes must be >= 1", types.ErrInvalidConfig)
	}
	return c.progress.begin(plan, c.now())
}

// Progress returns the persisted run, or nil when no run is in progress.
func (c *Cache) Progress(ctx context.Context) (*types.RunProgress, error) {
	return c.progress.load()
}

// MarkChunkComplete checkpoints chunk. Calling it twice for the same chunk
// is harmless.
func (c *Cache) MarkChunkComplete(ctx context.Context, chunk types.Chunk) error {
	return c.progress.markComplete(chunk, c.now())
}

// RecordSizeAdjustment appends to the run's adjustment log.
func (c *Cache) RecordSizeAdjustment(ctx context.Context, adj types.SizeAdjustment) error {
	return c.progress.recordAdjustment(adj, c.now())
}

// PendingChunks replays the persisted plan and returns the chunks not yet
// checkpointed, with the same boundaries the original run used.
func (c *Cache) PendingChunks(ctx context.Context) ([]types.Chunk, error) {
	p, err := c.progress.load()
	if err != nil || p == nil {
		return nil, err
	}
	return pendingChunks(p)
}

func pendingChunks(p *types.RunProgress) ([]types.Chunk, error) {
	chunks, err := planner.Plan(p.Files,
		planner.Config{BaseSize: p.BaseChunkSize, MinSize: p.MinChunkSize},
		p.Completed, p.Adjustments)
	if err != nil {
		return nil, fmt.Errorf("%w: run %s cannot be replayed: %v", types.ErrCacheCorrupt, p.RunID, err)
	}
	return chunks, nil
}

// ClearProgress removes the persisted run.
func (c *Cache) ClearProgress(ctx context.Context) error {
	return c.progress.clear()
}

// Stats summarizes both artifacts.
func (c *Cache) Stats(ctx context.Context) (*types.CacheStats, error) {
	rs, err := c.records.stats(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := c.records.meta(ctx)
	if err != nil {
		return nil, err
	}

	stats := &types.CacheStats{
		Entries:         rs.entries,
		TotalBytes:      rs.totalBytes,
		Dimension:       meta.Dimension,
		Model:           meta.Model,
		OldestIndexedAt: rs.oldest,
		NewestIndexedAt: rs.newest,
		RecordsFile:     filepath.Join(c.dir, RecordsFile),
		RecordsFileSize: rs.fileSize,
		ProgressFile:    filepath.Join(c.dir, ProgressFile),
	}
	if stats.Roots, err = c.records.rootStats(ctx, meta.Roots); err != nil {
		return nil, err
	}
	if !meta.LastIndexedAt.IsZero() {
		t := meta.LastIndexedAt
		stats.LastIndexedAt = &t
	}

	p, err := c.progress.load()
	if err != nil {
		return nil, err
	}
	if p != nil {
		stats.ProgressExists = true
		chunks, err := pendingChunks(p)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			stats.PendingFiles += len(ch.Files)
		}
		stats.CanResume = stats.PendingFiles > 0
	}
	return stats, nil
}

// Clear removes every record, all metadata and the persisted run.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.records.clear(ctx); err != nil {
		return err
	}
	c.generation.Add(1)
	if err := c.progress.clear(); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	c.logger.Info("cache cleared", "dir", c.dir)
	return nil
}

// Close flushes and closes both artifacts and releases the directory lock.
func (c *Cache) Close() error {
	var errs []error
	if c.progress != nil {
		errs = append(errs, c.progress.Close())
	}
	if c.records != nil {
		errs = append(errs, c.records.Close())
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Unlock())
	}
	return errors.Join(errs...)
}
