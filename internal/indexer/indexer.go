package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/internal/memory"
	"github.com/gluonMaster/ImageSearchGPU/internal/planner"
	"github.com/gluonMaster/ImageSearchGPU/internal/scanner"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// DefaultEmbeddingTimeout bounds a single image embedding.
const DefaultEmbeddingTimeout = 30 * time.Second

// Store is the part of the embedding cache the pipeline writes to.
type Store interface {
	CheckBinding(ctx context.Context, roots []string, model string) (storage.Meta, error)
	BindRoots(ctx context.Context, roots []string, model string) error
	Fingerprints(ctx context.Context) (map[string]types.Fingerprint, error)
	Upsert(ctx context.Context, records []types.EmbeddingRecord) error
	Remove(ctx context.Context, paths []string) (int, error)
	BeginRun(ctx context.Context, plan types.RunPlan) (*types.RunProgress, error)
	Progress(ctx context.Context) (*types.RunProgress, error)
	MarkChunkComplete(ctx context.Context, chunk types.Chunk) error
	RecordSizeAdjustment(ctx context.Context, adj types.SizeAdjustment) error
	ClearProgress(ctx context.Context) error
	MarkIndexed(ctx context.Context, at time.Time) error
}

var _ Store = (*storage.Cache)(nil)

// Dependencies are the collaborators of an Indexer. Store, Embedder and
// Scanner are required.
type Dependencies struct {
	Store    Store
	Embedder embedder.Embedder
	Scanner  scanner.Scanner
	Sampler  memory.Sampler // nil disables adaptive sizing
	Logger   *slog.Logger
	ReadFile func(path string) ([]byte, error) // default os.ReadFile
	Now      func() time.Time                  // default time.Now
}

// Config contains configuration for the indexer
type Config struct {
	ChunkSize        int           // Files per chunk (default: 5000)
	MinChunkSize     int           // Floor for memory-driven shrinking (default: 100)
	Workers          int           // Concurrent embeddings per chunk (default: runtime.NumCPU())
	EmbeddingTimeout time.Duration // Per-file embedding limit (default: 30s)
}

func (c Config) withDefaults() (Config, error) {
	if c.ChunkSize == 0 {
		c.ChunkSize = planner.DefaultBaseSize
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = planner.DefaultMinSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.EmbeddingTimeout == 0 {
		c.EmbeddingTimeout = DefaultEmbeddingTimeout
	}
	if c.ChunkSize < 1 || c.MinChunkSize < 1 {
		return c, fmt.Errorf("%w: chunk sizes must be >= 1", types.ErrInvalidConfig)
	}
	if c.EmbeddingTimeout < 0 {
		return c, fmt.Errorf("%w: embedding timeout must be positive", types.ErrInvalidConfig)
	}
	return c, nil
}

// Request describes one indexing run. Root and Roots together name the
// dataset; the cache accepts only the set it was first indexed with.
type Request struct {
	Root  string
	Roots []string
	// Subdir restricts the scan to a directory below one of the roots. A
	// relative Subdir needs a single root. Partial scans never prune cache
	// entries.
	Subdir string
	// Progress is called after every checkpoint.
	Progress func(Progress)
}

// Progress is reported after each chunk is checkpointed.
type Progress struct {
	RunID       string
	Chunk       int // chunks checkpointed so far in this call
	TotalChunks int
	FilesDone   int
	FilesTotal  int
	Severity    types.Severity
}

// StopReason explains a Cancelled run.
type StopReason string

const (
	StopReasonNone   StopReason = ""
	StopReasonUser   StopReason = "user"
	StopReasonMemory StopReason = "memory"
)

// Statistics contains statistics about the indexing operation
type Statistics struct {
	FilesScanned    int
	FilesSkipped    int // unchanged since they were last indexed
	FilesIndexed    int
	FilesFailed     int
	FilesPruned     int
	FilesResumed    int // pending files taken over from an interrupted run
	ChunksProcessed int
	SizeAdjustments int
	Duration        time.Duration
}

// Result is the outcome of Run.
type Result struct {
	RunID      string
	State      State
	StopReason StopReason
	Stats      Statistics
	Failures   []types.FileError
}

// Indexer coordinates the indexing pipeline: scan -> diff -> plan -> embed
// chunk -> checkpoint.
type Indexer struct {
	store    Store
	embedder embedder.Embedder
	scanner  scanner.Scanner
	sampler  memory.Sampler
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
	now      func() time.Time

	cfg  Config
	lock runLock
}

// New creates a new Indexer instance
func New(deps Dependencies, cfg Config) (*Indexer, error) {
	if deps.Store == nil || deps.Embedder == nil || deps.Scanner == nil {
		return nil, fmt.Errorf("%w: store, embedder and scanner are required", types.ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if cfg.MinChunkSize > cfg.ChunkSize {
		cfg.MinChunkSize = cfg.ChunkSize
	}

	idx := &Indexer{
		store:    deps.Store,
		embedder: deps.Embedder,
		scanner:  deps.Scanner,
		sampler:  deps.Sampler,
		logger:   deps.Logger,
		readFile: deps.ReadFile,
		now:      deps.Now,
		cfg:      cfg,
	}
	if idx.logger == nil {
		idx.logger = slog.Default()
	}
	if idx.readFile == nil {
		idx.readFile = os.ReadFile
	}
	if idx.now == nil {
		idx.now = time.Now
	}
	return idx, nil
}

// State returns the current pipeline state, or the terminal state of the
// last run.
func (idx *Indexer) State() State {
	return idx.lock.get()
}

// Config returns the effective configuration.
func (idx *Indexer) Config() Config {
	return idx.cfg
}

// Run indexes the roots of req. A Cancelled run, whether stopped by the caller or by
// critical memory pressure, returns a nil error; the cache is consistent up
// to the last checkpoint and the next Run resumes from there. Failed runs
// return the Result together with the error.
func (idx *Indexer) Run(ctx context.Context, req Request) (*Result, error) {
	if !idx.lock.tryAcquire() {
		return nil, types.ErrIndexingInProgress
	}
	defer idx.lock.release()

	start := time.Now()
	r := &run{Indexer: idx, req: req, res: &Result{}}
	err := r.execute(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = r.stop(StopReasonUser)
	}
	r.res.Stats.Duration = time.Since(start)
	idx.lock.set(r.res.State)

	attrs := []any{
		"run_id", r.res.RunID,
		"state", r.res.State.String(),
		"indexed", r.res.Stats.FilesIndexed,
		"skipped", r.res.Stats.FilesSkipped,
		"failed", r.res.Stats.FilesFailed,
		"pruned", r.res.Stats.FilesPruned,
		"chunks", r.res.Stats.ChunksProcessed,
		"duration", r.res.Stats.Duration,
	}
	switch r.res.State {
	case StateFailed:
		idx.logger.Error("indexing failed", append(attrs, "error", err)...)
	case StateCancelled:
		idx.logger.Warn("indexing cancelled", append(attrs, "reason", string(r.res.StopReason))...)
	default:
		idx.logger.Info("indexing completed", attrs...)
	}
	return r.res, err
}

// run holds the state of one Run call.
type run struct {
	*Indexer
	req Request
	res *Result

	roots     []string
	dimension int

	filesTotal  int
	filesDone   int
	laterChunks int // estimated chunks of phases not started yet
}

func (r *run) fail(err error) error {
	r.res.State = StateFailed
	return err
}

func (r *run) stop(reason StopReason) error {
	r.res.State = StateCancelled
	r.res.StopReason = reason
	return nil
}

func (r *run) execute(ctx context.Context) error {
	if ctx.Err() != nil {
		return r.stop(StopReasonUser)
	}
	r.lock.set(StateScanning)

	roots, scanDirs, err := resolveRoots(r.req)
	if err != nil {
		return r.fail(err)
	}
	r.roots = roots

	// The binding is only checked here and written after scan and diff, so a
	// failed scan leaves the cache untouched.
	model := r.embedder.Model()
	meta, err := r.store.CheckBinding(ctx, roots, model)
	if err != nil {
		return r.fail(err)
	}
	r.dimension = r.embedder.Dimension()
	if meta.Dimension > 0 && meta.Dimension != r.dimension {
		return r.fail(fmt.Errorf("%w: cache has dimension %d, embedder produces %d",
			types.ErrDimensionMismatch, meta.Dimension, r.dimension))
	}

	var files []types.FileRef
	for _, dir := range scanDirs {
		found, err := r.scanner.Scan(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				return r.stop(StopReasonUser)
			}
			return r.fail(fmt.Errorf("%w: %v", types.ErrScannerFailure, err))
		}
		files = append(files, found...)
	}
	r.res.Stats.FilesScanned = len(files)

	work, err := r.diff(ctx, files)
	if err != nil {
		return r.fail(err)
	}
	if err := r.store.BindRoots(ctx, roots, model); err != nil {
		return r.fail(err)
	}
	if ctx.Err() != nil {
		return r.stop(StopReasonUser)
	}

	r.lock.set(StatePlanning)
	resumed, fresh, err := r.plan(ctx, work)
	if err != nil {
		return r.fail(err)
	}

	carry := types.SeverityNormal
	if resumed != nil {
		r.laterChunks = ceilDiv(len(fresh), r.cfg.ChunkSize)
		var reason StopReason
		carry, reason, err = r.processRun(ctx, resumed.RunID, resumed.planner)
		if err != nil {
			return r.fail(err)
		}
		if reason != StopReasonNone {
			return r.stop(reason)
		}
		if err := r.store.ClearProgress(context.WithoutCancel(ctx)); err != nil {
			return r.fail(err)
		}
	}

	if len(fresh) > 0 {
		if ctx.Err() != nil {
			return r.stop(StopReasonUser)
		}
		r.laterChunks = 0
		runID := uuid.NewString()
		r.res.RunID = runID
		if _, err := r.store.BeginRun(ctx, types.RunPlan{
			RunID:         runID,
			Roots:         r.roots,
			BaseChunkSize: r.cfg.ChunkSize,
			MinChunkSize:  r.cfg.MinChunkSize,
			Files:         fresh,
		}); err != nil {
			return r.fail(err)
		}
		p, err := planner.New(fresh, planner.Config{BaseSize: r.cfg.ChunkSize, MinSize: r.cfg.MinChunkSize})
		if err != nil {
			return r.fail(err)
		}
		r.logger.Info("indexing run planned",
			"run_id", runID, "files", len(fresh), "chunks", p.EstimatedChunks(), "chunk_size", r.cfg.ChunkSize)

		// Pressure seen after the last chunk of the resumed run applies here.
		if carry != types.SeverityNormal {
			if err := r.shrink(ctx, p, carry); err != nil {
				return r.fail(err)
			}
			if carry == types.SeverityCritical {
				return r.stop(StopReasonMemory)
			}
		}

		_, reason, err := r.processRun(ctx, runID, p)
		if err != nil {
			return r.fail(err)
		}
		if reason != StopReasonNone {
			return r.stop(reason)
		}
		if err := r.store.ClearProgress(context.WithoutCancel(ctx)); err != nil {
			return r.fail(err)
		}
	}

	if err := r.store.MarkIndexed(context.WithoutCancel(ctx), r.now()); err != nil {
		return r.fail(err)
	}
	r.res.State = StateCompleted
	return nil
}

// diff returns the scanned files that are new or changed, in scan order, and
// prunes vanished files when every root was scanned in full.
func (r *run) diff(ctx context.Context, files []types.FileRef) ([]types.FileRef, error) {
	known, err := r.store.Fingerprints(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(files))
	var work []types.FileRef
	for _, f := range files {
		seen[f.Path] = struct{}{}
		if fp, ok := known[f.Path]; ok && fp.Matches(f.Fingerprint()) {
			r.res.Stats.FilesSkipped++
			continue
		}
		work = append(work, f)
	}

	if r.req.Subdir != "" {
		return work, nil
	}

	var stale []string
	for path := range known {
		if _, ok := seen[path]; !ok {
			stale = append(stale, path)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		n, err := r.store.Remove(ctx, stale)
		if err != nil {
			return nil, fmt.Errorf("prune vanished files: %w", err)
		}
		r.res.Stats.FilesPruned = n
		r.logger.Info("pruned vanished files", "count", n)
	}
	return work, nil
}

type resumedRun struct {
	RunID   string
	planner *planner.Planner
}

// plan resumes an interrupted run with its persisted boundaries and returns
// the rest of the work set as fresh files.
func (r *run) plan(ctx context.Context, work []types.FileRef) (*resumedRun, []types.FileRef, error) {
	prior, err := r.store.Progress(ctx)
	if err != nil {
		return nil, nil, err
	}
	if prior == nil {
		r.filesTotal = len(work)
		return nil, work, nil
	}
	if !types.SameRoots(prior.Roots, r.roots) {
		return nil, nil, fmt.Errorf("%w: interrupted run belongs to %s",
			types.ErrRootMismatch, strings.Join(prior.Roots, ", "))
	}

	cfg := planner.Config{BaseSize: prior.BaseChunkSize, MinSize: prior.MinChunkSize}
	pending, err := planner.Plan(prior.Files, cfg, prior.Completed, prior.Adjustments)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: run %s cannot be replayed: %v", types.ErrCacheCorrupt, prior.RunID, err)
	}
	if len(pending) == 0 {
		// Every chunk was checkpointed but the run was never closed.
		if err := r.store.ClearProgress(ctx); err != nil {
			return nil, nil, err
		}
		r.filesTotal = len(work)
		return nil, work, nil
	}

	p, err := planner.New(prior.Files, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Restore(prior.Completed, prior.Adjustments); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrCacheCorrupt, err)
	}

	inPlan := make(map[string]struct{})
	for _, ch := range pending {
		for _, f := range ch.Files {
			inPlan[f.Path] = struct{}{}
		}
	}
	fresh := make([]types.FileRef, 0, len(work))
	for _, f := range work {
		if _, ok := inPlan[f.Path]; !ok {
			fresh = append(fresh, f)
		}
	}

	r.res.RunID = prior.RunID
	r.res.Stats.FilesResumed = len(inPlan)
	r.filesTotal = len(inPlan) + len(fresh)
	r.logger.Info("resuming interrupted run",
		"run_id", prior.RunID, "pending_chunks", len(pending), "pending_files", len(inPlan),
		"completed_chunks", len(prior.Completed))
	return &resumedRun{RunID: prior.RunID, planner: p}, fresh, nil
}

// processRun embeds and checkpoints chunks until the planner is drained or a
// stop is requested. A non-Normal severity sampled after the final chunk is
// returned for the next run to act on.
func (r *run) processRun(ctx context.Context, runID string, p *planner.Planner) (types.Severity, StopReason, error) {
	durable := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return types.SeverityNormal, StopReasonUser, nil
		}
		chunk, ok := p.Next()
		if !ok {
			return types.SeverityNormal, StopReasonNone, nil
		}

		r.lock.set(StateProcessingChunk)
		records, failures := r.embedChunk(ctx, chunk)

		r.lock.set(StateCheckpointing)
		if len(records) > 0 {
			if err := r.store.Upsert(durable, records); err != nil {
				return 0, StopReasonNone, fmt.Errorf("checkpoint chunk %d: %w", chunk.Seq, err)
			}
		}
		if err := r.store.MarkChunkComplete(durable, chunk); err != nil {
			return 0, StopReasonNone, fmt.Errorf("checkpoint chunk %d: %w", chunk.Seq, err)
		}

		r.res.Stats.ChunksProcessed++
		r.res.Stats.FilesIndexed += len(records)
		r.res.Stats.FilesFailed += len(failures)
		r.res.Failures = append(r.res.Failures, failures...)
		r.filesDone += len(chunk.Files)
		records = nil
		debug.FreeOSMemory()

		sev := r.sample(durable)
		more := p.RemainingChunks() > 0
		if more && sev != types.SeverityNormal {
			if err := r.shrink(durable, p, sev); err != nil {
				return 0, StopReasonNone, err
			}
		}

		r.report(runID, p, sev)
		r.logger.Debug("chunk checkpointed",
			"run_id", runID, "seq", chunk.Seq, "files", len(chunk.Files), "failed", len(failures),
			"severity", sev.String())

		if !more {
			return sev, StopReasonNone, nil
		}
		if sev == types.SeverityCritical {
			return types.SeverityNormal, StopReasonMemory, nil
		}
	}
}

// shrink reduces the chunk size for the rest of the run and persists the
// adjustment so a resumed run plans the same boundaries.
func (r *run) shrink(ctx context.Context, p *planner.Planner, sev types.Severity) error {
	adj, ok := p.Shrink(sev)
	if !ok {
		r.logger.Warn("memory pressure at minimum chunk size", "severity", sev.String(), "size", p.CurrentSize())
		return nil
	}
	if err := r.store.RecordSizeAdjustment(context.WithoutCancel(ctx), adj); err != nil {
		return fmt.Errorf("persist size adjustment: %w", err)
	}
	r.res.Stats.SizeAdjustments++
	r.logger.Warn("memory pressure, shrinking chunks",
		"severity", sev.String(), "from_seq", adj.FromSeq, "size", adj.Size)
	return nil
}

// sample polls the memory monitor. Monitoring is advisory: a failed read
// counts as Normal.
func (r *run) sample(ctx context.Context) types.Severity {
	if r.sampler == nil {
		return types.SeverityNormal
	}
	s, err := r.sampler.Sample(ctx)
	if err != nil {
		r.logger.Warn("memory sample failed", "error", err)
		return types.SeverityNormal
	}
	return s.Severity
}

func (r *run) report(runID string, p *planner.Planner, sev types.Severity) {
	if r.req.Progress == nil {
		return
	}
	done := r.res.Stats.ChunksProcessed
	r.req.Progress(Progress{
		RunID:       runID,
		Chunk:       done,
		TotalChunks: done + p.RemainingChunks() + r.laterChunks,
		FilesDone:   r.filesDone,
		FilesTotal:  r.filesTotal,
		Severity:    sev,
	})
}

// embedChunk embeds every file of chunk on a bounded worker pool. Files
// already in flight are never cancelled by the caller; each one is bounded by
// the embedding timeout instead. Records keep the chunk's file order.
func (r *run) embedChunk(ctx context.Context, chunk types.Chunk) ([]types.EmbeddingRecord, []types.FileError) {
	work := context.WithoutCancel(ctx)
	results := make([]types.EmbeddingRecord, len(chunk.Files))
	errs := make([]error, len(chunk.Files))

	var g errgroup.Group
	g.SetLimit(max(1, min(r.cfg.Workers, len(chunk.Files))))
	for i, f := range chunk.Files {
		g.Go(func() error {
			results[i], errs[i] = r.embedFile(work, f)
			return nil
		})
	}
	_ = g.Wait()

	records := make([]types.EmbeddingRecord, 0, len(chunk.Files))
	var failures []types.FileError
	for i, f := range chunk.Files {
		if errs[i] != nil {
			failures = append(failures, types.FileError{Path: f.Path, Err: errs[i]})
			r.logger.Debug("skipping file", "path", f.Path, "error", errs[i])
			continue
		}
		records = append(records, results[i])
	}
	return records, failures
}

func (r *run) embedFile(ctx context.Context, f types.FileRef) (types.EmbeddingRecord, error) {
	data, err := r.readFile(f.Path)
	if err != nil {
		return types.EmbeddingRecord{}, fmt.Errorf("read: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.EmbeddingTimeout)
	defer cancel()

	type embedResult struct {
		vec []float32
		err error
	}
	done := make(chan embedResult, 1)
	go func() {
		vec, err := r.embedder.EmbedImage(ctx, data)
		done <- embedResult{vec, err}
	}()

	var res embedResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.EmbeddingRecord{}, fmt.Errorf("embedding timed out after %s: %w",
				r.cfg.EmbeddingTimeout, context.DeadlineExceeded)
		}
		return types.EmbeddingRecord{}, res.err
	}
	if len(res.vec) != r.dimension {
		return types.EmbeddingRecord{}, fmt.Errorf("%w: got %d, want %d",
			types.ErrDimensionMismatch, len(res.vec), r.dimension)
	}

	return types.EmbeddingRecord{
		Path:      f.Path,
		Vector:    res.vec,
		Size:      f.Size,
		ModTime:   f.ModTime,
		IndexedAt: r.now(),
	}, nil
}

// resolveRoots returns the sorted absolute dataset roots and the directories
// to scan. Roots may not nest.
func resolveRoots(req Request) ([]string, []string, error) {
	var roots []string
	for _, r := range append([]string{req.Root}, req.Roots...) {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve root: %w", err)
		}
		roots = append(roots, abs)
	}
	if len(roots) == 0 {
		return nil, nil, fmt.Errorf("%w: root is required", types.ErrInvalidConfig)
	}
	slices.Sort(roots)
	roots = slices.Compact(roots)
	for i, a := range roots {
		for _, b := range roots[i+1:] {
			if types.Contains(a, b) || types.Contains(b, a) {
				return nil, nil, fmt.Errorf("%w: roots %s and %s overlap", types.ErrInvalidConfig, a, b)
			}
		}
	}
	if req.Subdir == "" {
		return roots, roots, nil
	}

	sub := req.Subdir
	if !filepath.IsAbs(sub) {
		if len(roots) > 1 {
			return nil, nil, fmt.Errorf("%w: relative subdir %s is ambiguous with %d roots",
				types.ErrInvalidConfig, req.Subdir, len(roots))
		}
		sub = filepath.Join(roots[0], sub)
	}
	sub = filepath.Clean(sub)
	if types.RootOf(roots, sub) == "" {
		return nil, nil, fmt.Errorf("%w: %s is outside %s",
			types.ErrInvalidConfig, req.Subdir, strings.Join(roots, ", "))
	}
	return roots, []string{sub}, nil
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
