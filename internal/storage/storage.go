package storage

import (
	"errors"
	"log/slog"
	"time"
)

const (
	// RecordsFile holds embedding records and cache metadata.
	RecordsFile = "embeddings.db"
	// ProgressFile holds the progress cursor of an in-progress run.
	ProgressFile = "progress.db"
	// LockFile serializes access to a cache directory across processes.
	LockFile = "cache.lock"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrNoRun is returned by progress writes when no run has been started
	ErrNoRun = errors.New("no run in progress")
)

// Options configures Open.
type Options struct {
	// LockTimeout bounds how long Open waits for the directory lock.
	// Zero means a single attempt.
	LockTimeout time.Duration
	// BoltTimeout bounds how long bbolt waits for its own file lock.
	BoltTimeout time.Duration
	Logger      *slog.Logger
	// Clock stamps progress writes. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BoltTimeout == 0 {
		o.BoltTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Meta is the cache-level metadata stored beside the records.
type Meta struct {
	Dimension     int
	Model         string
	Roots         []string // sorted; empty until the first run binds the cache
	LastIndexedAt time.Time
}

// Bound reports whether a dataset has been bound to the cache.
func (m Meta) Bound() bool {
	return len(m.Roots) > 0
}

const (
	metaDimension     = "dimension"
	metaModel         = "model"
	metaRoots         = "roots"
	metaLegacyRoot    = "root" // single root written by older versions
	metaLastIndexedAt = "last_indexed_at"
)
