package types

import (
	"errors"
	"fmt"
)

// Domain errors shared across packages
var (
	// Cache errors
	ErrCacheCorrupt      = errors.New("cache is corrupt")
	ErrCacheLocked       = errors.New("cache is locked by another process")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrRootMismatch      = errors.New("cache belongs to a different root")
	ErrModelMismatch     = errors.New("cache was built with a different embedding model")

	// Pipeline errors
	ErrScannerFailure     = errors.New("scanner failed")
	ErrIndexingInProgress = errors.New("indexing already in progress")
	ErrUnreadableImage    = errors.New("unreadable image")

	// Query and configuration errors
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Record validation errors
	ErrEmptyPath         = errors.New("path cannot be empty")
	ErrEmptyVector       = errors.New("vector cannot be empty")
	ErrInvalidRank       = errors.New("rank must be >= 1")
	ErrInvalidSimilarity = errors.New("similarity must be between -1 and 1")
)

// FileError records a failure to embed a single file.
// It never aborts a chunk; the pipeline counts and reports it.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
