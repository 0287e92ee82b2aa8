package types

import (
	"fmt"
	"time"
)

// FileRef is a candidate image produced by a scanner.
type FileRef struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Fingerprint returns the freshness signature of the file.
func (f FileRef) Fingerprint() Fingerprint {
	return Fingerprint{Size: f.Size, ModTime: f.ModTime}
}

// Fingerprint is the part of a file's metadata used to decide whether a
// cached embedding is still valid.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

// Matches reports whether two fingerprints describe the same file version.
// Modification times are compared at nanosecond precision after stripping
// the monotonic clock reading.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// EmbeddingRecord is one cached embedding, keyed by Path.
type EmbeddingRecord struct {
	Path      string    `json:"path"`
	Vector    []float32 `json:"vector"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Fingerprint returns the freshness signature stored with the record.
func (r *EmbeddingRecord) Fingerprint() Fingerprint {
	return Fingerprint{Size: r.Size, ModTime: r.ModTime}
}

// Validate checks if the record is valid
func (r *EmbeddingRecord) Validate() error {
	if r.Path == "" {
		return ErrEmptyPath
	}
	if len(r.Vector) == 0 {
		return fmt.Errorf("%s: %w", r.Path, ErrEmptyVector)
	}
	return nil
}

// QueryResult is one ranked search hit.
type QueryResult struct {
	Path       string    `json:"path"`
	Root       string    `json:"root,omitempty"` // dataset root the file was found under
	Similarity float64   `json:"similarity"`
	Rank       int       `json:"rank"`
	ModTime    time.Time `json:"mod_time"`
	Size       int64     `json:"size"`
}

// Validate checks if the query result is valid
func (q *QueryResult) Validate() error {
	if q.Path == "" {
		return ErrEmptyPath
	}
	if q.Rank < 1 {
		return ErrInvalidRank
	}
	if q.Similarity < -1 || q.Similarity > 1 {
		return ErrInvalidSimilarity
	}
	return nil
}
