// Package types provides shared type definitions for the image search index.
//
// This package defines the data model passed between the scanner, the chunk
// planner, the indexing pipeline, the embedding cache and the search engine.
//
// # Core Types
//
// FileRef identifies an image on disk as produced by a scanner. Two refs
// describe the same file version when Path and ModTime match:
//
//	ref := types.FileRef{
//	    Path:    "/photos/2024/beach.jpg",
//	    Size:    482113,
//	    ModTime: info.ModTime(),
//	}
//
// EmbeddingRecord is the cached result of embedding one file:
//
//	rec := types.EmbeddingRecord{
//	    Path:      ref.Path,
//	    Vector:    vec,
//	    Size:      ref.Size,
//	    ModTime:   ref.ModTime,
//	    IndexedAt: time.Now(),
//	}
//
// # Run Progress
//
// A run is an ordered list of target files split into chunks. RunProgress
// stores the target list, the sequence numbers of completed chunks and the
// log of chunk size adjustments. Pending work is always derived from these
// three values, so completed and pending chunks can never overlap.
//
// # Memory Severity
//
// Severity orders memory pressure levels. SeverityCritical compares greater
// than SeverityWarning, which compares greater than SeverityNormal:
//
//	if sample.Severity >= types.SeverityWarning {
//	    // shrink the next chunk
//	}
//
// # Validation
//
// Records and query results implement Validate to guard data integrity at
// storage and transport boundaries:
//
//	if err := rec.Validate(); err != nil {
//	    return err
//	}
package types
