package types

import (
	"sort"
	"time"
)

// Chunk is an ordered slice of the run's target files.
// Seq is 0-based and Start is the offset of Files[0] in the target list.
type Chunk struct {
	Seq   int       `json:"seq"`
	Start int       `json:"start"`
	Files []FileRef `json:"files"`
}

// End returns the offset one past the last file of the chunk.
func (c Chunk) End() int {
	return c.Start + len(c.Files)
}

// SizeAdjustment sets the chunk size for every chunk with sequence number
// >= FromSeq, until a later adjustment overrides it.
type SizeAdjustment struct {
	FromSeq  int      `json:"from_seq"`
	Size     int      `json:"size"`
	Severity Severity `json:"severity"`
}

// RunPlan is what the pipeline persists before processing the first chunk.
type RunPlan struct {
	RunID         string
	Roots         []string
	BaseChunkSize int
	MinChunkSize  int
	Files         []FileRef
}

// RunProgress is the durable progress cursor of an in-progress run.
type RunProgress struct {
	RunID         string           `json:"run_id"`
	Roots         []string         `json:"roots"`
	BaseChunkSize int              `json:"base_chunk_size"`
	MinChunkSize  int              `json:"min_chunk_size"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Files         []FileRef        `json:"-"`
	Completed     []int            `json:"-"`
	Adjustments   []SizeAdjustment `json:"adjustments"`
}

// IsCompleted reports whether the chunk with sequence number seq has been
// checkpointed.
func (p *RunProgress) IsCompleted(seq int) bool {
	i := sort.SearchInts(p.Completed, seq)
	return i < len(p.Completed) && p.Completed[i] == seq
}

// CacheState is the loaded view of the cache.
type CacheState struct {
	Dimension int
	Model     string
	Roots     []string
	Records   map[string]EmbeddingRecord
	Progress  *RunProgress
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Entries         int         `json:"entries"`
	TotalBytes      int64       `json:"total_bytes"`
	Dimension       int         `json:"dimension"`
	Model           string      `json:"model,omitempty"`
	Roots           []RootStats `json:"roots,omitempty"`
	OldestIndexedAt *time.Time  `json:"oldest_indexed_at,omitempty"`
	NewestIndexedAt *time.Time  `json:"newest_indexed_at,omitempty"`
	LastIndexedAt   *time.Time  `json:"last_indexed_at,omitempty"`
	RecordsFile     string      `json:"records_file"`
	RecordsFileSize int64       `json:"records_file_size"`
	ProgressFile    string      `json:"progress_file"`
	ProgressExists  bool        `json:"progress_exists"`
	CanResume       bool        `json:"can_resume"`
	PendingFiles    int         `json:"pending_files"`
}

// Indexed reports whether the cache is bound to a dataset.
func (s *CacheStats) Indexed() bool {
	return len(s.Roots) > 0
}

// RootStats counts the records below one dataset root.
type RootStats struct {
	Root       string `json:"root"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
}

// Severity is the memory pressure level of a sample.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemorySample is a point-in-time reading of system memory.
type MemorySample struct {
	AvailableBytes uint64   `json:"available_bytes"`
	TotalBytes     uint64   `json:"total_bytes"`
	UsedFraction   float64  `json:"used_fraction"`
	Severity       Severity `json:"severity"`
}
