// Package planner splits an ordered file list into chunks whose size can be
// reduced between chunks without changing the boundaries of chunks already
// handed out.
package planner

import (
	"fmt"
	"sort"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

const (
	// DefaultBaseSize is the chunk size used when Config.BaseSize is zero.
	DefaultBaseSize = 5000
	// DefaultMinSize is the floor for memory-driven shrinking.
	DefaultMinSize = 100
)

// Config holds planner sizing.
type Config struct {
	BaseSize int
	MinSize  int
}

func (c Config) withDefaults() (Config, error) {
	if c.BaseSize == 0 {
		c.BaseSize = DefaultBaseSize
	}
	if c.MinSize == 0 {
		c.MinSize = DefaultMinSize
	}
	if c.BaseSize < 1 {
		return c, fmt.Errorf("%w: base chunk size must be >= 1, got %d", types.ErrInvalidConfig, c.BaseSize)
	}
	if c.MinSize < 1 {
		return c, fmt.Errorf("%w: min chunk size must be >= 1, got %d", types.ErrInvalidConfig, c.MinSize)
	}
	return c, nil
}

// Planner hands out chunks in order. Chunk boundaries are a pure function of
// the file list, the base size and the adjustment log.
type Planner struct {
	files       []types.FileRef
	cfg         Config
	adjustments []types.SizeAdjustment
	completed   map[int]bool

	nextSeq int
	offset  int
}

// New creates a planner over files. The slice is copied.
func New(files []types.FileRef, cfg Config) (*Planner, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	owned := make([]types.FileRef, len(files))
	copy(owned, files)
	return &Planner{
		files:     owned,
		cfg:       cfg,
		completed: make(map[int]bool),
	}, nil
}

// Restore replays a persisted adjustment log and marks completed chunks so
// that Next skips them. It must be called before the first Next.
func (p *Planner) Restore(completed []int, adjustments []types.SizeAdjustment) error {
	if p.nextSeq != 0 {
		return fmt.Errorf("restore after planning started")
	}
	adj, err := normalizeAdjustments(adjustments)
	if err != nil {
		return err
	}
	p.adjustments = adj

	total := p.EstimatedChunks()
	p.completed = make(map[int]bool, len(completed))
	for _, seq := range completed {
		if seq < 0 || seq >= total {
			return fmt.Errorf("completed chunk %d out of range [0,%d)", seq, total)
		}
		p.completed[seq] = true
	}
	return nil
}

// Next returns the next pending chunk, or false when none remain.
func (p *Planner) Next() (types.Chunk, bool) {
	for p.offset < len(p.files) {
		seq := p.nextSeq
		end := min(p.offset+p.sizeAt(seq), len(p.files))
		chunk := types.Chunk{
			Seq:   seq,
			Start: p.offset,
			Files: p.files[p.offset:end:end],
		}
		p.nextSeq++
		p.offset = end
		if p.completed[seq] {
			continue
		}
		return chunk, true
	}
	return types.Chunk{}, false
}

// Shrink reduces the size of the next chunk not yet handed out and of every
// chunk after it. Warning halves the current size and Critical quarters it,
// never going below the configured minimum. It reports false when the size
// did not change.
func (p *Planner) Shrink(sev types.Severity) (types.SizeAdjustment, bool) {
	current := p.sizeAt(p.nextSeq)
	var size int
	switch sev {
	case types.SeverityWarning:
		size = current / 2
	case types.SeverityCritical:
		size = current / 4
	default:
		return types.SizeAdjustment{}, false
	}
	size = max(size, p.cfg.MinSize, 1)
	if size >= current {
		return types.SizeAdjustment{}, false
	}

	adj := types.SizeAdjustment{FromSeq: p.nextSeq, Size: size, Severity: sev}
	p.adjustments = appendAdjustment(p.adjustments, adj)
	return adj, true
}

// CurrentSize returns the size the next chunk will have.
func (p *Planner) CurrentSize() int {
	return p.sizeAt(p.nextSeq)
}

// Adjustments returns a copy of the adjustment log.
func (p *Planner) Adjustments() []types.SizeAdjustment {
	out := make([]types.SizeAdjustment, len(p.adjustments))
	copy(out, p.adjustments)
	return out
}

// Remaining returns the number of files in pending chunks that have not been
// handed out yet.
func (p *Planner) Remaining() int {
	remaining := 0
	offset, seq := p.offset, p.nextSeq
	for offset < len(p.files) {
		end := min(offset+p.sizeAt(seq), len(p.files))
		if !p.completed[seq] {
			remaining += end - offset
		}
		offset = end
		seq++
	}
	return remaining
}

// RemainingChunks returns the number of pending chunks not handed out yet
// under the current adjustment log.
func (p *Planner) RemainingChunks() int {
	n := 0
	offset, seq := p.offset, p.nextSeq
	for offset < len(p.files) {
		offset = min(offset+p.sizeAt(seq), len(p.files))
		if !p.completed[seq] {
			n++
		}
		seq++
	}
	return n
}

// EstimatedChunks returns the total number of chunks in the plan under the
// current adjustment log, completed ones included.
func (p *Planner) EstimatedChunks() int {
	n := 0
	for offset := 0; offset < len(p.files); n++ {
		offset += p.sizeAt(n)
	}
	return n
}

func (p *Planner) sizeAt(seq int) int {
	size := p.cfg.BaseSize
	for _, adj := range p.adjustments {
		if adj.FromSeq > seq {
			break
		}
		size = adj.Size
	}
	return size
}

// Plan returns every pending chunk of files under the given completed set
// and adjustment log.
func Plan(files []types.FileRef, cfg Config, completed []int, adjustments []types.SizeAdjustment) ([]types.Chunk, error) {
	p, err := New(files, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Restore(completed, adjustments); err != nil {
		return nil, err
	}
	var chunks []types.Chunk
	for {
		c, ok := p.Next()
		if !ok {
			return chunks, nil
		}
		chunks = append(chunks, c)
	}
}

// normalizeAdjustments sorts by FromSeq. For duplicate FromSeq values the
// entry appearing last in the log wins.
func normalizeAdjustments(in []types.SizeAdjustment) ([]types.SizeAdjustment, error) {
	var out []types.SizeAdjustment
	for _, adj := range in {
		if adj.FromSeq < 0 {
			return nil, fmt.Errorf("%w: adjustment from negative seq %d", types.ErrInvalidConfig, adj.FromSeq)
		}
		if adj.Size < 1 {
			return nil, fmt.Errorf("%w: adjustment size must be >= 1, got %d", types.ErrInvalidConfig, adj.Size)
		}
		out = appendAdjustment(out, adj)
	}
	return out, nil
}

func appendAdjustment(log []types.SizeAdjustment, adj types.SizeAdjustment) []types.SizeAdjustment {
	i := sort.Search(len(log), func(i int) bool { return log[i].FromSeq >= adj.FromSeq })
	if i < len(log) && log[i].FromSeq == adj.FromSeq {
		log[i] = adj
		return log
	}
	log = append(log, types.SizeAdjustment{})
	copy(log[i+1:], log[i:])
	log[i] = adj
	return log
}
