package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

var (
	bucketRun       = []byte("run")
	bucketFiles     = []byte("files")
	bucketCompleted = []byte("completed")

	keyHeader = []byte("header")
)

// completedChunk is the value stored per checkpointed chunk.
type completedChunk struct {
	Start       int       `json:"start"`
	End         int       `json:"end"`
	CompletedAt time.Time `json:"completed_at"`
}

// progressStore persists the cursor of one in-progress run. Every write is a
// single bbolt transaction, so a reader sees either the previous or the next
// checkpoint and never a mix.
type progressStore struct {
	db *bbolt.DB
}

func newProgressStore(path string, timeout time.Duration) (*progressStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &progressStore{db: db}, nil
}

func (s *progressStore) Close() error {
	return s.db.Close()
}

func seqKey(n int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func keySeq(b []byte) (int, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid key length %d", len(b))
	}
	return int(binary.BigEndian.Uint64(b)), nil
}

// begin replaces any previous run with plan.
func (s *progressStore) begin(plan types.RunPlan, now time.Time) (*types.RunProgress, error) {
	p := &types.RunProgress{
		RunID:         plan.RunID,
		Roots:         append([]string(nil), plan.Roots...),
		BaseChunkSize: plan.BaseChunkSize,
		MinChunkSize:  plan.MinChunkSize,
		CreatedAt:     now,
		UpdatedAt:     now,
		Files:         append([]types.FileRef(nil), plan.Files...),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteRunBuckets(tx); err != nil {
			return err
		}
		run, err := tx.CreateBucket(bucketRun)
		if err != nil {
			return err
		}
		files, err := tx.CreateBucket(bucketFiles)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketCompleted); err != nil {
			return err
		}
		// keys are written in ascending order
		files.FillPercent = 1.0
		for i, f := range p.Files {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := files.Put(seqKey(i), data); err != nil {
				return err
			}
		}
		return putHeader(run, p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist run plan: %w", err)
	}
	return p, nil
}

// load returns the persisted run, or nil when there is none.
func (s *progressStore) load() (*types.RunProgress, error) {
	var p *types.RunProgress
	err := s.db.View(func(tx *bbolt.Tx) error {
		run := tx.Bucket(bucketRun)
		if run == nil {
			return nil
		}
		data := run.Get(keyHeader)
		if data == nil {
			return nil
		}

		var header types.RunProgress
		if err := json.Unmarshal(data, &header); err != nil {
			return fmt.Errorf("%w: run header: %v", types.ErrCacheCorrupt, err)
		}

		files := tx.Bucket(bucketFiles)
		completed := tx.Bucket(bucketCompleted)
		if files == nil || completed == nil {
			return fmt.Errorf("%w: run %s is missing buckets", types.ErrCacheCorrupt, header.RunID)
		}

		err := files.ForEach(func(k, v []byte) error {
			i, err := keySeq(k)
			if err != nil || i != len(header.Files) {
				return fmt.Errorf("%w: file list is not contiguous at %d", types.ErrCacheCorrupt, len(header.Files))
			}
			var f types.FileRef
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("%w: file %d: %v", types.ErrCacheCorrupt, i, err)
			}
			header.Files = append(header.Files, f)
			return nil
		})
		if err != nil {
			return err
		}

		err = completed.ForEach(func(k, v []byte) error {
			seq, err := keySeq(k)
			if err != nil {
				return fmt.Errorf("%w: completed chunk key: %v", types.ErrCacheCorrupt, err)
			}
			var c completedChunk
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("%w: completed chunk %d: %v", types.ErrCacheCorrupt, seq, err)
			}
			if c.Start < 0 || c.End > len(header.Files) || c.Start > c.End {
				return fmt.Errorf("%w: completed chunk %d covers [%d,%d) of %d files",
					types.ErrCacheCorrupt, seq, c.Start, c.End, len(header.Files))
			}
			header.Completed = append(header.Completed, seq)
			return nil
		})
		if err != nil {
			return err
		}
		sort.Ints(header.Completed)
		p = &header
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// markComplete records chunk as checkpointed. Re-marking is a no-op overwrite.
func (s *progressStore) markComplete(chunk types.Chunk, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		run, completed, files := tx.Bucket(bucketRun), tx.Bucket(bucketCompleted), tx.Bucket(bucketFiles)
		if run == nil || completed == nil || files == nil {
			return ErrNoRun
		}
		if chunk.Seq < 0 || chunk.Start < 0 || (chunk.End() > 0 && files.Get(seqKey(chunk.End()-1)) == nil) {
			return fmt.Errorf("chunk %d [%d,%d) is outside the run", chunk.Seq, chunk.Start, chunk.End())
		}
		data, err := json.Marshal(completedChunk{Start: chunk.Start, End: chunk.End(), CompletedAt: now})
		if err != nil {
			return err
		}
		if err := completed.Put(seqKey(chunk.Seq), data); err != nil {
			return err
		}
		return touchHeader(run, now, nil)
	})
}

// recordAdjustment appends adj to the run's adjustment log, replacing an
// entry with the same FromSeq.
func (s *progressStore) recordAdjustment(adj types.SizeAdjustment, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		run := tx.Bucket(bucketRun)
		if run == nil {
			return ErrNoRun
		}
		return touchHeader(run, now, func(p *types.RunProgress) {
			for i := range p.Adjustments {
				if p.Adjustments[i].FromSeq == adj.FromSeq {
					p.Adjustments[i] = adj
					return
				}
			}
			p.Adjustments = append(p.Adjustments, adj)
			sort.Slice(p.Adjustments, func(i, j int) bool {
				return p.Adjustments[i].FromSeq < p.Adjustments[j].FromSeq
			})
		})
	})
}

func (s *progressStore) clear() error {
	return s.db.Update(deleteRunBuckets)
}

func deleteRunBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketRun, bucketFiles, bucketCompleted} {
		if tx.Bucket(name) == nil {
			continue
		}
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}
	return nil
}

func putHeader(run *bbolt.Bucket, p *types.RunProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return run.Put(keyHeader, data)
}

func touchHeader(run *bbolt.Bucket, now time.Time, mutate func(*types.RunProgress)) error {
	data := run.Get(keyHeader)
	if data == nil {
		return ErrNoRun
	}
	var p types.RunProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: run header: %v", types.ErrCacheCorrupt, err)
	}
	if mutate != nil {
		mutate(&p)
	}
	p.UpdatedAt = now
	return putHeader(run, &p)
}
