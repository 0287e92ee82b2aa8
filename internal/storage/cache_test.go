package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(context.Background(), dir, Options{Clock: func() time.Time { return testEpoch }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, dir
}

func makeRecord(path string, dim int, seed float32) types.EmbeddingRecord {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = seed + float32(i)
	}
	return types.EmbeddingRecord{
		Path:      path,
		Vector:    vec,
		Size:      1024,
		ModTime:   testEpoch.Add(-time.Hour),
		IndexedAt: testEpoch,
	}
}

func makeRefs(n int) []types.FileRef {
	refs := make([]types.FileRef, n)
	for i := range refs {
		refs[i] = types.FileRef{
			Path:    fmt.Sprintf("/photos/%04d.jpg", i),
			Size:    int64(100 + i),
			ModTime: testEpoch.Add(time.Duration(i) * time.Minute),
		}
	}
	return refs
}

func TestOpen_EmptyDirectory(t *testing.T) {
	c, dir := setupTestCache(t)
	ctx := context.Background()

	state, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Records)
	assert.Nil(t, state.Progress)
	assert.Equal(t, 0, state.Dimension)

	assert.FileExists(t, filepath.Join(dir, RecordsFile))
	assert.FileExists(t, filepath.Join(dir, ProgressFile))
}

func TestOpen_SecondOpenIsLocked(t *testing.T) {
	_, dir := setupTestCache(t)

	_, err := Open(context.Background(), dir, Options{})
	assert.ErrorIs(t, err, types.ErrCacheLocked)
}

func TestOpen_ReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{makeRecord("/a.jpg", 4, 1)}))
	require.NoError(t, c.Close())

	c, err = Open(ctx, dir, Options{})
	require.NoError(t, err)
	defer c.Close()

	state, err := c.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, state.Records, "/a.jpg")
	assert.Equal(t, 4, state.Dimension)

	got := state.Records["/a.jpg"]
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Vector)
	assert.True(t, got.ModTime.Equal(testEpoch.Add(-time.Hour)))
}

func TestOpen_GarbageRecordsFile(t *testing.T) {
	dir := t.TempDir()
	garbage := bytes.Repeat([]byte("not a sqlite database "), 200)
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecordsFile), garbage, 0o600))

	_, err := Open(context.Background(), dir, Options{})
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
}

func TestOpen_GarbageProgressFile(t *testing.T) {
	dir := t.TempDir()
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProgressFile), garbage, 0o600))

	_, err := Open(context.Background(), dir, Options{})
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
}

func TestUpsert_MergesByPath(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/a.jpg", 3, 1),
		makeRecord("/b.jpg", 3, 2),
	}))
	gen := c.Generation()

	updated := makeRecord("/a.jpg", 3, 10)
	updated.Size = 2048
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{updated}))
	assert.Greater(t, c.Generation(), gen)

	state, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Records, 2)
	assert.Equal(t, []float32{10, 11, 12}, state.Records["/a.jpg"].Vector)
	assert.Equal(t, int64(2048), state.Records["/a.jpg"].Size)
}

func TestUpsert_DimensionMismatchWritesNothing(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{makeRecord("/a.jpg", 3, 1)}))

	err := c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/b.jpg", 3, 1),
		makeRecord("/c.jpg", 5, 1),
	})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	fps, err := c.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 1)
	assert.Contains(t, fps, "/a.jpg")
}

func TestUpsert_MixedBatchOnEmptyCache(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	err := c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/a.jpg", 3, 1),
		makeRecord("/b.jpg", 4, 1),
	})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Dimension)
}

func TestUpsert_RejectsInvalidRecord(t *testing.T) {
	c, _ := setupTestCache(t)

	err := c.Upsert(context.Background(), []types.EmbeddingRecord{{Path: "/a.jpg"}})
	assert.ErrorIs(t, err, types.ErrEmptyVector)
}

func TestRemove(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/a.jpg", 2, 1),
		makeRecord("/b.jpg", 2, 1),
		makeRecord("/c.jpg", 2, 1),
	}))

	n, err := c.Remove(ctx, []string{"/a.jpg", "/missing.jpg", "/c.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fps, err := c.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/b.jpg"}, keys(fps))

	n, err = c.Remove(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func keys(m map[string]types.Fingerprint) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestFingerprints_ExactModTime(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	rec := makeRecord("/a.jpg", 2, 1)
	rec.ModTime = time.Date(2023, 3, 4, 5, 6, 7, 123456789, time.Local)
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{rec}))

	fps, err := c.Fingerprints(ctx)
	require.NoError(t, err)
	assert.True(t, fps["/a.jpg"].Matches(rec.Fingerprint()))

	rec.ModTime = rec.ModTime.Add(time.Nanosecond)
	assert.False(t, fps["/a.jpg"].Matches(rec.Fingerprint()))
}

func TestScan_OrderedByPath(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/c.jpg", 2, 1),
		makeRecord("/a.jpg", 2, 1),
		makeRecord("/b.jpg", 2, 1),
	}))

	var paths []string
	require.NoError(t, c.Scan(ctx, func(r types.EmbeddingRecord) error {
		paths = append(paths, r.Path)
		return nil
	}))
	assert.Equal(t, []string{"/a.jpg", "/b.jpg", "/c.jpg"}, paths)
}

func TestScan_StopsOnCallbackError(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{makeRecord("/a.jpg", 2, 1), makeRecord("/b.jpg", 2, 1)}))

	stop := fmt.Errorf("stop")
	calls := 0
	err := c.Scan(ctx, func(types.EmbeddingRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestLoad_CorruptBlob(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{makeRecord("/a.jpg", 2, 1)}))

	_, err := c.records.db.ExecContext(ctx, "UPDATE records SET vector = ? WHERE path = ?", []byte{1, 2, 3}, "/a.jpg")
	require.NoError(t, err)

	_, err = c.Load(ctx)
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
	_, err = c.Verify(ctx)
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
}

func TestLoad_MixedDimensions(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{makeRecord("/a.jpg", 2, 1)}))

	// bypass Upsert to plant a record with another dimension
	require.NoError(t, upsertRecordsWithQuerier(ctx, c.records.db, []types.EmbeddingRecord{makeRecord("/b.jpg", 3, 1)}))

	_, err := c.Load(ctx)
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
	_, err = c.Verify(ctx)
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
}

func TestVerify_MatchesLoad(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{
		makeRecord("/photos/a.jpg", 2, 1),
		makeRecord("/photos/b.jpg", 2, 2),
	}))
	require.NoError(t, c.BindRoots(ctx, []string{"/photos"}, "local-v1"))
	_, err := c.BeginRun(ctx, types.RunPlan{RunID: "r1", Roots: []string{"/photos"}, BaseChunkSize: 2, MinChunkSize: 1, Files: makeRefs(3)})
	require.NoError(t, err)

	v, err := c.Verify(ctx)
	require.NoError(t, err)
	state, err := c.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(state.Records), v.Entries)
	assert.Equal(t, state.Roots, v.Meta.Roots)
	assert.Equal(t, state.Dimension, v.Meta.Dimension)
	require.NotNil(t, v.Progress)
	assert.Equal(t, "r1", v.Progress.RunID)
}

func TestVerify_ProgressFromOtherRoots(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.BindRoots(ctx, []string{"/photos"}, "local-v1"))
	_, err := c.BeginRun(ctx, types.RunPlan{RunID: "r1", Roots: []string{"/scans"}, BaseChunkSize: 2, MinChunkSize: 1, Files: makeRefs(3)})
	require.NoError(t, err)

	_, err = c.Verify(ctx)
	assert.ErrorIs(t, err, types.ErrCacheCorrupt)
}

func TestMeta_LegacyRoot(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.records.setMeta(ctx, metaLegacyRoot, "/photos"))

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/photos"}, meta.Roots)

	// binding the same set rewrites it in the current format
	require.NoError(t, c.BindRoots(ctx, []string{"/photos"}, "local-v1"))
	_, err = getMetaWithQuerier(ctx, c.records.db, metaLegacyRoot)
	assert.ErrorIs(t, err, ErrNotFound)
	meta, err = c.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/photos"}, meta.Roots)
}

func TestBindRoots(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	roots := []string{"/photos", "/scans"}

	assert.ErrorIs(t, c.BindRoots(ctx, nil, "local-v1"), types.ErrInvalidConfig)

	require.NoError(t, c.BindRoots(ctx, roots, "local-v1"))
	require.NoError(t, c.BindRoots(ctx, roots, "local-v1"))

	assert.ErrorIs(t, c.BindRoots(ctx, []string{"/photos"}, "local-v1"), types.ErrRootMismatch)
	assert.ErrorIs(t, c.BindRoots(ctx, []string{"/other"}, "local-v1"), types.ErrRootMismatch)
	assert.ErrorIs(t, c.BindRoots(ctx, roots, "clip-v2"), types.ErrModelMismatch)

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, roots, meta.Roots)
	assert.Equal(t, "local-v1", meta.Model)

	got, err := c.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, roots, got)
}

func TestCheckBinding_WritesNothing(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	meta, err := c.CheckBinding(ctx, []string{"/photos"}, "local-v1")
	require.NoError(t, err)
	assert.False(t, meta.Bound())

	meta, err = c.Meta(ctx)
	require.NoError(t, err)
	assert.False(t, meta.Bound())
	assert.Empty(t, meta.Model)

	require.NoError(t, c.BindRoots(ctx, []string{"/photos"}, "local-v1"))
	_, err = c.CheckBinding(ctx, []string{"/other"}, "local-v1")
	assert.ErrorIs(t, err, types.ErrRootMismatch)
	_, err = c.CheckBinding(ctx, []string{"/photos"}, "clip-v2")
	assert.ErrorIs(t, err, types.ErrModelMismatch)
}

func TestStatsAndClear(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	a := makeRecord("/photos/a.jpg", 2, 1)
	a.IndexedAt = testEpoch.Add(-time.Hour)
	b := makeRecord("/photos-old/b.jpg", 2, 1)
	b.Size = 4096
	require.NoError(t, c.Upsert(ctx, []types.EmbeddingRecord{a, b}))
	require.NoError(t, c.BindRoots(ctx, []string{"/photos", "/photos-old"}, "local-v1"))
	require.NoError(t, c.MarkIndexed(ctx, testEpoch))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1024+4096), stats.TotalBytes)
	assert.Equal(t, 2, stats.Dimension)
	assert.True(t, stats.Indexed())
	assert.Equal(t, []types.RootStats{
		{Root: "/photos", Entries: 1, TotalBytes: 1024},
		{Root: "/photos-old", Entries: 1, TotalBytes: 4096},
	}, stats.Roots)
	require.NotNil(t, stats.OldestIndexedAt)
	require.NotNil(t, stats.NewestIndexedAt)
	assert.True(t, stats.OldestIndexedAt.Equal(a.IndexedAt))
	assert.True(t, stats.NewestIndexedAt.Equal(b.IndexedAt))
	require.NotNil(t, stats.LastIndexedAt)
	assert.True(t, stats.LastIndexedAt.Equal(testEpoch))
	assert.Greater(t, stats.RecordsFileSize, int64(0))
	assert.False(t, stats.ProgressExists)
	assert.False(t, stats.CanResume)

	_, err = c.BeginRun(ctx, types.RunPlan{RunID: "r1", Roots: []string{"/photos", "/photos-old"}, BaseChunkSize: 2, MinChunkSize: 1, Files: makeRefs(5)})
	require.NoError(t, err)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.ProgressExists)
	assert.True(t, stats.CanResume)
	assert.Equal(t, 5, stats.PendingFiles)

	gen := c.Generation()
	require.NoError(t, c.Clear(ctx))
	assert.Greater(t, c.Generation(), gen)

	state, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Records)
	assert.Nil(t, state.Progress)
	assert.Empty(t, state.Roots)
}
