package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/internal/indexer"
	"github.com/gluonMaster/ImageSearchGPU/internal/memory"
	"github.com/gluonMaster/ImageSearchGPU/internal/scanner"
	"github.com/gluonMaster/ImageSearchGPU/internal/searcher"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

type testEnv struct {
	server *Server
	cache  *storage.Cache
	root   string
}

type envOptions struct {
	indexSampler memory.Sampler
	chunkSize    int
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// photoRoot creates three images at the top level and one in sub/.
func photoRoot(t *testing.T) string {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "red.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(root, "green.png"), color.RGBA{G: 255, A: 255})
	writePNG(t, filepath.Join(root, "blue.PNG"), color.RGBA{B: 255, A: 255})
	writePNG(t, filepath.Join(root, "sub", "gray.png"), color.Gray{Y: 128})
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("not an image"), 0o644))
	return root
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	cache, err := storage.Open(ctx, t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	emb, err := embedder.NewLocalProvider(32, embedder.NewCache(16))
	require.NoError(t, err)

	if opts.chunkSize == 0 {
		opts.chunkSize = 100
	}
	idx, err := indexer.New(indexer.Dependencies{
		Store:    cache,
		Embedder: emb,
		Scanner:  scanner.NewWalker(scanner.Options{Recursive: true}),
		Sampler:  opts.indexSampler,
	}, indexer.Config{ChunkSize: opts.chunkSize, Workers: 2})
	require.NoError(t, err)

	srv, err := NewServer(Dependencies{
		Cache:    cache,
		Indexer:  idx,
		Searcher: searcher.New(cache, emb),
		Sampler: memory.NewScripted(types.MemorySample{
			TotalBytes:     8 << 30,
			AvailableBytes: 6 << 30,
			UsedFraction:   0.25,
			Severity:       types.SeverityNormal,
		}),
	})
	require.NoError(t, err)

	return &testEnv{server: srv, cache: cache, root: photoRoot(t)}
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	require.Error(t, err)
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected *MCPError, got %T: %v", err, err)
	assert.Equal(t, code, mcpErr.Code, mcpErr.Message)
	return mcpErr
}

func (e *testEnv) index(t *testing.T, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, err := e.server.handleIndexImages(context.Background(), callRequest("index_images", args))
	require.NoError(t, err)
	return decodeResult(t, res)
}

func (e *testEnv) status(t *testing.T) map[string]interface{} {
	t.Helper()
	res, err := e.server.handleGetStatus(context.Background(), callRequest("get_status", nil))
	require.NoError(t, err)
	return decodeResult(t, res)
}

func TestNewServer(t *testing.T) {
	t.Run("requires components", func(t *testing.T) {
		_, err := NewServer(Dependencies{})
		assert.Error(t, err)
	})

	t.Run("rejects default top_k out of range", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		_, err := NewServer(Dependencies{
			Cache:       env.cache,
			Indexer:     env.server.indexer,
			Searcher:    env.server.searcher,
			DefaultTopK: 500,
		})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		assert.NotNil(t, env.server.mcp)
		assert.Equal(t, DefaultTopK, env.server.defaultTopK)
	})
}

func TestIndexImages_ThenSearch(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	out := env.index(t, map[string]interface{}{"root": env.root})
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, float64(4), out["files_scanned"])
	assert.Equal(t, float64(4), out["files_indexed"])
	assert.Equal(t, float64(0), out["files_failed"])
	assert.NotEmpty(t, out["run_id"])

	res, err := env.server.handleSearchImages(context.Background(), callRequest("search_images", map[string]interface{}{
		"query":          "a red square",
		"top_k":          float64(2),
		"min_similarity": float64(-1),
	}))
	require.NoError(t, err)
	search := decodeResult(t, res)
	assert.Equal(t, float64(2), search["total"])
	assert.Equal(t, float64(4), search["scanned"])

	results := search["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	second := results[1].(map[string]interface{})
	assert.Equal(t, float64(1), first["rank"])
	assert.Equal(t, float64(2), second["rank"])
	assert.GreaterOrEqual(t, first["similarity"].(float64), second["similarity"].(float64))
	assert.Contains(t, first["path"], env.root)
}

func TestIndexImages_RepeatUsesCacheRoot(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.index(t, map[string]interface{}{"root": env.root})

	out := env.index(t, nil)
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, float64(4), out["files_skipped"])
	assert.Equal(t, float64(0), out["files_indexed"])
}

func TestIndexImages_Subdir(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	out := env.index(t, map[string]interface{}{"root": env.root, "subdir": "sub"})
	assert.Equal(t, float64(1), out["files_indexed"])

	status := env.status(t)
	cache := status["cache"].(map[string]interface{})
	assert.Equal(t, float64(1), cache["entries"])
	roots := cache["roots"].([]interface{})
	require.Len(t, roots, 1)
	assert.Equal(t, env.root, roots[0].(map[string]interface{})["root"])
}

func TestIndexImages_MultipleRoots(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	other := t.TempDir()
	writePNG(t, filepath.Join(other, "white.png"), color.Gray{Y: 255})
	writePNG(t, filepath.Join(other, "black.png"), color.Gray{Y: 0})

	out := env.index(t, map[string]interface{}{"roots": []interface{}{env.root, other}})
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, float64(6), out["files_indexed"])

	// without arguments the bound set is reused
	out = env.index(t, nil)
	assert.Equal(t, float64(6), out["files_skipped"])

	status := env.status(t)
	counts := make(map[string]float64)
	for _, r := range status["cache"].(map[string]interface{})["roots"].([]interface{}) {
		rs := r.(map[string]interface{})
		counts[rs["root"].(string)] = rs["entries"].(float64)
	}
	assert.Equal(t, map[string]float64{env.root: 4, other: 2}, counts)

	res, err := env.server.handleSearchImages(context.Background(), callRequest("search_images", map[string]interface{}{
		"query":          "a white square",
		"top_k":          float64(6),
		"min_similarity": float64(-1),
	}))
	require.NoError(t, err)
	results := decodeResult(t, res)["results"].([]interface{})
	require.Len(t, results, 6)
	for _, r := range results {
		hit := r.(map[string]interface{})
		root := hit["root"].(string)
		assert.Contains(t, []string{env.root, other}, root)
		assert.True(t, strings.HasPrefix(hit["path"].(string), root+string(filepath.Separator)), hit["path"])
	}

	_, err = env.server.handleIndexImages(context.Background(), callRequest("index_images", map[string]interface{}{
		"root": env.root,
	}))
	requireCode(t, err, ErrorCodeCacheConflict)
}

func TestIndexImages_ResumesAfterMemoryStop(t *testing.T) {
	env := newTestEnv(t, envOptions{
		chunkSize:    2,
		indexSampler: memory.Severities(types.SeverityCritical),
	})

	out := env.index(t, map[string]interface{}{"root": env.root})
	assert.Equal(t, "cancelled", out["state"])
	assert.Equal(t, "memory", out["stop_reason"])
	assert.Equal(t, true, out["resumable"])
	assert.Equal(t, float64(2), out["files_indexed"])

	status := env.status(t)
	resume := status["resume"].(map[string]interface{})
	assert.Equal(t, true, resume["can_resume"])
	assert.Equal(t, float64(2), resume["pending_files"])
	assert.Equal(t, "cancelled", status["indexer_state"])

	out = env.index(t, nil)
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, float64(2), out["files_resumed"])
	assert.Equal(t, float64(2), out["files_indexed"])

	status = env.status(t)
	resume = status["resume"].(map[string]interface{})
	assert.Equal(t, false, resume["can_resume"])
	assert.Equal(t, float64(4), status["cache"].(map[string]interface{})["entries"])
}

func TestIndexImages_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	file := filepath.Join(env.root, "red.png")
	tests := []struct {
		name string
		args map[string]interface{}
		code int
	}{
		{"no root on empty cache", nil, ErrorCodeInvalidParams},
		{"relative root", map[string]interface{}{"root": "photos"}, ErrorCodeInvalidParams},
		{"missing root", map[string]interface{}{"root": filepath.Join(env.root, "missing")}, ErrorCodeInvalidParams},
		{"root is a file", map[string]interface{}{"root": file}, ErrorCodeInvalidParams},
		{"subdir outside root", map[string]interface{}{"root": env.root, "subdir": "../elsewhere"}, ErrorCodeInvalidParams},
		{"roots not an array", map[string]interface{}{"roots": env.root}, ErrorCodeInvalidParams},
		{"roots with a number", map[string]interface{}{"roots": []interface{}{env.root, float64(1)}}, ErrorCodeInvalidParams},
		{"nested roots", map[string]interface{}{"roots": []interface{}{env.root, filepath.Join(env.root, "sub")}}, ErrorCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.server.handleIndexImages(ctx, callRequest("index_images", tt.args))
			requireCode(t, err, tt.code)
		})
	}

	t.Run("invalid arguments", func(t *testing.T) {
		req := callRequest("index_images", nil)
		req.Params.Arguments = "root=/photos"
		_, err := env.server.handleIndexImages(ctx, req)
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("different root", func(t *testing.T) {
		env.index(t, map[string]interface{}{"root": env.root})
		_, err := env.server.handleIndexImages(ctx, callRequest("index_images", map[string]interface{}{
			"root": t.TempDir(),
		}))
		mcpErr := requireCode(t, err, ErrorCodeCacheConflict)
		assert.Contains(t, fmt.Sprint(mcpErr.Data), "different root")
	})
}

func TestSearchImages_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	_, err := env.server.handleSearchImages(ctx, callRequest("search_images", map[string]interface{}{"query": "cat"}))
	requireCode(t, err, ErrorCodeNotIndexed)

	env.index(t, map[string]interface{}{"root": env.root})

	tests := []struct {
		name string
		args map[string]interface{}
		code int
	}{
		{"missing query", map[string]interface{}{}, ErrorCodeInvalidQuery},
		{"blank query", map[string]interface{}{"query": "   "}, ErrorCodeInvalidQuery},
		{"top_k zero", map[string]interface{}{"query": "cat", "top_k": float64(0)}, ErrorCodeInvalidQuery},
		{"top_k too large", map[string]interface{}{"query": "cat", "top_k": float64(101)}, ErrorCodeInvalidQuery},
		{"negative age", map[string]interface{}{"query": "cat", "max_age_days": float64(-1)}, ErrorCodeInvalidQuery},
		{"similarity out of range", map[string]interface{}{"query": "cat", "min_similarity": float64(2)}, ErrorCodeInvalidQuery},
		{"fractional top_k", map[string]interface{}{"query": "cat", "top_k": 2.7}, ErrorCodeInvalidParams},
		{"fractional age", map[string]interface{}{"query": "cat", "max_age_days": 1.5}, ErrorCodeInvalidParams},
		{"top_k as string", map[string]interface{}{"query": "cat", "top_k": "5"}, ErrorCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.server.handleSearchImages(ctx, callRequest("search_images", tt.args))
			requireCode(t, err, tt.code)
		})
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	status := env.status(t)
	assert.Equal(t, false, status["indexed"])
	assert.Equal(t, "idle", status["indexer_state"])

	env.index(t, map[string]interface{}{"root": env.root})

	status = env.status(t)
	assert.Equal(t, true, status["indexed"])
	assert.Equal(t, "completed", status["indexer_state"])

	cache := status["cache"].(map[string]interface{})
	assert.Equal(t, float64(4), cache["entries"])
	assert.Equal(t, float64(32), cache["dimension"])
	assert.Equal(t, embedder.DefaultLocalModel, cache["model"])
	assert.Contains(t, cache, "last_indexed_at")
	assert.Contains(t, cache, "newest_indexed_at")

	mem := status["memory"].(map[string]interface{})
	assert.Equal(t, "normal", mem["severity"])
	assert.Equal(t, float64(2<<30), mem["used_bytes"])
	assert.Equal(t, "25.0", mem["used_percent"])
}

func TestToolError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.ErrIndexingInProgress, ErrorCodeIndexingInProgress},
		{fmt.Errorf("wrap: %w", types.ErrInvalidQuery), ErrorCodeInvalidQuery},
		{types.ErrInvalidConfig, ErrorCodeInvalidParams},
		{types.ErrRootMismatch, ErrorCodeCacheConflict},
		{types.ErrModelMismatch, ErrorCodeCacheConflict},
		{types.ErrDimensionMismatch, ErrorCodeCacheConflict},
		{types.ErrCacheCorrupt, ErrorCodeCacheCorrupt},
		{errors.New("boom"), ErrorCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			requireCode(t, toolError("failed", tt.err), tt.code)
		})
	}
}

func TestGetIntDefault(t *testing.T) {
	args := map[string]interface{}{"whole": float64(3), "native": 4, "frac": 2.7, "huge": 1e12, "text": "3"}

	got, err := getIntDefault(args, "whole", 9)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = getIntDefault(args, "native", 9)
	require.NoError(t, err)
	assert.Equal(t, 4, got)

	got, err = getIntDefault(args, "absent", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, got)

	for _, key := range []string{"frac", "huge", "text"} {
		_, err := getIntDefault(args, key, 9)
		requireCode(t, err, ErrorCodeInvalidParams)
	}
}

func TestToolDefinitions(t *testing.T) {
	index := indexImagesTool()
	assert.Equal(t, "index_images", index.Name)
	assert.Empty(t, index.InputSchema.Required)
	roots := index.InputSchema.Properties["roots"].(map[string]interface{})
	assert.Equal(t, "array", roots["type"])

	search := searchImagesTool(7, 0.3)
	assert.Equal(t, "search_images", search.Name)
	assert.Equal(t, []string{"query"}, search.InputSchema.Required)
	topK := search.InputSchema.Properties["top_k"].(map[string]interface{})
	assert.Equal(t, 7, topK["default"])

	assert.Equal(t, "get_status", getStatusTool().Name)
}
