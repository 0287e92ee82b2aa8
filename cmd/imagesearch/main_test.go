package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluonMaster/ImageSearchGPU/internal/config"
	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

func writeImage(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, c)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestCLI_IndexSearchStatusClear(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvProvider, "local")
	t.Setenv(config.EnvDimension, "16")

	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a.png"), color.RGBA{R: 200, A: 255})
	writeImage(t, filepath.Join(root, "b.png"), color.RGBA{B: 200, A: 255})

	cache := filepath.Join(home, "cache")
	common := []string{"--cache-dir", cache, "--env-file", filepath.Join(home, "none.env"), "--log-level", "error"}
	run := func(args ...string) error {
		return execute(t, append(args, common...)...)
	}

	require.NoError(t, run("index", root, "--quiet"))
	assert.FileExists(t, filepath.Join(cache, "embeddings.db"))

	// repeat run reuses the cached root
	require.NoError(t, run("index", "--quiet"))

	require.NoError(t, run("search", "red", "square", "--top-k", "1", "--json"))
	require.NoError(t, run("status", "--json"))

	require.Error(t, run("search", "red", "--top-k", "0"))
	require.Error(t, run("index", t.TempDir(), "--quiet"), "cache is bound to another root")

	require.Error(t, run("clear"))
	require.NoError(t, run("clear", "--yes"))
	require.NoError(t, run("status"))
}

func TestCLI_IndexMultipleRoots(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvProvider, "local")
	t.Setenv(config.EnvDimension, "16")

	photos, scans := t.TempDir(), t.TempDir()
	writeImage(t, filepath.Join(photos, "a.png"), color.RGBA{R: 200, A: 255})
	writeImage(t, filepath.Join(scans, "b.png"), color.RGBA{G: 200, A: 255})
	writeImage(t, filepath.Join(scans, "c.png"), color.RGBA{B: 200, A: 255})

	cache := filepath.Join(home, "cache")
	common := []string{"--cache-dir", cache, "--env-file", filepath.Join(home, "none.env"), "--log-level", "error"}
	run := func(args ...string) error {
		return execute(t, append(args, common...)...)
	}

	// a mistyped root fails up front and leaves the cache unbound
	require.Error(t, run("index", filepath.Join(photos, "typo"), "--quiet"))

	require.NoError(t, run("index", photos, scans, "--quiet"))
	require.NoError(t, run("index", "--quiet"))
	require.Error(t, run("index", photos, "--quiet"), "a subset is another dataset")

	c, err := storage.Open(context.Background(), cache, storage.Options{})
	require.NoError(t, err)
	defer c.Close()
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	require.Len(t, stats.Roots, 2)
	counts := map[string]int{stats.Roots[0].Root: stats.Roots[0].Entries, stats.Roots[1].Root: stats.Roots[1].Entries}
	assert.Equal(t, map[string]int{photos: 1, scans: 2}, counts)
}

func TestCLI_SearchValidatesBeforeOpeningCache(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvProvider, "local")

	cache := filepath.Join(home, "cache")
	common := []string{"--cache-dir", cache, "--env-file", filepath.Join(home, "none.env"), "--log-level", "error"}
	run := func(args ...string) error {
		return execute(t, append(args, common...)...)
	}

	err := run("search", "red", "--top-k", "500")
	require.ErrorIs(t, err, types.ErrInvalidQuery)
	assert.NoDirExists(t, cache, "nothing may be opened for an invalid query")

	// while another process holds the cache, only valid queries reach it
	held, err := storage.Open(context.Background(), cache, storage.Options{})
	require.NoError(t, err)
	defer held.Close()

	require.ErrorIs(t, run("search", "red", "--top-k", "0"), types.ErrInvalidQuery)
	require.ErrorIs(t, run("search", "red", "--top-k", "5", "--max-age-days", "-1"), types.ErrInvalidQuery)
	require.ErrorIs(t, run("search", "red", "--top-k", "5", "--max-age-days", "0"), types.ErrCacheLocked)
}

func TestResolveProvider(t *testing.T) {
	t.Setenv(embedder.EnvProvider, "")
	t.Setenv(embedder.EnvJinaAPIKey, "")

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	c := config.Default()
	c.Embedder.Provider = "jina"
	assert.Equal(t, "jina", resolveProvider(c, log))
	assert.Empty(t, buf.String())

	c = config.Default()
	c.Embedder.APIKey = "jina_key"
	assert.Equal(t, embedder.ProviderJina, resolveProvider(c, log))
	assert.Empty(t, buf.String())

	c = config.Default()
	assert.Equal(t, embedder.ProviderLocal, resolveProvider(c, log))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "local provider")
}

func TestCLI_ConfigInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "custom.yaml")

	require.NoError(t, execute(t, "config", "init", "--config", path))
	assert.FileExists(t, path)
	assert.Error(t, execute(t, "config", "init", "--config", path), "refuses to overwrite")
	assert.NoError(t, execute(t, "config", "init", "--config", path, "--force"))

	require.NoError(t, execute(t, "config", "show", "--config", path, "--env-file", filepath.Join(home, "none.env")))
	configPath = ""
	configInitForce = false
}

func TestCLI_Version(t *testing.T) {
	require.NoError(t, execute(t, "version"))
	assert.Contains(t, buildMode(), "/")
}
