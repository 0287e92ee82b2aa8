// Package scanner lists candidate image files under a root directory.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// DefaultExtensions are the image formats the embedders accept.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// IgnoreFile is read from the scan root when present and merged with
// Options.Excludes.
const IgnoreFile = ".imagesearchignore"

// Scanner lists the files under root that are candidates for indexing.
type Scanner interface {
	Scan(ctx context.Context, root string) ([]types.FileRef, error)
}

// Options configures a Walker.
type Options struct {
	Extensions []string // matched case-insensitively; DefaultExtensions when empty
	Excludes   []string // gitignore-style patterns relative to the root
	Recursive  bool
	Logger     *slog.Logger
}

// Walker is the file system Scanner.
type Walker struct {
	extensions map[string]struct{}
	excludes   []string
	recursive  bool
	logger     *slog.Logger
}

// NewWalker creates a Walker from opts.
func NewWalker(opts Options) *Walker {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		extensions: set,
		excludes:   append([]string(nil), opts.Excludes...),
		recursive:  opts.Recursive,
		logger:     logger,
	}
}

// Scan walks root and returns matching regular files sorted by path.
// Paths are absolute. Unreadable subdirectories are skipped with a warning;
// an unreadable root is an error.
func (w *Walker) Scan(ctx context.Context, root string) ([]types.FileRef, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", absRoot)
	}

	matcher, err := w.compileExcludes(absRoot)
	if err != nil {
		return nil, err
	}

	var files []types.FileRef
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == absRoot {
				return walkErr
			}
			w.logger.Warn("skipping unreadable path", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == absRoot {
				return nil
			}
			if !w.recursive || matcher.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !w.accepts(path) || matcher.MatchesPath(rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// removed between readdir and stat
				return nil
			}
			w.logger.Warn("skipping file", "path", path, "error", err)
			return nil
		}
		files = append(files, types.FileRef{
			Path:    path,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (w *Walker) accepts(path string) bool {
	_, ok := w.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (w *Walker) compileExcludes(root string) (*gitignore.GitIgnore, error) {
	patterns := append([]string(nil), w.excludes...)

	data, err := os.ReadFile(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}

	return gitignore.CompileIgnoreLines(patterns...), nil
}
