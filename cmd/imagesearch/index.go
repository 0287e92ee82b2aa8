package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/internal/indexer"
)

var (
	indexSubdir string
	indexQuiet  bool
)

var indexCmd = &cobra.Command{
	Use:   "index [root...]",
	Short: "Index (or resume indexing) one or more image directories",
	Long: `Scan every root for images, embed new and changed files and store them in
the cache. The roots form one dataset; files removed from them are dropped
from the cache on a full scan.

Without roots the directories the cache was built for are used. Interrupt
with Ctrl-C at any time; the next run continues from the last checkpoint.`,
	Example: `  imagesearch index ~/Pictures
  imagesearch index ~/Pictures /mnt/camera
  imagesearch index --subdir ~/Pictures/2024`,
	Args: cobra.ArbitraryArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexSubdir, "subdir", "", "only scan this directory below one of the roots (never prunes)")
	indexCmd.Flags().BoolVarP(&indexQuiet, "quiet", "q", false, "do not print per-chunk progress")
	rootCmd.AddCommand(indexCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var roots []string
	for _, arg := range args {
		root, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("cannot index %s: %w", arg, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("cannot index %s: not a directory", arg)
		}
		roots = append(roots, root)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if len(roots) == 0 {
		meta, err := s.cache.Meta(ctx)
		if err != nil {
			return err
		}
		if !meta.Bound() {
			return fmt.Errorf("no root given and the cache has not been indexed yet")
		}
		roots = meta.Roots
	}

	printSection("Index")
	for _, root := range roots {
		printInfo("root: %s", root)
	}
	printInfo("cache: %s", s.cache.Dir())

	req := indexer.Request{Roots: roots, Subdir: indexSubdir}
	if !indexQuiet {
		req.Progress = func(p indexer.Progress) {
			fmt.Fprintf(os.Stderr, "  chunk %d/%d  files %d/%d  memory %s\n",
				p.Chunk, p.TotalChunks, p.FilesDone, p.FilesTotal, p.Severity)
		}
	}

	res, err := s.indexer.Run(ctx, req)
	if err != nil {
		printErr("indexing failed: %v", err)
		return err
	}

	st := res.Stats
	switch res.State {
	case indexer.StateCancelled:
		printWarn("stopped (%s) after %d chunk(s); run 'imagesearch index' again to resume", res.StopReason, st.ChunksProcessed)
	default:
		printOK("completed in %s", st.Duration.Round(time.Millisecond))
	}
	printInfo("scanned %s, unchanged %s, indexed %s, resumed %s, pruned %s",
		humanize.Comma(int64(st.FilesScanned)), humanize.Comma(int64(st.FilesSkipped)),
		humanize.Comma(int64(st.FilesIndexed)), humanize.Comma(int64(st.FilesResumed)),
		humanize.Comma(int64(st.FilesPruned)))
	if st.SizeAdjustments > 0 {
		printWarn("chunk size reduced %d time(s) under memory pressure", st.SizeAdjustments)
	}
	if st.FilesFailed > 0 {
		printWarn("%d file(s) failed and will be retried next run", st.FilesFailed)
		for i, f := range res.Failures {
			if i == 10 {
				printInfo("... and %d more", len(res.Failures)-i)
				break
			}
			printErr("%v", &f)
		}
	}
	return nil
}
