package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/internal/searcher"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

var (
	searchTopK          int
	searchMaxAgeDays    int
	searchMinSimilarity float64
	searchJSON          bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find indexed images matching a description",
	Example: `  imagesearch search "dog playing in snow"
  imagesearch search --top-k 5 --max-age-days 30 sunset beach`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default max_results_default)")
	f.IntVar(&searchMaxAgeDays, "max-age-days", 0, "only images modified within this many days (0 = no limit)")
	f.Float64Var(&searchMinSimilarity, "min-similarity", 0, "minimum cosine similarity (default min_similarity)")
	f.BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	req := searcher.TextRequest{
		Query:         strings.Join(args, " "),
		TopK:          cfg.MaxResults,
		MaxAgeDays:    searchMaxAgeDays,
		MinSimilarity: cfg.MinSimilarity,
	}
	if cmd.Flags().Changed("top-k") {
		req.TopK = searchTopK
	}
	if cmd.Flags().Changed("min-similarity") {
		req.MinSimilarity = searchMinSimilarity
	}

	// Reject bad queries before the cache is opened.
	if err := searcher.ValidateRequest(searcher.Request{
		Vector:        []float32{0},
		TopK:          req.TopK,
		MaxAgeDays:    req.MaxAgeDays,
		MinSimilarity: req.MinSimilarity,
	}); err != nil {
		return err
	}
	if err := embedder.ValidateText(req.Query); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	resp, err := s.searcher.SearchText(ctx, req)
	if err != nil {
		return err
	}

	if searchJSON {
		return printJSON(os.Stdout, resp.Results)
	}

	if len(resp.Results) == 0 {
		printInfo("no images matched (%d compared)", resp.Scanned)
		return nil
	}
	multi := len(resultRoots(resp.Results)) > 1
	for _, r := range resp.Results {
		fmt.Printf("%3d. %.4f  %s  (%s, %s)\n",
			r.Rank, r.Similarity, r.Path,
			humanize.IBytes(uint64(r.Size)), humanize.Time(r.ModTime))
		if multi && r.Root != "" {
			fmt.Printf("     in %s\n", r.Root)
		}
	}
	printInfo("%d of %d images in %s", len(resp.Results), resp.Scanned, resp.Duration)
	return nil
}

// resultRoots returns the distinct roots among results.
func resultRoots(results []types.QueryResult) map[string]struct{} {
	roots := make(map[string]struct{})
	for _, r := range results {
		roots[r.Root] = struct{}{}
	}
	return roots
}
