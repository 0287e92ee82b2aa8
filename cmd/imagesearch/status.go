package main

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache statistics, resumability and system memory",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Cache  *types.CacheStats   `json:"cache"`
	Memory *types.MemorySample `json:"memory,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return err
	}
	report := statusReport{Cache: stats}
	if sample, err := s.monitor.Sample(ctx); err != nil {
		logger.Warn("memory sample failed", "error", err)
	} else {
		report.Memory = &sample
	}

	if statusJSON {
		return printJSON(os.Stdout, report)
	}

	printSection("Cache")
	printInfo("directory: %s", s.cache.Dir())
	if !stats.Indexed() {
		printWarn("not indexed yet (run 'imagesearch index <root>...')")
	}
	for _, r := range stats.Roots {
		printOK("root: %s (%s images, %s)", r.Root, humanize.Comma(int64(r.Entries)), humanize.IBytes(uint64(r.TotalBytes)))
	}
	printInfo("images: %s (%s of source files)", humanize.Comma(int64(stats.Entries)), humanize.IBytes(uint64(stats.TotalBytes)))
	printInfo("records file: %s (%s)", stats.RecordsFile, humanize.IBytes(uint64(stats.RecordsFileSize)))
	if stats.Model != "" {
		printInfo("model: %s, dimension %d", stats.Model, stats.Dimension)
	}
	if stats.OldestIndexedAt != nil && stats.NewestIndexedAt != nil {
		printInfo("indexed between %s and %s",
			stats.OldestIndexedAt.Format(time.DateTime), stats.NewestIndexedAt.Format(time.DateTime))
	}
	if stats.LastIndexedAt != nil {
		printInfo("last full run: %s", humanize.Time(*stats.LastIndexedAt))
	}

	printSection("Progress")
	switch {
	case stats.CanResume:
		printWarn("interrupted run: %s file(s) pending; 'imagesearch index' resumes it", humanize.Comma(int64(stats.PendingFiles)))
	case stats.ProgressExists:
		printInfo("progress file present, nothing pending")
	default:
		printOK("no interrupted run")
	}

	if m := report.Memory; m != nil {
		printSection("Memory")
		printInfo("total %s, available %s, used %.1f%%",
			humanize.IBytes(m.TotalBytes), humanize.IBytes(m.AvailableBytes), m.UsedFraction*100)
		th := cfg.Thresholds()
		msg := "pressure %s (warning below %s, critical below %s)"
		args := []any{m.Severity, humanize.IBytes(th.WarningBytes), humanize.IBytes(th.CriticalBytes)}
		if m.Severity == types.SeverityNormal {
			printOK(msg, args...)
		} else {
			printWarn(msg, args...)
		}
	}
	return nil
}
