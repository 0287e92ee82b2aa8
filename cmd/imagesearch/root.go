package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/internal/config"
	"github.com/gluonMaster/ImageSearchGPU/internal/logging"
)

// Global flags
var (
	configPath  string
	envFile     string
	cacheDir    string
	logLevel    string
	lockTimeout time.Duration
)

// Loaded by the root PersistentPreRunE.
var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "imagesearch",
	Short:        "Semantic search over local image collections",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `imagesearch embeds the images in a directory tree into a local cache and
finds them again from natural-language descriptions.

Indexing runs in checkpointed chunks, backs off under memory pressure and
resumes where it stopped after a crash or interruption.`,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.imagesearch/config.yaml)")
	pf.StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file with environment overrides")
	pf.StringVar(&cacheDir, "cache-dir", "", "cache directory (overrides cache_dir)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.DurationVar(&lockTimeout, "lock-timeout", 0, "wait this long for another process to release the cache")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(config.Options{Path: configPath, EnvFile: envFile})
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}
	if cacheDir != "" {
		if c.CacheDir, err = config.ExpandPath(cacheDir); err != nil {
			return err
		}
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}

	l, err := logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format})
	if err != nil {
		return fmt.Errorf("invalid log settings: %w", err)
	}
	slog.SetDefault(l)

	cfg, logger = c, l
	return nil
}

// Execute is called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
