package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Serve the index_images, search_images and get_status tools over the Model
Context Protocol. Stdout carries protocol messages; logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close cache", "error", err)
		}
		logger.Info("server stopped")
	}()

	srv, err := mcp.NewServer(mcp.Dependencies{
		Cache:                s.cache,
		Indexer:              s.indexer,
		Searcher:             s.searcher,
		Sampler:              s.monitor,
		Logger:               logger,
		DefaultTopK:          cfg.MaxResults,
		DefaultMinSimilarity: cfg.MinSimilarity,
	})
	if err != nil {
		return err
	}

	logger.Info("listening on stdio", "version", version, "build_mode", buildMode())
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
