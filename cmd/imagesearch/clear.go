package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached embedding and any interrupted run",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "confirm removal")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, _ []string) error {
	if !clearYes {
		return fmt.Errorf("refusing to clear %s without --yes", cfg.CacheDir)
	}
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
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	printOK("removed %d cached image(s) from %s", stats.Entries, s.cache.Dir())
	return nil
}
