package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gluonMaster/ImageSearchGPU/internal/mcp"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Args:  cobra.NoArgs,
	// version needs no config
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func buildMode() string {
	return storage.BuildMode + "/" + storage.DriverName
}

func runVersion(_ *cobra.Command, _ []string) error {
	fmt.Printf("Version:     %s\n", version)
	fmt.Printf("Commit:      %s\n", emptyAsNA(commit))
	fmt.Printf("Build Time:  %s\n", emptyAsNA(buildTime))
	fmt.Printf("Build Mode:  %s\n", buildMode())
	fmt.Printf("MCP Server:  %s %s\n", mcp.ServerName, mcp.ServerVersion)
	fmt.Printf("Go Version:  %s\n", runtime.Version())
	fmt.Printf("OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func emptyAsNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
