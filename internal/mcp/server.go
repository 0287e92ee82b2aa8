package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gluonMaster/ImageSearchGPU/internal/indexer"
	"github.com/gluonMaster/ImageSearchGPU/internal/memory"
	"github.com/gluonMaster/ImageSearchGPU/internal/searcher"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "imagesearch"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"

	DefaultTopK          = 20
	DefaultMinSimilarity = 0.1
)

// Dependencies are the session components the tools operate on. The caller
// owns them and closes the cache after Serve returns.
type Dependencies struct {
	Cache    *storage.Cache
	Indexer  *indexer.Indexer
	Searcher *searcher.Searcher
	// Sampler is optional; without it get_status omits memory information.
	Sampler memory.Sampler
	Logger  *slog.Logger

	DefaultTopK          int
	DefaultMinSimilarity float64
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	cache    *storage.Cache
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	sampler  memory.Sampler
	logger   *slog.Logger

	defaultTopK          int
	defaultMinSimilarity float64
}

// NewServer creates a new MCP server instance
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Cache == nil || deps.Indexer == nil || deps.Searcher == nil {
		return nil, fmt.Errorf("cache, indexer and searcher are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultTopK == 0 {
		deps.DefaultTopK = DefaultTopK
	}
	if deps.DefaultTopK < 1 || deps.DefaultTopK > searcher.MaxTopK {
		return nil, fmt.Errorf("default top_k must be in [1,%d], got %d", searcher.MaxTopK, deps.DefaultTopK)
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		cache:                deps.Cache,
		indexer:              deps.Indexer,
		searcher:             deps.Searcher,
		sampler:              deps.Sampler,
		logger:               deps.Logger,
		defaultTopK:          deps.DefaultTopK,
		defaultMinSimilarity: deps.DefaultMinSimilarity,
	}

	// Register tools
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Serve runs the MCP protocol over in and out until ctx is cancelled or the
// input is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server started", "name", ServerName, "version", ServerVersion)
	err := stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	s.mcp.AddTool(indexImagesTool(), s.handleIndexImages)
	s.mcp.AddTool(searchImagesTool(s.defaultTopK, s.defaultMinSimilarity), s.handleSearchImages)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	return nil
}
