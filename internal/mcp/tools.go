package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gluonMaster/ImageSearchGPU/internal/indexer"
	"github.com/gluonMaster/ImageSearchGPU/internal/searcher"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeNotIndexed         = -32003 // Cache holds no images yet
	ErrorCodeInvalidQuery       = -32004 // Query text or search parameters rejected
	ErrorCodeCacheConflict      = -32005 // Cache belongs to another root, model or dimension
	ErrorCodeCacheCorrupt       = -32006 // Cache artifacts cannot be read
)

// maxReportedFailures bounds the per-file errors included in a response.
const maxReportedFailures = 5

// handleIndexImages handles the index_images tool invocation
func (s *Server) handleIndexImages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	roots, err := rootsArg(args)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		meta, err := s.cache.Meta(ctx)
		if err != nil {
			return nil, toolError("failed to read cache metadata", err)
		}
		roots = meta.Roots
	}
	if len(roots) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "roots parameter is required", map[string]interface{}{
			"param":  "roots",
			"reason": "missing and the cache has no roots yet",
		})
	}

	// Validate every path exists and is accessible
	for _, root := range roots {
		if err := validatePath(root); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid root", map[string]interface{}{
				"param":  "roots",
				"root":   root,
				"reason": err.Error(),
			})
		}
	}

	res, err := s.indexer.Run(ctx, indexer.Request{
		Roots:  roots,
		Subdir: getStringDefault(args, "subdir", ""),
	})
	if err != nil {
		return nil, toolError("indexing failed", err)
	}

	// A successful call drops any responses computed before the run.
	s.searcher.InvalidateCache()

	response := map[string]interface{}{
		"run_id":        res.RunID,
		"state":         res.State.String(),
		"files_scanned": res.Stats.FilesScanned,
		"files_skipped": res.Stats.FilesSkipped,
		"files_indexed": res.Stats.FilesIndexed,
		"files_failed":  res.Stats.FilesFailed,
		"files_pruned":  res.Stats.FilesPruned,
		"files_resumed": res.Stats.FilesResumed,
		"chunks":        res.Stats.ChunksProcessed,
		"duration_ms":   res.Stats.Duration.Milliseconds(),
	}
	if res.State == indexer.StateCancelled {
		response["stop_reason"] = string(res.StopReason)
		response["resumable"] = true
	}

	if len(res.Failures) > 0 {
		n := min(len(res.Failures), maxReportedFailures)
		errs := make([]string, n)
		for i := range errs {
			errs[i] = res.Failures[i].Error()
		}
		response["errors"] = errs
		if len(res.Failures) > n {
			response["error_count"] = len(res.Failures)
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchImages handles the search_images tool invocation
func (s *Server) handleSearchImages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeInvalidQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	topK, err := getIntDefault(args, "top_k", s.defaultTopK)
	if err != nil {
		return nil, err
	}
	maxAgeDays, err := getIntDefault(args, "max_age_days", 0)
	if err != nil {
		return nil, err
	}
	req := searcher.TextRequest{
		Query:         query,
		TopK:          topK,
		MaxAgeDays:    maxAgeDays,
		MinSimilarity: getFloatDefault(args, "min_similarity", s.defaultMinSimilarity),
	}

	meta, err := s.cache.Meta(ctx)
	if err != nil {
		return nil, toolError("failed to read cache metadata", err)
	}
	if !meta.Bound() {
		return nil, newMCPError(ErrorCodeNotIndexed, "no images indexed yet. Use index_images first.", nil)
	}

	resp, err := s.searcher.SearchText(ctx, req)
	if err != nil {
		return nil, toolError("search failed", err)
	}

	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = map[string]interface{}{
			"rank":       r.Rank,
			"path":       r.Path,
			"root":       r.Root,
			"similarity": r.Similarity,
			"modified":   r.ModTime.Format(time.RFC3339),
			"size_bytes": r.Size,
		}
	}

	response := map[string]interface{}{
		"query":       query,
		"results":     results,
		"total":       len(results),
		"scanned":     resp.Scanned,
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, toolError("failed to get cache status", err)
	}

	cache := map[string]interface{}{
		"entries":           stats.Entries,
		"total_image_bytes": stats.TotalBytes,
		"dimension":         stats.Dimension,
		"model":             stats.Model,
		"roots":             stats.Roots,
		"records_file":      stats.RecordsFile,
		"records_file_mb":   fmt.Sprintf("%.2f", float64(stats.RecordsFileSize)/(1<<20)),
		"progress_file":     stats.ProgressFile,
	}
	if stats.OldestIndexedAt != nil {
		cache["oldest_indexed_at"] = stats.OldestIndexedAt.Format(time.RFC3339)
	}
	if stats.NewestIndexedAt != nil {
		cache["newest_indexed_at"] = stats.NewestIndexedAt.Format(time.RFC3339)
	}
	if stats.LastIndexedAt != nil {
		cache["last_indexed_at"] = stats.LastIndexedAt.Format(time.RFC3339)
	}

	response := map[string]interface{}{
		"indexed": stats.Indexed(),
		"cache":   cache,
		"resume": map[string]interface{}{
			"can_resume":    stats.CanResume,
			"pending_files": stats.PendingFiles,
		},
		"indexer_state": s.indexer.State().String(),
	}

	if s.sampler != nil {
		sample, err := s.sampler.Sample(ctx)
		if err != nil {
			s.logger.Warn("memory sample failed", "error", err)
		} else {
			response["memory"] = map[string]interface{}{
				"total_bytes":     sample.TotalBytes,
				"available_bytes": sample.AvailableBytes,
				"used_bytes":      sample.TotalBytes - min(sample.AvailableBytes, sample.TotalBytes),
				"used_percent":    fmt.Sprintf("%.1f", sample.UsedFraction*100),
				"severity":        sample.Severity.String(),
			}
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// toolError maps domain errors onto MCP error codes.
func toolError(message string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrIndexingInProgress):
		code = ErrorCodeIndexingInProgress
	case errors.Is(err, types.ErrInvalidQuery):
		code = ErrorCodeInvalidQuery
	case errors.Is(err, types.ErrInvalidConfig):
		code = ErrorCodeInvalidParams
	case errors.Is(err, types.ErrRootMismatch),
		errors.Is(err, types.ErrModelMismatch),
		errors.Is(err, types.ErrDimensionMismatch):
		code = ErrorCodeCacheConflict
	case errors.Is(err, types.ErrCacheCorrupt):
		code = ErrorCodeCacheCorrupt
	}
	return newMCPError(code, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// arguments returns the call arguments. A call without arguments yields an
// empty map.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// validatePath checks if a path exists and is accessible
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}

	// Check if path is absolute
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	// Check if path exists
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}

	// Check if it's a directory
	if !info.IsDir() {
		return ErrNotDirectory
	}

	// Check if directory is readable
	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()

	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value. JSON
// numbers with a fractional part are rejected rather than truncated.
func getIntDefault(args map[string]interface{}, key string, defaultValue int) (int, error) {
	switch val := args[key].(type) {
	case nil:
		return defaultValue, nil
	case int:
		return val, nil
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt32 && val <= math.MaxInt32 {
			return int(val), nil
		}
	}
	return 0, newMCPError(ErrorCodeInvalidParams, key+" must be an integer", map[string]interface{}{
		"param": key,
		"value": args[key],
	})
}

// rootsArg collects the dataset roots from the "root" and "roots" parameters.
func rootsArg(args map[string]interface{}) ([]string, error) {
	var roots []string
	if root := getStringDefault(args, "root", ""); root != "" {
		roots = append(roots, root)
	}
	raw, ok := args["roots"]
	if !ok || raw == nil {
		return roots, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "roots must be an array of paths", map[string]interface{}{
			"param": "roots",
		})
	}
	for _, item := range list {
		root, ok := item.(string)
		if !ok || root == "" {
			return nil, newMCPError(ErrorCodeInvalidParams, "roots must be an array of paths", map[string]interface{}{
				"param": "roots",
				"value": item,
			})
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := args[key].(float64); ok {
		return val
	}
	if val, ok := args[key].(int); ok {
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
