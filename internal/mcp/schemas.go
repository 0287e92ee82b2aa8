package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// indexImagesTool returns the tool definition for index_images
func indexImagesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_images",
		Description: "Index one or more image directories as a single dataset so they can be searched by text. Interrupted runs resume where they stopped.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"roots": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Absolute paths of the image directories. Defaults to the roots the cache was built for.",
				},
				"root": map[string]interface{}{
					"type":        "string",
					"description": "Single image directory, combined with roots.",
				},
				"subdir": map[string]interface{}{
					"type":        "string",
					"description": "Only scan this directory below one of the roots. Partial scans never remove cache entries.",
				},
			},
		},
	}
}

// searchImagesTool returns the tool definition for search_images
func searchImagesTool(defaultTopK int, defaultMinSimilarity float64) mcp.Tool {
	return mcp.Tool{
		Name:        "search_images",
		Description: "Find indexed images that match a natural-language description",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Description of the images to find",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     defaultTopK,
					"minimum":     1,
					"maximum":     100,
				},
				"max_age_days": map[string]interface{}{
					"type":        "integer",
					"description": "Only return images modified within this many days (0 = no limit)",
					"default":     0,
					"minimum":     0,
				},
				"min_similarity": map[string]interface{}{
					"type":        "number",
					"description": "Minimum cosine similarity (-1.0 to 1.0)",
					"default":     defaultMinSimilarity,
					"minimum":     -1.0,
					"maximum":     1.0,
				},
			},
			Required: []string{"query"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report cache statistics, resumability, indexer state and system memory",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
