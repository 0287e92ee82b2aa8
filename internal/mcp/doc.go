// Package mcp implements the Model Context Protocol (MCP) server for image
// search.
//
// The MCP server exposes three tools to AI assistants:
//   - index_images: Index (or resume indexing) an image directory
//   - search_images: Find images matching a natural-language description
//   - get_status: Report cache statistics, resumability and memory
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only, so all logging goes to stderr.
//
// # Basic Usage
//
// The MCP server is typically started via the serve command:
//
//	imagesearch serve
//
// # Tool: index_images
//
//	Request:
//	{
//	  "name": "index_images",
//	  "arguments": {
//	    "roots": ["/home/me/Pictures", "/mnt/camera"],
//	    "subdir": "/home/me/Pictures/2024"
//	  }
//	}
//
//	Response:
//	{
//	  "run_id": "6f1c...",
//	  "state": "completed",
//	  "files_scanned": 1200,
//	  "files_skipped": 1100,
//	  "files_indexed": 100,
//	  "chunks": 1,
//	  "duration_ms": 5230
//	}
//
// A run stopped by memory pressure reports state "cancelled" with
// "stop_reason": "memory" and "resumable": true. Calling index_images again
// continues from the last checkpoint.
//
// # Tool: search_images
//
//	Request:
//	{
//	  "name": "search_images",
//	  "arguments": {
//	    "query": "dog playing in snow",
//	    "top_k": 5,
//	    "max_age_days": 365,
//	    "min_similarity": 0.2
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {"rank": 1, "path": "/home/me/Pictures/2024/IMG_0042.jpg",
//	     "root": "/home/me/Pictures", "similarity": 0.31, ...}
//	  ],
//	  "total": 1,
//	  "scanned": 1180
//	}
//
// # Error Handling
//
// Errors are returned as *MCPError with JSON-RPC style codes:
//
//	-32602  invalid parameters
//	-32603  internal error
//	-32002  indexing already in progress
//	-32003  nothing indexed yet
//	-32004  invalid query
//	-32005  cache belongs to other roots, model or dimension
//	-32006  cache is corrupt
package mcp
