package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")

	// ErrUnreadableImage is returned for bytes that do not decode as a
	// supported image.
	ErrUnreadableImage = types.ErrUnreadableImage
)

// Embedder maps images and text into one shared vector space.
type Embedder interface {
	// EmbedImage embeds encoded image bytes (JPEG or PNG)
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)

	// EmbedText embeds a natural-language query
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache provides in-memory LRU caching of text embeddings by content hash
type Cache struct {
	cache *lru.Cache[string, []float32]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 1000
	}
	cache, err := lru.New[string, []float32](maxLen)
	if err != nil {
		// Should never happen with positive size, but fallback to default
		cache, _ = lru.New[string, []float32](1000)
	}
	return &Cache{
		cache: cache,
	}
}

// Get retrieves a copy of a cached vector
// Returns a copy to prevent caller mutations from affecting cached values
func (c *Cache) Get(hash string) ([]float32, bool) {
	vec, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Set stores a copy of vec with automatic LRU eviction
func (c *Cache) Set(hash string, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache.Add(hash, stored)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateText validates a text query. Whitespace-only text is rejected.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateImage checks that data is non-empty.
func ValidateImage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input", ErrUnreadableImage)
	}
	return nil
}

// cachedText looks up text in cache, calling embed on a miss.
func cachedText(cache *Cache, text string, embed func() ([]float32, error)) ([]float32, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}
	hash := ComputeHash(text)
	if cache != nil {
		if vec, ok := cache.Get(hash); ok {
			return vec, nil
		}
	}
	vec, err := embed()
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Set(hash, vec)
	}
	return vec, nil
}
