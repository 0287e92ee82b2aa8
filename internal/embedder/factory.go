package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables consulted by NewFromEnv
const (
	EnvProvider   = "IMAGESEARCH_EMBEDDING_PROVIDER"
	EnvJinaAPIKey = "JINA_API_KEY"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	APIKey    string
	Endpoint  string
	Model     string
	Dimension int
	CacheSize int
	Timeout   time.Duration
}

// NewFromEnv creates an embedder based on environment variables
// Priority:
// 1. IMAGESEARCH_EMBEDDING_PROVIDER (jina, local)
// 2. JINA_API_KEY present selects jina
// 3. Default to local
func NewFromEnv() (Embedder, error) {
	return New(Config{Provider: DetectProvider(), CacheSize: 1000})
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderJina:
		return NewJinaProvider(JinaOptions{
			APIKey:    cfg.APIKey,
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		}, cache)
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimension, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider that would be used based on current environment
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}

	return ProviderLocal
}
