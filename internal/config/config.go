// Package config loads the image search configuration.
//
// Values are applied in order: built-in defaults, the YAML file
// (~/.imagesearch/config.yaml unless a path is given), a .env file, and
// finally IMAGESEARCH_* environment variables. Load validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gluonMaster/ImageSearchGPU/internal/memory"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// Environment variables consulted by Load
const (
	EnvCacheDir          = "IMAGESEARCH_CACHE_DIR"
	EnvChunkSize         = "IMAGESEARCH_CHUNK_SIZE"
	EnvMinChunkSize      = "IMAGESEARCH_MIN_CHUNK_SIZE"
	EnvWarningBytes      = "IMAGESEARCH_WARNING_BYTES"
	EnvCriticalBytes     = "IMAGESEARCH_CRITICAL_BYTES"
	EnvMinSimilarity     = "IMAGESEARCH_MIN_SIMILARITY"
	EnvMaxResults        = "IMAGESEARCH_MAX_RESULTS"
	EnvEmbeddingTimeout  = "IMAGESEARCH_EMBEDDING_TIMEOUT_MS"
	EnvWorkers           = "IMAGESEARCH_WORKERS"
	EnvRecursive         = "IMAGESEARCH_RECURSIVE"
	EnvProvider          = "IMAGESEARCH_EMBEDDING_PROVIDER"
	EnvEndpoint          = "IMAGESEARCH_EMBEDDING_ENDPOINT"
	EnvModel             = "IMAGESEARCH_EMBEDDING_MODEL"
	EnvDimension         = "IMAGESEARCH_EMBEDDING_DIMENSION"
	EnvJinaAPIKey        = "JINA_API_KEY"
	EnvLogLevel          = "IMAGESEARCH_LOG_LEVEL"
	EnvLogFormat         = "IMAGESEARCH_LOG_FORMAT"
	DefaultEnvFile       = ".env"
	DefaultConfigDirName = ".imagesearch"
	DefaultConfigFile    = "config.yaml"
)

// Embedder selects and configures the embedding provider.
type Embedder struct {
	// Provider is "jina" or "local". Empty picks jina when an API key is
	// present.
	Provider  string `yaml:"provider,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	CacheSize int    `yaml:"cache_size"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the in-memory representation of config.yaml.
type Config struct {
	CacheDir           string   `yaml:"cache_dir"`
	ChunkSize          int      `yaml:"chunk_size_default"`
	MinChunkSize       int      `yaml:"min_chunk_size"`
	WarningBytes       uint64   `yaml:"warning_bytes"`
	CriticalBytes      uint64   `yaml:"critical_bytes"`
	MinSimilarity      float64  `yaml:"min_similarity"`
	MaxResults         int      `yaml:"max_results_default"`
	EmbeddingTimeoutMS int      `yaml:"embedding_timeout_ms"`
	Workers            int      `yaml:"workers"`
	Extensions         []string `yaml:"extensions"`
	Excludes           []string `yaml:"excludes,omitempty"`
	Recursive          bool     `yaml:"recursive"`
	Embedder           Embedder `yaml:"embedder"`
	Log                Log      `yaml:"log"`
}

// Options controls where Load looks for configuration.
type Options struct {
	// Path is an explicit config file. It must exist when set.
	Path string
	// EnvFile is a dotenv file. Defaults to .env in the working directory;
	// a missing file is ignored.
	EnvFile string
}

// Dir returns the absolute path to ~/.imagesearch/.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDirName), nil
}

// Path returns the absolute path to ~/.imagesearch/config.yaml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand ~: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	th := memory.DefaultThresholds()
	return &Config{
		CacheDir:           filepath.Join("~", DefaultConfigDirName, "cache"),
		ChunkSize:          5000,
		MinChunkSize:       100,
		WarningBytes:       th.WarningBytes,
		CriticalBytes:      th.CriticalBytes,
		MinSimilarity:      0.1,
		MaxResults:         20,
		EmbeddingTimeoutMS: 30000,
		Workers:            runtime.NumCPU(),
		Extensions:         []string{".jpg", ".jpeg", ".png"},
		Recursive:          true,
		Embedder: Embedder{
			CacheSize: 1000,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from every source and validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	path := opts.Path
	explicit := path != ""
	if !explicit {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := cfg.readFile(path, explicit); err != nil {
		return nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	expanded, err := ExpandPath(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	cfg.CacheDir = expanded

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: invalid YAML in %s: %v", types.ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	bytes := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(EnvCacheDir, &c.CacheDir)
	num(EnvChunkSize, &c.ChunkSize)
	num(EnvMinChunkSize, &c.MinChunkSize)
	bytes(EnvWarningBytes, &c.WarningBytes)
	bytes(EnvCriticalBytes, &c.CriticalBytes)
	num(EnvMaxResults, &c.MaxResults)
	num(EnvEmbeddingTimeout, &c.EmbeddingTimeoutMS)
	num(EnvWorkers, &c.Workers)
	str(EnvProvider, &c.Embedder.Provider)
	str(EnvEndpoint, &c.Embedder.Endpoint)
	str(EnvModel, &c.Embedder.Model)
	num(EnvDimension, &c.Embedder.Dimension)
	str(EnvJinaAPIKey, &c.Embedder.APIKey)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)

	if v := os.Getenv(EnvMinSimilarity); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMinSimilarity, err))
		} else {
			c.MinSimilarity = f
		}
	}
	if v := os.Getenv(EnvRecursive); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRecursive, err))
		} else {
			c.Recursive = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks every field. All violations wrap types.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.CacheDir != "", "cache_dir is required")
	check(c.ChunkSize > 0, "chunk_size_default must be > 0, got %d", c.ChunkSize)
	check(c.MinChunkSize > 0, "min_chunk_size must be > 0, got %d", c.MinChunkSize)
	check(c.MinChunkSize <= c.ChunkSize, "min_chunk_size (%d) must not exceed chunk_size_default (%d)", c.MinChunkSize, c.ChunkSize)
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.MinSimilarity >= -1 && c.MinSimilarity <= 1, "min_similarity must be in [-1,1], got %v", c.MinSimilarity)
	check(c.MaxResults >= 1 && c.MaxResults <= 100, "max_results_default must be in [1,100], got %d", c.MaxResults)
	check(c.EmbeddingTimeoutMS > 0, "embedding_timeout_ms must be > 0, got %d", c.EmbeddingTimeoutMS)
	check(c.Workers > 0, "workers must be > 0, got %d", c.Workers)
	check(len(c.Extensions) > 0, "extensions must not be empty")
	for _, ext := range c.Extensions {
		check(strings.HasPrefix(ext, ".") && len(ext) > 1, "extension %q must start with a dot", ext)
	}
	check(c.Embedder.Dimension >= 0, "embedder.dimension must be >= 0, got %d", c.Embedder.Dimension)
	check(c.Embedder.CacheSize >= 0, "embedder.cache_size must be >= 0, got %d", c.Embedder.CacheSize)
	switch strings.ToLower(c.Embedder.Provider) {
	case "", "jina", "local":
	default:
		errs = append(errs, fmt.Errorf("embedder.provider %q is not supported", c.Embedder.Provider))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Thresholds returns the memory monitor limits.
func (c *Config) Thresholds() memory.Thresholds {
	return memory.Thresholds{WarningBytes: c.WarningBytes, CriticalBytes: c.CriticalBytes}
}

// EmbeddingTimeout returns the per-file embedding timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutMS) * time.Millisecond
}

// Save marshals cfg and writes it to path, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}
