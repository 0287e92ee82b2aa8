package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"
)

// Provider configuration
const (
	ProviderJina  = "jina"
	ProviderLocal = "local"

	// Default models
	DefaultJinaModel  = "jina-clip-v2"
	DefaultLocalModel = "local-hash-v1"

	// Dimensions
	JinaDimension  = 1024
	LocalDimension = 512

	DefaultJinaEndpoint = "https://api.jina.ai/v1/embeddings"

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// JinaProvider implements Embedder using the Jina CLIP embeddings API,
// which places images and text in one vector space.
type JinaProvider struct {
	apiKey     string
	endpoint   string
	model      string
	dimension  int
	httpClient *http.Client
	cache      *Cache
	retry      RetryConfig
}

// JinaOptions configures NewJinaProvider. Zero values select defaults.
type JinaOptions struct {
	APIKey    string
	Endpoint  string
	Model     string
	Dimension int
	Timeout   time.Duration
	Retry     *RetryConfig
}

// NewJinaProvider creates a new Jina CLIP embedder
func NewJinaProvider(opts JinaOptions, cache *Cache) (*JinaProvider, error) {
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv(EnvJinaAPIKey)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultJinaEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultJinaModel
	}
	if opts.Dimension == 0 {
		opts.Dimension = JinaDimension
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	return &JinaProvider{
		apiKey:    opts.APIKey,
		endpoint:  opts.Endpoint,
		model:     opts.Model,
		dimension: opts.Dimension,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		cache: cache,
		retry: retry,
	}, nil
}

// jinaInput is one element of the API input array; exactly one field is set.
type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

func (j *JinaProvider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if _, err := DecodeImageConfig(data); err != nil {
		return nil, err
	}
	input := jinaInput{Image: base64.StdEncoding.EncodeToString(data)}
	return j.embed(ctx, input)
}

func (j *JinaProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return cachedText(j.cache, text, func() ([]float32, error) {
		return j.embed(ctx, jinaInput{Text: text})
	})
}

func (j *JinaProvider) embed(ctx context.Context, input jinaInput) ([]float32, error) {
	vec, err := retryWithBackoff(ctx, j.retry, func() ([]float32, error) {
		return j.callAPI(ctx, input)
	})
	if err != nil {
		if isPermanent(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderFailed, j.retry.MaxRetries, err)
	}
	return vec, nil
}

func (j *JinaProvider) callAPI(ctx context.Context, input jinaInput) ([]float32, error) {
	reqBody := map[string]interface{}{
		"model":      j.model,
		"dimensions": j.dimension,
		"normalized": true,
		"input":      []jinaInput{input},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if input.Image != "" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity) {
			return nil, permanent(fmt.Errorf("%w: api rejected image: %s", ErrUnreadableImage, string(bodyBytes)))
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, permanent(fmt.Errorf("%w: api error %d: %s", ErrProviderFailed, resp.StatusCode, string(bodyBytes)))
		}
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) == 0 || len(apiResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	return apiResp.Data[0].Embedding, nil
}

func (j *JinaProvider) Dimension() int {
	return j.dimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider is an offline embedder. Vectors are a deterministic function
// of the input bytes, so identical images map to identical vectors, but the
// space carries no semantic meaning. It exists for tests and air-gapped runs.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension == 0 {
		dimension = LocalDimension
	}
	if dimension < 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidInput, dimension)
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
		cache:     cache,
	}, nil
}

func (l *LocalProvider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if _, err := DecodeImageConfig(data); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashVector([]byte("image:"), data, l.dimension), nil
}

func (l *LocalProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return cachedText(l.cache, text, func() ([]float32, error) {
		return hashVector([]byte("text:"), []byte(text), l.dimension), nil
	})
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// hashVector expands SHA-256(prefix || data || counter) into a unit vector of
// the requested dimension with components in [-1, 1] before normalization.
func hashVector(prefix, data []byte, dimension int) []float32 {
	digest := sha256.Sum256(append(append([]byte(nil), prefix...), data...))
	vector := make([]float32, dimension)
	var block [sha256.Size]byte
	var seed [sha256.Size + 4]byte
	copy(seed[:], digest[:])
	for i := range vector {
		if i%sha256.Size == 0 {
			binary.BigEndian.PutUint32(seed[sha256.Size:], uint32(i/sha256.Size))
			block = sha256.Sum256(seed[:])
		}
		vector[i] = float32(block[i%sha256.Size])/127.5 - 1
	}
	return NormalizeVector(vector)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := math.Sqrt(sum)
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}

	return result
}
