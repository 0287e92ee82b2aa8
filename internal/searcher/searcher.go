package searcher

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

const (
	// MaxTopK is the largest accepted result count.
	MaxTopK = 100

	DefaultCacheSize = 1000
	DefaultCacheTTL  = 5 * time.Minute
)

// RecordSource is a read-only view of the embedding cache.
type RecordSource interface {
	// Scan streams every record from one consistent snapshot.
	Scan(ctx context.Context, fn func(types.EmbeddingRecord) error) error
	// Generation changes whenever committed records change.
	Generation() uint64
	// Roots returns the dataset roots, used to label each result.
	Roots(ctx context.Context) ([]string, error)
}

// Request is a vector query.
type Request struct {
	Vector        []float32
	TopK          int     // 1..100
	MaxAgeDays    int     // 0 disables the age filter
	MinSimilarity float64 // -1..1
}

// TextRequest is a natural-language query.
type TextRequest struct {
	Query         string
	TopK          int
	MaxAgeDays    int
	MinSimilarity float64
}

// Response contains search results and metadata
type Response struct {
	Results    []types.QueryResult
	Scanned    int // records compared against the query
	Generation uint64
	Duration   time.Duration
	CacheHit   bool
}

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithClock sets the time source for the age filter and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) { s.now = now }
}

// WithCacheSize sets the response cache capacity. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(s *Searcher) { s.cacheSize = n }
}

// WithCacheTTL bounds how long a cached response is served.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Searcher) { s.cacheTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// Searcher ranks cached embeddings against a query.
type Searcher struct {
	source   RecordSource
	embedder embedder.Embedder
	logger   *slog.Logger
	now      func() time.Time

	cacheSize int
	cacheTTL  time.Duration
	cache     *lru.Cache[[32]byte, *cacheEntry]
}

// New creates a Searcher over src. emb is only needed for SearchText.
func New(src RecordSource, emb embedder.Embedder, opts ...Option) *Searcher {
	s := &Searcher{
		source:    src,
		embedder:  emb,
		logger:    slog.Default(),
		now:       time.Now,
		cacheSize: DefaultCacheSize,
		cacheTTL:  DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](s.cacheSize)
		if err != nil {
			// This should never happen with valid size parameter
			panic(fmt.Sprintf("failed to create LRU cache: %v", err))
		}
		s.cache = cache
	}
	return s
}

// Search ranks every cached record against req.Vector.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	gen := s.source.Generation()
	key := computeQueryHash(req, gen)
	if cached := s.checkCache(key); cached != nil {
		cached.CacheHit = true
		cached.Duration = time.Since(start)
		return cached, nil
	}

	r := newRanker(req, s.now())
	err := s.source.Scan(ctx, func(rec types.EmbeddingRecord) error {
		r.add(rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	results := r.results()
	if len(results) > 0 {
		roots, err := s.source.Roots(ctx)
		if err != nil {
			return nil, fmt.Errorf("read roots: %w", err)
		}
		for i := range results {
			results[i].Root = types.RootOf(roots, results[i].Path)
		}
	}

	resp := &Response{
		Results:    results,
		Scanned:    r.scanned,
		Generation: gen,
		Duration:   time.Since(start),
	}
	s.storeInCache(key, resp)

	s.logger.Debug("search completed",
		"scanned", resp.Scanned, "results", len(resp.Results), "duration", resp.Duration)
	return resp, nil
}

// SearchText embeds req.Query and runs a vector search.
func (s *Searcher) SearchText(ctx context.Context, req TextRequest) (*Response, error) {
	vreq := Request{
		Vector:        []float32{0},
		TopK:          req.TopK,
		MaxAgeDays:    req.MaxAgeDays,
		MinSimilarity: req.MinSimilarity,
	}
	if err := ValidateRequest(vreq); err != nil {
		return nil, err
	}
	if err := embedder.ValidateText(req.Query); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("embedder not initialized")
	}

	vec, err := s.embedder.EmbedText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	vreq.Vector = vec
	return s.Search(ctx, vreq)
}

// InvalidateCache drops every cached response.
func (s *Searcher) InvalidateCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// ValidateRequest checks query parameters. Every violation wraps
// types.ErrInvalidQuery.
func ValidateRequest(req Request) error {
	if len(req.Vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", types.ErrInvalidQuery)
	}
	for _, v := range req.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: query vector has non-finite components", types.ErrInvalidQuery)
		}
	}
	if req.TopK < 1 || req.TopK > MaxTopK {
		return fmt.Errorf("%w: top_k must be in [1,%d], got %d", types.ErrInvalidQuery, MaxTopK, req.TopK)
	}
	if req.MaxAgeDays < 0 {
		return fmt.Errorf("%w: max_age_days must be >= 0, got %d", types.ErrInvalidQuery, req.MaxAgeDays)
	}
	if math.IsNaN(req.MinSimilarity) || req.MinSimilarity < -1 || req.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be in [-1,1], got %v", types.ErrInvalidQuery, req.MinSimilarity)
	}
	return nil
}

// Rank filters and orders records for req as of now. Results are sorted by
// similarity, then newest modification time, then path, and ranked from 1.
func Rank(records iter.Seq[types.EmbeddingRecord], req Request, now time.Time) ([]types.QueryResult, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	r := newRanker(req, now)
	for rec := range records {
		r.add(rec)
	}
	return r.results(), nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. Empty, zero-norm or mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

// ranker keeps the best TopK candidates seen so far.
type ranker struct {
	req     Request
	cutoff  time.Time
	scanned int
	top     resultHeap
}

func newRanker(req Request, now time.Time) *ranker {
	r := &ranker{req: req, top: make(resultHeap, 0, req.TopK+1)}
	if req.MaxAgeDays > 0 {
		r.cutoff = now.Add(-time.Duration(req.MaxAgeDays) * 24 * time.Hour)
	}
	return r
}

func (r *ranker) add(rec types.EmbeddingRecord) {
	if !r.cutoff.IsZero() && rec.ModTime.Before(r.cutoff) {
		return
	}
	r.scanned++
	sim := CosineSimilarity(r.req.Vector, rec.Vector)
	if sim < r.req.MinSimilarity {
		return
	}
	res := types.QueryResult{Path: rec.Path, Similarity: sim, ModTime: rec.ModTime, Size: rec.Size}
	if len(r.top) < r.req.TopK {
		heap.Push(&r.top, res)
		return
	}
	if better(res, r.top[0]) {
		r.top[0] = res
		heap.Fix(&r.top, 0)
	}
}

func (r *ranker) results() []types.QueryResult {
	out := make([]types.QueryResult, len(r.top))
	copy(out, r.top)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// better reports whether a ranks ahead of b.
func better(a, b types.QueryResult) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if !a.ModTime.Equal(b.ModTime) {
		return a.ModTime.After(b.ModTime)
	}
	return a.Path < b.Path
}

// resultHeap is a min-heap with the weakest candidate on top.
type resultHeap []types.QueryResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(types.QueryResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// checkCache looks up a cached response
func (s *Searcher) checkCache(key [32]byte) *Response {
	if s.cache == nil {
		return nil
	}
	entry, found := s.cache.Get(key)
	if !found {
		return nil
	}
	if s.now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil
	}
	return copyResponse(entry.response)
}

// storeInCache saves a response with a deep copy so callers cannot mutate it
func (s *Searcher) storeInCache(key [32]byte, resp *Response) {
	if s.cache == nil {
		return
	}
	s.cache.Add(key, &cacheEntry{
		response:  copyResponse(resp),
		expiresAt: s.now().Add(s.cacheTTL),
	})
}

func copyResponse(src *Response) *Response {
	dst := *src
	dst.Results = append([]types.QueryResult(nil), src.Results...)
	return &dst
}

// computeQueryHash computes a unique hash for a request against one cache
// generation
func computeQueryHash(req Request, generation uint64) [32]byte {
	h := sha256.New()
	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	write(generation)
	write(uint64(req.TopK))
	write(uint64(req.MaxAgeDays))
	write(math.Float64bits(req.MinSimilarity))
	write(uint64(len(req.Vector)))
	for _, v := range req.Vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// IsInvalidQuery reports whether err is a request validation failure.
func IsInvalidQuery(err error) bool {
	return errors.Is(err, types.ErrInvalidQuery)
}
