// Package embedder maps images and text queries into a shared vector space.
//
// Two providers are available: the Jina CLIP API (jina-clip-v2 by default)
// and an offline local provider that derives deterministic vectors from the
// input bytes.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  "jina",
//	    APIKey:    os.Getenv("JINA_API_KEY"),
//	    CacheSize: 1000,
//	})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	data, _ := os.ReadFile("beach.jpg")
//	imageVec, err := emb.EmbedImage(ctx, data)
//
//	queryVec, err := emb.EmbedText(ctx, "sunset over the sea")
//
// # Input Validation
//
// Image bytes are checked with image.DecodeConfig before any provider work.
// Anything that is not a JPEG or PNG fails with ErrUnreadableImage, which the
// indexing pipeline records as a per-file failure:
//
//	if errors.Is(err, embedder.ErrUnreadableImage) {
//	    // skip the file, keep the chunk going
//	}
//
// Text queries must contain at least one non-space character (ErrEmptyText).
//
// # Provider Selection
//
// NewFromEnv selects a provider from the environment:
//
//  1. If IMAGESEARCH_EMBEDDING_PROVIDER is set, use it
//  2. Else if JINA_API_KEY is set, use Jina
//  3. Else fall back to the local provider
//
// # Caching
//
// Text embeddings are cached in an LRU keyed by the SHA-256 of the query, so
// repeated searches skip the API round trip. Image embeddings are not cached
// here; the embedding cache in the storage package owns them.
//
// # Error Handling
//
// API calls retry with exponential backoff (3 attempts, 100ms doubling up to
// 5s). Authentication failures and rejected images are not retried.
package embedder
