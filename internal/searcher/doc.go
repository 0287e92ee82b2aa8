// Package searcher ranks cached image embeddings against a query vector or a
// natural-language query.
//
// # Basic Usage
//
//	s := searcher.New(cache, emb)
//
//	resp, err := s.SearchText(ctx, searcher.TextRequest{
//	    Query:         "sunset over the ocean",
//	    TopK:          10,
//	    MaxAgeDays:    30,
//	    MinSimilarity: 0.1,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s (%.3f)\n", r.Rank, r.Path, r.Similarity)
//	}
//
// # Ranking
//
// Every record is scored by cosine similarity, clamped to [-1, 1]. Records
// whose vector has zero norm or a different dimension score 0. Results are
// ordered by similarity, then newest modification time, then path, so equal
// inputs always produce the same list. Only the best TopK candidates are kept
// while streaming, in a bounded heap. Each result is labelled with the
// dataset root it lies under.
//
// # Filters
//
//   - MaxAgeDays drops images modified more than that many days ago (0 = off)
//   - MinSimilarity drops results scoring below the threshold
//
// Invalid parameters fail with types.ErrInvalidQuery before the cache is read.
//
// # Caching
//
// Responses are kept in an LRU keyed by a hash of the request and the cache
// generation. Any committed write to the embedding cache changes the
// generation, so stale responses are never served. Entries also expire after
// a TTL because the age filter depends on the current time.
package searcher
