// Package indexer runs the resumable, memory-bounded indexing pipeline that
// fills the embedding cache.
//
// # Basic Usage
//
//	idx, err := indexer.New(indexer.Dependencies{
//	    Store:    cache,
//	    Embedder: emb,
//	    Scanner:  scanner.NewWalker(scanner.Options{Recursive: true}),
//	    Sampler:  monitor,
//	}, indexer.Config{ChunkSize: 5000})
//
//	res, err := idx.Run(ctx, indexer.Request{Roots: []string{"/photos", "/scans"}})
//	fmt.Printf("%s: %d indexed, %d skipped\n", res.State, res.Stats.FilesIndexed, res.Stats.FilesSkipped)
//
// # Pipeline
//
// A run moves through these states:
//
//	Idle -> Scanning -> Planning -> ProcessingChunk -> Checkpointing
//	     -> (ProcessingChunk | Completed | Cancelled | Failed)
//
//  1. Scanning: check the requested roots against the cache binding, list
//     candidate files under every root, compare each against the cached
//     size and mtime, prune vanished files on a full rescan, then bind the
//     cache to the root set. A scan failure writes nothing.
//  2. Planning: resume an interrupted run with its persisted plan, then
//     persist a fresh plan for the remaining work
//  3. ProcessingChunk: embed the chunk's files on a bounded worker pool
//  4. Checkpointing: upsert the chunk's records, mark the chunk complete,
//     sample memory
//
// # Checkpoints
//
// Records are committed before the chunk is marked complete. A crash between
// the two re-embeds that chunk on the next run; the upsert overwrites by path,
// so the outcome is the same.
//
// # Memory Pressure
//
// After every checkpoint the memory sampler is polled. Warning halves the
// size of the following chunks. Critical quarters it and stops the run as
// Cancelled with StopReasonMemory. Every adjustment is persisted so the next
// run replays the same chunk boundaries.
//
// # Cancellation
//
// Cancelling the context stops the run at the next chunk boundary. Files in
// flight finish (each bounded by Config.EmbeddingTimeout) and are
// checkpointed first. A cancelled run returns a nil error.
//
// # Per-file Failures
//
// Unreadable images, read errors, timeouts and wrong-dimension vectors are
// recorded in Result.Failures and skipped. They are not cached, so the next
// run tries them again.
package indexer
