// Package storage provides the durable embedding cache for one image dataset.
//
// A dataset is a set of root directories bound to the cache by the first
// indexing run. Later runs must name the same set.
//
// The cache directory holds three files:
//   - embeddings.db: SQLite database with one row per indexed image plus
//     cache metadata (dimension, model, roots, last_indexed_at)
//   - progress.db: bbolt database with the cursor of the in-progress run
//   - cache.lock: advisory lock enforcing one process per cache
//
// Each artifact loads independently. A missing or empty progress.db means no
// run is in progress.
//
// # Database Schema
//
// Tables:
//   - records: path (primary key), little-endian float32 vector blob,
//     dimension, size and modification time in Unix nanoseconds
//   - cache_meta: key/value metadata
//   - schema_version: applied migrations, ordered by semver
//
// # Basic Usage
//
//	cache, err := storage.Open(ctx, "~/.imagesearch/cache", storage.Options{})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	v, err := cache.Verify(ctx)
//	if errors.Is(err, types.ErrCacheCorrupt) {
//	    // refuse to continue; the user must clear the cache
//	}
//
// Verify streams the records through the checks. Load runs the same checks
// and also returns every record.
//
// # Checkpoint Contract
//
// The pipeline commits every chunk in two steps:
//
//	if err := cache.Upsert(ctx, records); err != nil {
//	    return err
//	}
//	if err := cache.MarkChunkComplete(ctx, chunk); err != nil {
//	    return err
//	}
//
// A crash between the two steps leaves the chunk pending, so it is embedded
// again on resume. Upsert overwrites by path, which makes the repeat
// harmless. Completed and pending chunks are derived from one persisted file
// list, so they are disjoint and cover the whole run after every write.
//
// # Progress Layout
//
// progress.db buckets:
//   - run: JSON header with run ID, roots, chunk sizes and adjustment log
//   - files: 8-byte big-endian ordinal -> JSON FileRef
//   - completed: 8-byte big-endian chunk sequence -> JSON {start, end}
//
// PendingChunks replays the header through the chunk planner, so resumed
// chunks have exactly the boundaries of the interrupted run.
//
// # Snapshots
//
// Scan streams records from a single query, which SQLite serves from one
// read snapshot. With WAL enabled a search running beside the indexer sees
// a prefix of completed chunks and never a partial chunk.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_cgo tag switches to github.com/mattn/go-sqlite3.
package storage
