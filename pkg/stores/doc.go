// Package stores provides persistence implementations of engine.Store.
//
// SQLStore backs both the embedded SQLite store (modernc.org/sqlite, WAL mode)
// and the PostgreSQL store (pgx). Schemas are embedded and applied with
// golang-migrate. Node executions are stored as JSON documents next to the
// columns used for querying, and every status change is an optimistic
// compare-and-set on a version column. MemoryStore implements the same
// contract in process, and MinioPayloadStore offloads large output payloads
// to an S3-compatible bucket.
package stores
