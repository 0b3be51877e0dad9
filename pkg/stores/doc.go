// Package stores provides the persistence layer of the engine. MemoryStore
// keeps records in process memory for tests and embedding. SQLStore keeps
// them in SQLite (modernc, WAL mode) or PostgreSQL (pgx) with embedded
// golang-migrate migrations, and SQLQueue adds a durable work queue on the
// same database.
//
// Every mutable record carries a version; updates are compare-and-swap
// writes that fail with engine.ErrVersionConflict when the version moved.
package stores
