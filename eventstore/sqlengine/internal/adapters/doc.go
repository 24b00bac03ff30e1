// Package adapters provide database adapter implementations for the relational event store engine.
//
// This package implements the adapter pattern to support multiple database libraries:
// pgx.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent functionality through
// a common DBAdapter interface, so the engine works with any supported connection type
// and any registered driver (lib/pq, pgx stdlib, modernc sqlite).
package adapters
