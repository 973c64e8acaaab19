// Package storage is the durable layer behind the dispatcher and the sync
// engine: scheduled items and their lifecycle, tracked posts and their view
// counts, and the delivery audit log.
//
// Drivers:
//   - "sqlite": single-file database (modernc.org/sqlite, WAL)
//   - "postgres": pgx connection pool; claims use FOR UPDATE SKIP LOCKED
package storage
