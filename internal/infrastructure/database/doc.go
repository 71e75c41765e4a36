// Package database provides SQLite connection management and schema
// migrations for breezecore's device registry and state history.
//
// # Connection Management
//
// Open configures a single-connection pool. SQLite allows one writer at a
// time and the registry is low-traffic, so serialising through one
// connection avoids SQLITE_BUSY churn without a meaningful throughput cost.
// WAL mode is enabled by default so readers never block the writer.
//
// # Migrations
//
// Migrations are plain SQL files embedded into the binary by the top-level
// migrations package. Filenames follow YYYYMMDD_HHMMSS_description.up.sql
// (with an optional matching .down.sql). Each migration runs in its own
// transaction and is recorded in schema_migrations, so a failed migration
// leaves earlier ones committed and can be retried after a fix.
package database
