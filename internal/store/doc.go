// Package store provides SQLite-backed durable storage for the
// settlement trace: agreements, activities, debit notes, invoices and
// payments.
//
// Every write is idempotent. Immutable facts (payments) use
// ON CONFLICT DO NOTHING; records with a single mutable column
// (agreement state, note status) use ON CONFLICT DO UPDATE on just that
// column, so replaying a trace against an existing database converges to
// the same rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All list queries order deterministically (seq or timestamp, ties broken
// by id COLLATE BINARY) so a trace dump is byte-stable for a given
// database.
package store
