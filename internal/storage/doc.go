// Package storage persists the notification delivery log and notifier dedup
// state.
//
// Drivers:
//   - "sqlite": embedded SQLite file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx, schema managed by golang-migrate
//   - "none" or empty: storage disabled
//
// No reminder registrations are stored here.
package storage
