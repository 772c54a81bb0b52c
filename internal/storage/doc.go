// Package storage persists tasks, categories, reminders and delivery dedup keys.
//
// Two drivers implement Store:
//   - "sqlite": modernc.org/sqlite database with embedded, versioned migrations
//   - "file": in-memory maps persisted as an atomic JSON snapshot (memory only when the path is empty)
//
// Times are stored as unix milliseconds. Due dates are kept as civil strings
// ("2006-01-02", "15:04") so they are independent of the process time zone.
package storage
