// Package storage holds the records notifyd reacts to and the state it keeps.
//
// One Store covers the source collections (notifications,
// topic_notifications, events), the user directory, clubs, the change log
// that feeds the listener, and the append-only notification history.
//
// Drivers:
//   - "memory": maps guarded by a mutex (tests, development)
//   - "sqlite": SQLite file; AFTER INSERT triggers fill the change log
package storage
