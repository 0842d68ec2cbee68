// Package storage provides the durable message stores (inbox and outbox).
//
// Each store is a SQLite database holding:
//   - Messages, with a tombstone flag for deletion stubs
//   - Readers, one row per (message, reader name) acknowledgment
//
// Content larger than MaxInlineContent is offloaded to a file and read
// through transparently. A Purger removes expired rows on a fixed interval.
package storage
