// Package audit provides an append-only SQLite ledger of run lifecycle
// operations: which identity started, cancelled, or streamed which run,
// in which storage mode, and when.
//
// The ledger is strictly write-only from the gateway's point of view
// during request handling; List exists for operators and tests. Because
// no lifecycle operation ever reads it, local-mode run state remains
// purely in-memory even when the ledger is enabled.
//
// Auditing is optional: it is active only when audit.db_path is
// configured, and audit failures are logged, never surfaced to callers.
package audit
