// Package storage is the durable SQLite backend.
//
// One database file holds:
//   - the audit trail (audit.Sink)
//   - message records (message.Store)
//   - retry jobs and dead letters (retryq.Queue)
//   - opt-out flags (compliance.Store)
//   - sealed channel credentials (vault.CredentialStore)
//   - SLA deadlines (sla.Store)
//
// Timestamps are unix milliseconds; zero means unset.
package storage
