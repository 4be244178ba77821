// Package subscriptions holds the subscription record, its status state
// machine and the stores the billing orchestrator reads and writes.
//
// Three Store implementations are provided:
//
//   - DynamoStore: single-table DynamoDB layout (pk = SUB#<id>, sk = META)
//     with org-index, status-due-index and a sparse gateway-ref-index
//   - PostgresStore: relational layout with versioned migrations
//   - MemoryStore: process-local store for tests and local runs
//
// Every write goes through UpdateStatus, which applies UpdateFields only when
// the stored version matches the caller's expected version. A mismatch
// returns ErrVersionConflict and leaves the record unchanged.
//
// Timestamps on the billing path are epoch seconds; audit timestamps
// (CreatedAt, UpdatedAt) are ISO-8601 strings in UTC.
package subscriptions
