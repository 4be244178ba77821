// Package attempts is the billing attempt ledger. Every charge the
// orchestrator makes is recorded here so the alert analyzer can count
// consecutive failures per subscription and look for fraud patterns across
// organizations.
//
// Recording is best effort: callers log ledger errors and carry on.
package attempts
