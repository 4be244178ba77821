// Package reports archives the outcome of each billing run.
//
// A Report bundles the orchestrator's RunResult with the notification and
// alert delivery results of the same run. S3Archiver stores it as JSON under
//
//	[prefix/]billing-runs/YYYY/MM/DD/<runId>.json
//
// keyed by the run's start date in UTC. NoopArchiver is used when no bucket
// is configured. Archiving is best effort: callers log failures and carry on.
package reports
