// Package retry provides the exponential backoff policy shared by past-due
// charge retries and alert webhook delivery.
//
// The delay before retry n is InitialDelay * BackoffMultiplier^(n-1), capped
// at MaxDelay. Policy.Due answers the scheduling question for work that is
// retried across runs; Policy.Do retries in-process with context-aware sleeps.
package retry
