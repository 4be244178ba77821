// Package billing runs the daily subscription billing pipeline.
//
// # Overview
//
// A run walks four stages in a fixed order:
//
//  1. Trial notice: trials ending within the notice window get a
//     trial_ending event. Nothing is charged.
//  2. Expired trials: trials whose end has passed are charged through the
//     gateway. Success moves them to active and extends the period by one
//     interval; failure moves them to past_due.
//  3. Renewals: active subscriptions whose period has ended are charged the
//     same way.
//  4. Past due retries: past_due subscriptions under the retry budget are
//     charged once their backoff has elapsed. Running out of budget moves
//     them to unpaid.
//
// Subscriptions flagged cancel_at_period_end are canceled instead of
// charged. A subscription handled by one stage is skipped by later stages
// of the same run.
//
// # Failure handling
//
// A failed charge, a gateway panic or a failed status write only affects its
// own subscription and is recorded in RunResult.Errors. A stage whose
// candidate query fails is skipped. RunDailyBilling returns an error only
// when the context is already done or every stage failed to reach the store.
//
// When a charge is approved but the subscription cannot be updated, the
// error names the subscription and the buy order so the payment can be
// reconciled by hand. Such a charge must not be retried.
//
// # Usage
//
//	svc, err := billing.NewService(billing.Config{MaxRetryAttempts: 4}, store, gatewayClient,
//		billing.WithLedger(ledger),
//		billing.WithMetrics(metrics),
//		billing.WithLogger(logger),
//	)
//	result, err := svc.RunDailyBilling(ctx)
//
// # Related Packages
//
//   - pkg/subscriptions: subscription records and stores
//   - pkg/gateway: Transbank client
//   - pkg/notify: rendering and delivery of the queued events
//   - pkg/alerts: analysis of RunResult
package billing
