// Package alerts detects operational problems in a billing run and delivers
// them to operators.
//
// The Analyzer inspects a billing.RunResult together with the charge attempt
// history and produces CriticalAlerts:
//
//   - high_failure_rate when the combined failure rate of the charging
//     stages exceeds the configured threshold (critical above the second
//     threshold)
//   - billing_failure for each subscription with too many consecutive
//     failed charges
//   - payment_fraud when one organization fails on many distinct cards, or
//     one gateway error code hits many organizations within the window
//   - system_error when the run could not complete at all
//
// A Sender hands alerts to a Channel. Channels exist for signed webhooks,
// operator email and the structured log; MultiChannel fans out to several
// and succeeds when any of them does.
//
//	analyzer := alerts.NewAnalyzer(alerts.DefaultConfig(), ledger, logger)
//	sender := alerts.NewSender(alerts.NewMultiChannel(logger, webhook, email), metrics, logger)
//	result := sender.SendAlerts(ctx, analyzer.Analyze(ctx, runResult))
package alerts
