package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bookflow/pkg/attempts"
	"github.com/platinummonkey/bookflow/pkg/billing"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/subscriptions"
)

// historyLimit bounds how many past attempts are read per subscription
const historyLimit = 50

// Analyzer turns a run result into alerts. It reads attempt history but
// never writes anything.
type Analyzer struct {
	config Config
	ledger attempts.Log
	logger *observability.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer. ledger may be nil, in which case only
// the run's own attempts are considered.
func NewAnalyzer(cfg Config, ledger attempts.Log, logger *observability.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}
	if cfg.CriticalFailureRate <= 0 {
		cfg.CriticalFailureRate = def.CriticalFailureRate
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = def.MinSampleSize
	}
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = def.ConsecutiveFailureThreshold
	}
	if cfg.FraudWindow <= 0 {
		cfg.FraudWindow = def.FraudWindow
	}
	if cfg.FraudDistinctCards <= 0 {
		cfg.FraudDistinctCards = def.FraudDistinctCards
	}
	if cfg.FraudSharedErrorOrgs <= 0 {
		cfg.FraudSharedErrorOrgs = def.FraudSharedErrorOrgs
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Analyzer{config: cfg, ledger: ledger, logger: logger, now: time.Now}
}

// Analyze returns the alerts for res: failure rate first, then per
// subscription failures, then fraud patterns.
func (a *Analyzer) Analyze(ctx context.Context, res *billing.RunResult) []CriticalAlert {
	if res == nil {
		return nil
	}
	var out []CriticalAlert
	if alert, ok := a.failureRate(res); ok {
		out = append(out, alert)
	}
	out = append(out, a.consecutiveFailures(ctx, res)...)
	out = append(out, a.fraudPatterns(ctx, res)...)
	return out
}

// SystemError builds the alert for a run that failed as a whole
func (a *Analyzer) SystemError(err error, runID string) CriticalAlert {
	data := map[string]interface{}{"error": err.Error()}
	if runID != "" {
		data["runId"] = runID
	}
	return a.newAlert(TypeSystemError, SeverityCritical,
		"Billing run failed",
		fmt.Sprintf("The daily billing run did not complete: %v", err),
		data)
}

func (a *Analyzer) newAlert(typ AlertType, sev Severity, title, message string, data map[string]interface{}) CriticalAlert {
	return CriticalAlert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: a.now().UTC(),
	}
}

func (a *Analyzer) failureRate(res *billing.RunResult) (CriticalAlert, bool) {
	combined := res.Combined()
	rate := combined.FailureRate()
	if combined.Processed < a.config.MinSampleSize || rate <= a.config.FailureRateThreshold {
		return CriticalAlert{}, false
	}

	sev := SeverityHigh
	if rate >= a.config.CriticalFailureRate {
		sev = SeverityCritical
	}
	return a.newAlert(TypeHighFailureRate, sev,
		"High billing failure rate",
		fmt.Sprintf("%d of %d charges failed (%.0f%%) in run %s", combined.Failed, combined.Processed, rate*100, res.RunID),
		map[string]interface{}{
			"runId":          res.RunID,
			"processed":      combined.Processed,
			"successful":     combined.Successful,
			"failed":         combined.Failed,
			"failureRate":    rate,
			"threshold":      a.config.FailureRateThreshold,
			"chargeResults":  res.ChargeResults,
			"renewalResults": res.RenewalResults,
			"retryResults":   res.RetryResults,
		}), true
}

func (a *Analyzer) consecutiveFailures(ctx context.Context, res *billing.RunResult) []CriticalAlert {
	var out []CriticalAlert
	seen := make(map[string]bool)

	for _, o := range res.Outcomes {
		if o.Success || o.OrderID == "" || seen[o.SubscriptionID] {
			continue
		}
		seen[o.SubscriptionID] = true

		// The stored failure counter is itself a consecutive count; the
		// ledger may know about more when the counter was reset by hand.
		count := o.FailedAttempts
		var last attempts.Attempt
		if a.ledger != nil {
			history, err := a.ledger.Recent(ctx, o.SubscriptionID, historyLimit)
			if err != nil {
				a.logger.WithError(err).WithField("subscription_id", o.SubscriptionID).Warn("Failed to read attempt history")
			} else {
				if n := attempts.ConsecutiveFailures(history); n > count {
					count = n
				}
				if len(history) > 0 {
					last = history[0]
				}
			}
		}
		if count < a.config.ConsecutiveFailureThreshold {
			continue
		}

		sev := SeverityHigh
		if o.To == subscriptions.StatusUnpaid {
			sev = SeverityCritical
		}
		data := map[string]interface{}{
			"runId":               res.RunID,
			"organizationId":      o.OrganizationID,
			"subscriptionId":      o.SubscriptionID,
			"consecutiveFailures": count,
			"status":              string(o.To),
			"lastOrderId":         o.OrderID,
			"lastError":           o.Error,
		}
		if !last.Timestamp.IsZero() {
			data["lastAttemptAt"] = last.Timestamp.UTC().Format(time.RFC3339)
		}
		alert := a.newAlert(TypeBillingFailure, sev,
			"Repeated billing failures",
			fmt.Sprintf("Subscription %s of organization %s failed %d consecutive charges (now %s)", o.SubscriptionID, o.OrganizationID, count, o.To),
			data)
		alert.OrganizationID = o.OrganizationID
		alert.SubscriptionID = o.SubscriptionID
		out = append(out, alert)
	}
	return out
}

// failuresInWindow merges the ledger's recent failures with the run's own
func (a *Analyzer) failuresInWindow(ctx context.Context, res *billing.RunResult) []attempts.Attempt {
	var failures []attempts.Attempt
	seen := make(map[string]bool)
	add := func(at attempts.Attempt) {
		if at.Success || seen[at.ID] {
			return
		}
		seen[at.ID] = true
		failures = append(failures, at)
	}

	if a.ledger != nil {
		since := a.now().Add(-a.config.FraudWindow)
		history, err := a.ledger.FailuresSince(ctx, since)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to read recent failures")
		}
		for _, at := range history {
			add(at)
		}
	}
	for _, at := range res.Attempts {
		add(at)
	}
	return failures
}

func (a *Analyzer) fraudPatterns(ctx context.Context, res *billing.RunResult) []CriticalAlert {
	failures := a.failuresInWindow(ctx, res)
	if len(failures) == 0 {
		return nil
	}

	cardsByOrg := make(map[string]map[string]bool)
	orgsByCode := make(map[string]map[string]bool)
	for _, f := range failures {
		if f.CardLast4 != "" {
			if cardsByOrg[f.OrganizationID] == nil {
				cardsByOrg[f.OrganizationID] = make(map[string]bool)
			}
			cardsByOrg[f.OrganizationID][f.CardLast4] = true
		}
		if f.ErrorCode != "" {
			if orgsByCode[f.ErrorCode] == nil {
				orgsByCode[f.ErrorCode] = make(map[string]bool)
			}
			orgsByCode[f.ErrorCode][f.OrganizationID] = true
		}
	}

	var out []CriticalAlert
	window := a.config.FraudWindow.String()

	for _, org := range sortedKeys(cardsByOrg) {
		cards := cardsByOrg[org]
		if len(cards) < a.config.FraudDistinctCards {
			continue
		}
		alert := a.newAlert(TypePaymentFraud, SeverityCritical,
			"Many cards failing for one organization",
			fmt.Sprintf("Organization %s had failed charges on %d distinct cards within %s", org, len(cards), window),
			map[string]interface{}{
				"runId":          res.RunID,
				"organizationId": org,
				"distinctCards":  len(cards),
				"cardsLast4":     sortedKeys(cards),
				"window":         window,
			})
		alert.OrganizationID = org
		out = append(out, alert)
	}

	for _, code := range sortedKeys(orgsByCode) {
		orgs := orgsByCode[code]
		if len(orgs) < a.config.FraudSharedErrorOrgs {
			continue
		}
		out = append(out, a.newAlert(TypePaymentFraud, SeverityCritical,
			"Same gateway error across organizations",
			fmt.Sprintf("Gateway error %s failed charges for %d organizations within %s", code, len(orgs), window),
			map[string]interface{}{
				"runId":           res.RunID,
				"errorCode":       code,
				"organizations":   len(orgs),
				"organizationIds": sortedKeys(orgs),
				"window":          window,
			}))
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
