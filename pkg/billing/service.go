package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/bookflow/pkg/attempts"
	"github.com/platinummonkey/bookflow/pkg/gateway"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/retry"
	"github.com/platinummonkey/bookflow/pkg/subscriptions"
)

// updateTimeout bounds the store write that follows a charge. It runs
// detached from the run budget so an approved charge is still recorded.
const updateTimeout = 10 * time.Second

// Service runs the daily billing pipeline
type Service struct {
	config  Config
	store   subscriptions.Store
	charger gateway.Charger
	policy  *retry.Policy
	ledger  attempts.Log
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
	orderID func(time.Time) string
}

// Option configures a Service
type Option func(*Service)

// WithLedger records every charge attempt in log
func WithLedger(log attempts.Log) Option {
	return func(s *Service) { s.ledger = log }
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOrderIDs overrides buy order generation
func WithOrderIDs(gen func(time.Time) string) Option {
	return func(s *Service) { s.orderID = gen }
}

// NewService creates a billing service. cfg.MaxRetryAttempts must be set.
func NewService(cfg Config, store subscriptions.Store, charger gateway.Charger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || charger == nil {
		return nil, errors.New("billing: store and charger are required")
	}
	if cfg.TrialNoticeWindow == 0 {
		cfg.TrialNoticeWindow = 24 * time.Hour
	}
	cfg.Retry.MaxAttempts = cfg.MaxRetryAttempts

	s := &Service{
		config:  cfg,
		store:   store,
		charger: charger,
		policy:  retry.NewPolicy(cfg.Retry),
		ledger:  attempts.NewMemoryLog(0),
		logger:  observability.NopLogger(),
		now:     time.Now,
		orderID: NewOrderID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewOrderID returns a buy order of the form bf-<8 hex>-<unix seconds>,
// within the 26 character limit of the gateway.
func NewOrderID(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("bf-%s-%d", id[:8], now.Unix())
}

// run carries the state of one RunDailyBilling invocation
type run struct {
	result *RunResult
	now    time.Time
	logger *observability.Logger
	// touched holds subscriptions already handled by an earlier stage
	touched    map[string]bool
	fetchFails int
}

// RunDailyBilling executes the trial notice, expired trial, renewal and past
// due retry stages in order. Per-subscription failures are recorded in the
// result; an error is returned only when the run could not start or no
// stage could reach the store.
func (s *Service) RunDailyBilling(ctx context.Context) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("billing run not started: %w", err)
	}

	now := s.now().UTC()
	r := &run{
		result: &RunResult{
			RunID:              uuid.NewString(),
			StartedAt:          now,
			TrialNotifications: []notify.Event{},
			Notifications:      []notify.Event{},
			Attempts:           []attempts.Attempt{},
			Outcomes:           []Outcome{},
			Errors:             []string{},
		},
		now:     now,
		touched: make(map[string]bool),
	}
	ctx = observability.WithRunID(ctx, r.result.RunID)
	ctx, span := observability.StartSpan(ctx, "billing.run", attribute.String("run_id", r.result.RunID))
	base := observability.UpdateLoggerWithTraceContext(ctx, s.logger)
	ctx = observability.WithLogger(ctx, base)
	r.logger = observability.FromContext(ctx)

	r.logger.Info("Starting daily billing run")

	s.notifyEndingTrials(ctx, r)
	s.chargeStage(ctx, r, StageTrialCharge, func(ctx context.Context) ([]*subscriptions.Subscription, error) {
		return s.store.GetExpiringTrials(ctx, now)
	})
	s.chargeStage(ctx, r, StageRenewal, func(ctx context.Context) ([]*subscriptions.Subscription, error) {
		return s.store.GetDueForRenewal(ctx, now)
	})
	s.chargeStage(ctx, r, StageRetry, func(ctx context.Context) ([]*subscriptions.Subscription, error) {
		return s.store.GetPastDueEligibleForRetry(ctx)
	})

	res := r.result
	res.TotalNotifications = len(res.TrialNotifications) + len(res.Notifications)
	res.CompletedAt = s.now().UTC()

	var err error
	status := "success"
	switch {
	case r.fetchFails == 4:
		err = fmt.Errorf("%w: %s", ErrStoreUnavailable, strings.Join(res.Errors, "; "))
		status = "failed"
	case len(res.Errors) > 0:
		status = "partial"
	}
	s.metrics.ObserveRun(status, res.Duration(), res.CompletedAt)
	observability.EndSpan(span, err)

	combined := res.Combined()
	r.logger.WithFields(map[string]interface{}{
		"status":              status,
		"trial_notifications": len(res.TrialNotifications),
		"processed":           combined.Processed,
		"successful":          combined.Successful,
		"failed":              combined.Failed,
		"canceled":            res.Canceled,
		"errors":              len(res.Errors),
		"duration_ms":         res.Duration().Milliseconds(),
	}).Info("Daily billing run finished")

	return res, err
}

// budgetExhausted reports whether the run context is done, recording the
// deferred items once.
func (s *Service) budgetExhausted(ctx context.Context, r *run, stage Stage, remaining int) bool {
	if ctx.Err() == nil {
		return false
	}
	if remaining == 0 {
		r.result.addError("%s stage skipped: run budget exhausted", stage)
	} else {
		r.result.addError("%s stage stopped: run budget exhausted, %d subscription(s) deferred to the next run", stage, remaining)
	}
	r.logger.WithFields(map[string]interface{}{
		"stage":    string(stage),
		"deferred": remaining,
	}).Warn("Run budget exhausted")
	return true
}

func (s *Service) fetchFailed(r *run, stage Stage, err error) {
	r.fetchFails++
	r.result.addError("%s stage skipped: %v", stage, err)
	s.metrics.ObserveStageError(string(stage))
	r.logger.WithError(err).WithField("stage", string(stage)).Error("Failed to load stage candidates")
}

func (s *Service) notifyEndingTrials(ctx context.Context, r *run) {
	ctx, span := observability.StartSpan(ctx, "billing.stage", attribute.String("stage", string(StageTrialNotice)))
	var stageErr error
	defer func() { observability.EndSpan(span, stageErr) }()

	if s.budgetExhausted(ctx, r, StageTrialNotice, 0) {
		return
	}

	subs, err := s.store.GetTrialsEndingBetween(ctx, r.now, r.now.Add(s.config.TrialNoticeWindow))
	if err != nil {
		stageErr = err
		s.fetchFailed(r, StageTrialNotice, err)
		return
	}

	for i, sub := range subs {
		if s.budgetExhausted(ctx, r, StageTrialNotice, len(subs)-i) {
			return
		}
		// One notice per trial; the stamp is written once delivery succeeds.
		if sub.TrialNoticeSentOn != "" || sub.TrialEnd == nil {
			continue
		}
		r.touched[sub.ID] = true
		r.result.TrialNotifications = append(r.result.TrialNotifications, s.event(r, notify.EventTrialEnding, sub, map[string]interface{}{
			"trialEnd":  formatEpoch(*sub.TrialEnd),
			"hoursLeft": int(time.Unix(*sub.TrialEnd, 0).Sub(r.now).Hours()),
		}))
	}
}

type fetchFunc func(ctx context.Context) ([]*subscriptions.Subscription, error)

func (s *Service) chargeStage(ctx context.Context, r *run, stage Stage, fetch fetchFunc) {
	ctx, span := observability.StartSpan(ctx, "billing.stage", attribute.String("stage", string(stage)))
	var stageErr error
	defer func() { observability.EndSpan(span, stageErr) }()

	if s.budgetExhausted(ctx, r, stage, 0) {
		return
	}

	subs, err := fetch(ctx)
	if err != nil {
		stageErr = err
		s.fetchFailed(r, stage, err)
		return
	}

	for i, sub := range subs {
		if r.touched[sub.ID] {
			continue
		}
		if s.budgetExhausted(ctx, r, stage, len(subs)-i) {
			return
		}
		if sub.PendingOrderID != "" {
			var settled bool
			if sub, settled = s.settlePending(ctx, r, stage, sub); settled {
				r.touched[sub.ID] = true
				continue
			}
		}
		switch {
		case sub.CancelAtPeriodEnd:
			s.cancel(ctx, r, stage, sub)
		case stage == StageRetry && sub.FailedAttempts >= s.config.MaxRetryAttempts:
			s.giveUp(ctx, r, sub)
		case stage == StageRetry && !s.retryDue(r, sub):
			continue
		default:
			s.charge(ctx, r, stage, sub)
		}
		r.touched[sub.ID] = true
	}
}

func (s *Service) retryDue(r *run, sub *subscriptions.Subscription) bool {
	if sub.LastAttemptAt == nil {
		return true
	}
	last := time.Unix(*sub.LastAttemptAt, 0)
	if s.policy.Due(sub.FailedAttempts, last, r.now) {
		return true
	}
	r.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"next_retry_at":   s.policy.NextRetryTime(sub.FailedAttempts, last).UTC().Format(time.RFC3339),
	}).Debug("Retry not yet due")
	return false
}

// safeCharge converts a panicking charger into a failed attempt
func (s *Service) safeCharge(ctx context.Context, sub *subscriptions.Subscription, orderID string) (res *gateway.ChargeResult, err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			res, err = nil, perr
		}
	}()
	return s.charger.ChargeInscribedCard(ctx, sub.PayerUsername, sub.CardToken, orderID, sub.Amount)
}

func (s *Service) chargeLogger(r *run, stage Stage, sub *subscriptions.Subscription) *observability.Logger {
	return r.logger.WithFields(map[string]interface{}{
		"stage":           string(stage),
		"subscription_id": sub.ID,
		"organization_id": sub.OrganizationID,
	})
}

func (s *Service) charge(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription) {
	orderID := s.orderID(r.now)

	ctx, span := observability.StartSpan(ctx, "billing.charge",
		attribute.String("stage", string(stage)),
		attribute.String("subscription_id", sub.ID),
		attribute.String("order_id", orderID),
	)
	result, err := s.safeCharge(ctx, sub, orderID)
	observability.EndSpan(span, err)

	s.settle(ctx, r, stage, sub, orderID, result, err)
}

// settle records the outcome of the charge made under orderID and moves the
// subscription accordingly. An outcome the gateway never reported holds the
// subscription instead.
func (s *Service) settle(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription, orderID string, result *gateway.ChargeResult, err error) {
	log := s.chargeLogger(r, stage, sub)
	success := err == nil && result != nil && result.Success
	s.metrics.ObserveCharge(string(stage), success)
	r.result.tally(stage).record(success)

	attempt := attempts.Attempt{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          attempts.Stage(stage),
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		AttemptNumber:  sub.FailedAttempts + 1,
		Success:        success,
		TransactionID:  orderID,
		CardLast4:      sub.CardLast4,
		Timestamp:      r.now,
	}
	if result != nil && result.CardLast4 != "" {
		attempt.CardLast4 = result.CardLast4
	}
	unknown := gateway.IsOutcomeUnknown(err)
	if !success {
		attempt.ErrorCode, attempt.ErrorMessage = describeFailure(result, err)
		if unknown {
			attempt.ErrorCode = "outcome_unknown"
		}
	}
	s.recordAttempt(ctx, r, attempt)

	// The charge already happened; the write must not be cut by the budget.
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
	defer cancel()

	switch {
	case success:
		s.chargeSucceeded(updCtx, r, stage, sub, result, attempt, log)
	case unknown:
		s.hold(updCtx, r, stage, sub, orderID, attempt.ErrorMessage, log)
	default:
		s.chargeFailed(updCtx, r, stage, sub, attempt, log)
	}
}

// safeStatus converts a panicking status lookup into an error
func (s *Service) safeStatus(ctx context.Context, orderID string) (res *gateway.ChargeResult, err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			res, err = nil, perr
		}
	}()
	return s.charger.ChargeStatus(ctx, orderID)
}

// settlePending asks the gateway what became of the pending order before
// anything else happens to sub. It reports whether sub was handled; when it
// was not, the returned subscription has the pending order cleared and may
// be charged again.
func (s *Service) settlePending(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription) (*subscriptions.Subscription, bool) {
	log := s.chargeLogger(r, stage, sub).WithField("order_id", sub.PendingOrderID)

	ctx, span := observability.StartSpan(ctx, "billing.settle_pending",
		attribute.String("stage", string(stage)),
		attribute.String("subscription_id", sub.ID),
		attribute.String("order_id", sub.PendingOrderID),
	)
	result, err := s.safeStatus(ctx, sub.PendingOrderID)
	observability.EndSpan(span, err)

	switch {
	case err == nil && result != nil:
		log.WithField("success", result.Success).Info("Pending charge settled")
		s.settle(ctx, r, stage, sub, sub.PendingOrderID, result, nil)
		return sub, true

	case gateway.IsNotFound(err):
		updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
		defer cancel()
		cleared, uErr := s.store.UpdateStatus(updCtx, sub.ID, sub.Version, subscriptions.UpdateFields{
			PendingOrderID: subscriptions.Ptr(""),
		})
		if uErr != nil {
			r.result.addError("subscription %s: failed to clear pending order %s: %v", sub.ID, sub.PendingOrderID, uErr)
			log.WithError(uErr).Error("Failed to clear pending order")
			return sub, true
		}
		log.Info("Pending charge was never registered by the gateway")
		return cleared, false

	default:
		if err == nil {
			err = errors.New("gateway returned no result")
		}
		s.hold(ctx, r, stage, sub, sub.PendingOrderID, err.Error(), log)
		return sub, true
	}
}

// hold leaves sub in its current status with orderID pending. No new charge
// is made for it until the gateway reports what happened to the order.
func (s *Service) hold(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription, orderID, reason string, log *observability.Logger) {
	s.metrics.ObserveReconciliation()
	r.result.addError("reconciliation required: subscription %s (org %s) has no confirmed outcome for order %s: %s",
		sub.ID, sub.OrganizationID, orderID, reason)
	log.WithFields(map[string]interface{}{
		"order_id": orderID,
		"reason":   reason,
	}).Error("Charge outcome unknown; subscription held for reconciliation")

	outcome := Outcome{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          stage,
		From:           sub.Status,
		To:             sub.Status,
		OrderID:        orderID,
		FailedAttempts: sub.FailedAttempts,
		Pending:        true,
		Error:          reason,
	}
	if sub.PendingOrderID != orderID {
		if _, err := s.store.UpdateStatus(ctx, sub.ID, sub.Version, subscriptions.UpdateFields{
			GatewayRef:     subscriptions.Ptr(orderID),
			PendingOrderID: subscriptions.Ptr(orderID),
		}); err != nil {
			r.result.addError("subscription %s: failed to record pending order %s: %v", sub.ID, orderID, err)
			log.WithError(err).Error("Failed to record pending order")
		}
	}
	r.result.Outcomes = append(r.result.Outcomes, outcome)
}

func (s *Service) chargeSucceeded(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription, result *gateway.ChargeResult, attempt attempts.Attempt, log *observability.Logger) {
	start := sub.CurrentPeriodEnd
	end := start + sub.Interval.Seconds()
	fields := subscriptions.UpdateFields{
		Status:             subscriptions.Ptr(subscriptions.StatusActive),
		CurrentPeriodStart: subscriptions.Ptr(start),
		CurrentPeriodEnd:   subscriptions.Ptr(end),
		GatewayRef:         subscriptions.Ptr(attempt.TransactionID),
		FailedAttempts:     subscriptions.Ptr(0),
		LastAttemptAt:      subscriptions.Ptr(r.now.Unix()),
		PendingOrderID:     subscriptions.Ptr(""),
	}
	if attempt.CardLast4 != "" {
		fields.CardLast4 = subscriptions.Ptr(attempt.CardLast4)
	}

	outcome := Outcome{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          stage,
		From:           sub.Status,
		To:             subscriptions.StatusActive,
		Success:        true,
		OrderID:        attempt.TransactionID,
	}

	if _, err := s.store.UpdateStatus(ctx, sub.ID, sub.Version, fields); err != nil {
		s.metrics.ObserveReconciliation()
		r.result.addError("reconciliation required: subscription %s (org %s) was charged with order %s (authorization %s) but the status update failed: %v",
			sub.ID, sub.OrganizationID, attempt.TransactionID, result.AuthorizationCode, err)
		log.WithError(err).WithFields(map[string]interface{}{
			"order_id":           attempt.TransactionID,
			"authorization_code": result.AuthorizationCode,
		}).Error("Charge succeeded but subscription update failed; reconciliation required")
		outcome.To = sub.Status
		outcome.Error = err.Error()
	} else {
		s.metrics.ObserveTransition(string(sub.Status), string(subscriptions.StatusActive))
		log.WithField("order_id", attempt.TransactionID).Info("Charge succeeded")
	}
	r.result.Outcomes = append(r.result.Outcomes, outcome)

	r.result.Notifications = append(r.result.Notifications, s.event(r, notify.EventPaymentSuccess, sub, map[string]interface{}{
		"orderId":           attempt.TransactionID,
		"authorizationCode": result.AuthorizationCode,
		"periodStart":       formatEpoch(start),
		"periodEnd":         formatEpoch(end),
		"cardLast4":         attempt.CardLast4,
	}))
}

func (s *Service) chargeFailed(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription, attempt attempts.Attempt, log *observability.Logger) {
	failed := sub.FailedAttempts + 1
	exhausted := failed >= s.config.MaxRetryAttempts
	// Only past_due may move to unpaid. A first charge that spends the whole
	// budget lands in past_due and the next retry stage closes it out.
	to := subscriptions.StatusPastDue
	if exhausted && subscriptions.CanTransition(sub.Status, subscriptions.StatusUnpaid) {
		to = subscriptions.StatusUnpaid
	}

	r.result.addError("subscription %s (org %s): %s charge failed: %s", sub.ID, sub.OrganizationID, stage, attempt.ErrorMessage)
	log.WithFields(map[string]interface{}{
		"order_id":        attempt.TransactionID,
		"error_code":      attempt.ErrorCode,
		"failed_attempts": failed,
		"next_status":     string(to),
	}).Warn("Charge failed")

	outcome := Outcome{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          stage,
		From:           sub.Status,
		To:             to,
		OrderID:        attempt.TransactionID,
		FailedAttempts: failed,
		Error:          attempt.ErrorMessage,
	}

	_, err := s.store.UpdateStatus(ctx, sub.ID, sub.Version, subscriptions.UpdateFields{
		Status:         subscriptions.Ptr(to),
		GatewayRef:     subscriptions.Ptr(attempt.TransactionID),
		FailedAttempts: subscriptions.Ptr(failed),
		LastAttemptAt:  subscriptions.Ptr(r.now.Unix()),
		PendingOrderID: subscriptions.Ptr(""),
	})
	if err != nil {
		r.result.addError("subscription %s: failed to record %s after failed charge: %v", sub.ID, to, err)
		log.WithError(err).Error("Failed to update subscription after failed charge")
		outcome.To = sub.Status
	} else {
		s.metrics.ObserveTransition(string(sub.Status), string(to))
	}
	r.result.Outcomes = append(r.result.Outcomes, outcome)

	data := map[string]interface{}{
		"orderId":       attempt.TransactionID,
		"reason":        attempt.ErrorMessage,
		"attemptNumber": attempt.AttemptNumber,
		"maxAttempts":   s.config.MaxRetryAttempts,
		"final":         exhausted,
		"cardLast4":     attempt.CardLast4,
	}
	if !exhausted {
		data["nextRetryAt"] = s.policy.NextRetryTime(failed, r.now).UTC().Format(time.RFC3339)
	}
	r.result.Notifications = append(r.result.Notifications, s.event(r, notify.EventPaymentFailed, sub, data))
}

// cancel ends a subscription flagged to cancel at period end instead of
// charging it
func (s *Service) cancel(ctx context.Context, r *run, stage Stage, sub *subscriptions.Subscription) {
	log := s.chargeLogger(r, stage, sub)

	fields := subscriptions.UpdateFields{Status: subscriptions.Ptr(subscriptions.StatusCanceled)}
	if sub.CanceledAt == nil {
		fields.CanceledAt = subscriptions.Ptr(r.now.Unix())
	}
	outcome := Outcome{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          stage,
		From:           sub.Status,
		To:             subscriptions.StatusCanceled,
		Success:        true,
	}
	if _, err := s.store.UpdateStatus(ctx, sub.ID, sub.Version, fields); err != nil {
		r.result.addError("subscription %s: failed to cancel at period end: %v", sub.ID, err)
		log.WithError(err).Error("Failed to cancel subscription")
		outcome.To = sub.Status
		outcome.Success = false
		outcome.Error = err.Error()
		r.result.Outcomes = append(r.result.Outcomes, outcome)
		return
	}

	s.metrics.ObserveTransition(string(sub.Status), string(subscriptions.StatusCanceled))
	r.result.Canceled++
	r.result.Outcomes = append(r.result.Outcomes, outcome)
	log.Info("Subscription canceled at period end")

	r.result.Notifications = append(r.result.Notifications, s.event(r, notify.EventSubscriptionCanceled, sub, map[string]interface{}{
		"periodEnd": formatEpoch(sub.CurrentPeriodEnd),
	}))
}

// giveUp moves a past due subscription whose budget is already spent to
// unpaid without charging it. This also catches rows left behind when the
// budget is lowered between runs.
func (s *Service) giveUp(ctx context.Context, r *run, sub *subscriptions.Subscription) {
	outcome := Outcome{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Stage:          StageRetry,
		From:           sub.Status,
		To:             subscriptions.StatusUnpaid,
		FailedAttempts: sub.FailedAttempts,
	}
	if _, err := s.store.UpdateStatus(ctx, sub.ID, sub.Version, subscriptions.UpdateFields{
		Status: subscriptions.Ptr(subscriptions.StatusUnpaid),
	}); err != nil {
		r.result.addError("subscription %s: failed to mark unpaid: %v", sub.ID, err)
		outcome.To = sub.Status
		outcome.Error = err.Error()
	} else {
		s.metrics.ObserveTransition(string(sub.Status), string(subscriptions.StatusUnpaid))
	}
	r.result.Outcomes = append(r.result.Outcomes, outcome)
}

func (s *Service) recordAttempt(ctx context.Context, r *run, attempt attempts.Attempt) {
	r.result.Attempts = append(r.result.Attempts, attempt)
	if err := s.ledger.Record(context.WithoutCancel(ctx), attempt); err != nil {
		r.logger.WithError(err).WithField("subscription_id", attempt.SubscriptionID).Warn("Failed to record billing attempt")
	}
}

func (s *Service) event(r *run, typ notify.EventType, sub *subscriptions.Subscription, extra map[string]interface{}) notify.Event {
	data := map[string]interface{}{
		"planName": sub.PlanName,
		"amount":   sub.Amount,
		"currency": sub.Currency,
	}
	for k, v := range extra {
		data[k] = v
	}
	return notify.Event{
		Type:           typ,
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		CustomerEmail:  sub.CustomerEmail,
		Data:           data,
		Timestamp:      r.now,
	}
}

// AcknowledgeTrialNotices stamps TrialNoticeSentOn for every delivered
// trial_ending event so later runs skip them. It returns how many
// subscriptions were stamped.
func (s *Service) AcknowledgeTrialNotices(ctx context.Context, delivered []notify.Event) (int, error) {
	today := s.now().UTC().Format("2006-01-02")
	var errs []error
	n := 0
	for _, ev := range delivered {
		if ev.Type != notify.EventTrialEnding {
			continue
		}
		if err := s.stampTrialNotice(ctx, ev.SubscriptionID, today); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", ev.SubscriptionID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *Service) stampTrialNotice(ctx context.Context, id, today string) error {
	// A concurrent write may bump the version between read and update.
	for try := 0; try < 2; try++ {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.store.UpdateStatus(ctx, id, sub.Version, subscriptions.UpdateFields{
			TrialNoticeSentOn: subscriptions.Ptr(today),
		})
		if !errors.Is(err, subscriptions.ErrVersionConflict) {
			return err
		}
	}
	return subscriptions.ErrVersionConflict
}

func describeFailure(result *gateway.ChargeResult, err error) (code, message string) {
	if err != nil {
		if gwErr, ok := gateway.AsGatewayError(err); ok {
			return gwErr.Code(), gwErr.Error()
		}
		return "internal_error", err.Error()
	}
	if result == nil {
		return "empty_response", "gateway returned no result"
	}
	code = strconv.FormatInt(result.ResponseCode, 10)
	msg := "charge declined with response code " + code
	if result.Status != "" {
		msg += " (" + result.Status + ")"
	}
	return code, msg
}

func formatEpoch(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
