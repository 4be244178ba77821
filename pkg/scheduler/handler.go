package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bookflow/pkg/alerts"
	"github.com/platinummonkey/bookflow/pkg/billing"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/reports"
)

// Biller runs the daily billing pipeline
type Biller interface {
	RunDailyBilling(ctx context.Context) (*billing.RunResult, error)
	AcknowledgeTrialNotices(ctx context.Context, delivered []notify.Event) (int, error)
}

// Notifier delivers customer notifications
type Notifier interface {
	SendBillingNotifications(ctx context.Context, events []notify.Event) notify.DispatchResult
}

// AlertSender delivers operator alerts
type AlertSender interface {
	SendAlerts(ctx context.Context, alerts []alerts.CriticalAlert) alerts.SendResult
}

// Config configures a Handler
type Config struct {
	// Budget bounds the billing stages. Zero means no limit beyond ctx.
	Budget  time.Duration
	LockTTL time.Duration
}

// Deps are the collaborators of a Handler. Billing, Notifier, Analyzer and
// Alerts are required.
type Deps struct {
	Billing  Biller
	Notifier Notifier
	Analyzer *alerts.Analyzer
	Alerts   AlertSender
	Archiver reports.Archiver
	Lock     RunLock
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Handler is the scheduled entry point of the billing pipeline
type Handler struct {
	config Config
	deps   Deps
	now    func() time.Time
}

// NewHandler creates a handler
func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if deps.Billing == nil || deps.Notifier == nil || deps.Analyzer == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("billing, notifier, analyzer and alert sender are required")
	}
	if deps.Archiver == nil {
		deps.Archiver = reports.NoopArchiver{}
	}
	if deps.Lock == nil {
		deps.Lock = NewLocalLock()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 20 * time.Minute
	}
	if cfg.Budget > 0 && cfg.LockTTL <= cfg.Budget {
		return nil, fmt.Errorf("lock TTL %s must exceed the run budget %s", cfg.LockTTL, cfg.Budget)
	}
	return &Handler{config: cfg, deps: deps, now: time.Now}, nil
}

// HandleScheduled runs one daily billing cycle and never panics. Partial
// failures inside the batch still produce a successful response; only a
// failure of the run as a whole is reported as success=false.
func (h *Handler) HandleScheduled(ctx context.Context, event ScheduledEvent) (resp *Response) {
	start := h.now()
	log := h.deps.Logger.WithFields(map[string]interface{}{
		"event_id": event.ID,
		"source":   event.Source,
	})
	log.Info("Scheduled billing run triggered")

	report := &reports.Report{
		StartedAt:     start.UTC(),
		Notifications: notify.DispatchResult{Errors: []string{}},
		Alerts:        []alerts.CriticalAlert{},
		AlertDelivery: alerts.SendResult{Errors: []string{}},
	}

	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			log.WithError(perr).Error("Billing run panicked")
			resp = h.fail(ctx, report, start, perr)
		}
	}()

	release, err := h.deps.Lock.Acquire(ctx, h.config.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		log.Warn("Skipping billing run: another run holds the lock")
		return h.response(false, "", err.Error(), start, nil)
	}
	if err != nil {
		return h.fail(ctx, report, start, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release run lock")
		}
	}()

	runCtx, cancel := h.budget(ctx)
	res, err := h.deps.Billing.RunDailyBilling(runCtx)
	cancel()
	if res != nil {
		report.RunID = res.RunID
		report.Billing = res
	}
	if err != nil {
		return h.fail(ctx, report, start, err)
	}
	log = log.WithField("run_id", res.RunID)

	// Deliveries and bookkeeping below use the caller's context: a spent
	// run budget must not swallow notifications for charges already made.
	report.Notifications = h.deps.Notifier.SendBillingNotifications(ctx, res.AllNotifications())

	if n, err := h.deps.Billing.AcknowledgeTrialNotices(ctx, report.Notifications.Delivered); err != nil {
		log.WithError(err).WithField("acknowledged", n).Warn("Failed to record some trial notices")
	}

	report.Alerts = h.deps.Analyzer.Analyze(ctx, res)
	if len(report.Alerts) > 0 {
		report.AlertDelivery = h.safeSendAlerts(ctx, report.Alerts)
	}

	report.Success = true
	h.finish(ctx, report, start)

	combined := res.Combined()
	log.WithFields(map[string]interface{}{
		"trial_notifications": len(res.TrialNotifications),
		"charge_results":      res.ChargeResults,
		"renewal_results":     res.RenewalResults,
		"retry_results":       res.RetryResults,
		"canceled":            res.Canceled,
		"notifications_sent":  report.Notifications.Sent,
		"notifications_fail":  report.Notifications.Failed,
		"alerts":              len(report.Alerts),
		"errors":              len(res.Errors),
		"duration":            report.Duration,
	}).Info("Daily billing completed")

	message := fmt.Sprintf("Daily billing completed: %d processed, %d successful, %d failed, %d notifications sent",
		combined.Processed, combined.Successful, combined.Failed, report.Notifications.Sent)
	return h.response(true, message, "", start, report)
}

// ManualTrigger runs the same cycle as the scheduler for operators
func (h *Handler) ManualTrigger(ctx context.Context) *APIResponse {
	resp := h.HandleScheduled(ctx, ScheduledEvent{
		ID:         "manual-" + uuid.NewString(),
		Source:     "bookflow.manual",
		DetailType: "Scheduled Event",
		Time:       h.now().UTC(),
		Detail:     map[string]interface{}{"trigger": "manual"},
	})

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
		if resp.Error == ErrLockHeld.Error() {
			status = http.StatusConflict
		}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	return &APIResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func (h *Handler) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.config.Budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.config.Budget)
}

// fail raises a system_error alert, archives what is known and builds the
// failure envelope
func (h *Handler) fail(ctx context.Context, report *reports.Report, start time.Time, err error) *Response {
	h.deps.Logger.WithError(err).WithField("run_id", report.RunID).Error("Daily billing failed")

	alert := h.deps.Analyzer.SystemError(err, report.RunID)
	report.Alerts = append(report.Alerts, alert)
	report.AlertDelivery = h.safeSendAlerts(ctx, []alerts.CriticalAlert{alert})

	report.Success = false
	report.Error = err.Error()
	if report.RunID == "" {
		report.RunID = "failed-" + uuid.NewString()
	}
	h.finish(ctx, report, start)
	if report.Billing == nil {
		// the orchestrator records its own runs
		h.deps.Metrics.ObserveRun("aborted", report.CompletedAt.Sub(report.StartedAt), report.CompletedAt)
	}
	return h.response(false, "", err.Error(), start, nil)
}

func (h *Handler) safeSendAlerts(ctx context.Context, list []alerts.CriticalAlert) (result alerts.SendResult) {
	defer observability.RecoverPanicWithCallback(h.deps.Logger, "alert delivery", func(r interface{}) {
		result = alerts.SendResult{Failed: len(list), Errors: []string{observability.MustRecover(r).Error()}}
	})
	return h.deps.Alerts.SendAlerts(ctx, list)
}

func (h *Handler) finish(ctx context.Context, report *reports.Report, start time.Time) {
	end := h.now()
	report.CompletedAt = end.UTC()
	report.Duration = formatDuration(end.Sub(start))

	if err := h.deps.Archiver.Archive(context.WithoutCancel(ctx), report); err != nil {
		h.deps.Logger.WithError(err).WithField("run_id", report.RunID).Warn("Failed to archive run report")
	}
}

func (h *Handler) response(success bool, message, errMsg string, start time.Time, report *reports.Report) *Response {
	end := h.now()
	return &Response{
		Success:   success,
		Message:   message,
		Error:     errMsg,
		Duration:  formatDuration(end.Sub(start)),
		Results:   report,
		Timestamp: end.UTC().Format(time.RFC3339),
	}
}
