package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/platinummonkey/bookflow/pkg/attempts"
	"github.com/platinummonkey/bookflow/pkg/gateway"
	"github.com/platinummonkey/bookflow/pkg/gateway/gatewaytest"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/retry"
	"github.com/platinummonkey/bookflow/pkg/subscriptions"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const month = int64(30 * 24 * 60 * 60)

func trialing(id string, trialEnd time.Time) *subscriptions.Subscription {
	sub := baseSubscription(id, subscriptions.StatusTrialing, trialEnd)
	sub.TrialStart = subscriptions.Ptr(trialEnd.Add(-14 * 24 * time.Hour).Unix())
	sub.TrialEnd = subscriptions.Ptr(trialEnd.Unix())
	return sub
}

func active(id string, periodEnd time.Time) *subscriptions.Subscription {
	return baseSubscription(id, subscriptions.StatusActive, periodEnd)
}

func pastDue(id string, failed int, lastAttempt time.Time) *subscriptions.Subscription {
	sub := baseSubscription(id, subscriptions.StatusPastDue, testNow.Add(-48*time.Hour))
	sub.FailedAttempts = failed
	sub.LastAttemptAt = subscriptions.Ptr(lastAttempt.Unix())
	return sub
}

func baseSubscription(id string, status subscriptions.Status, periodEnd time.Time) *subscriptions.Subscription {
	return &subscriptions.Subscription{
		ID:                 id,
		OrganizationID:     "org-" + id,
		PlanID:             "basic",
		PlanName:           "Básico",
		Amount:             12990,
		Currency:           "CLP",
		Interval:           subscriptions.IntervalMonth,
		Status:             status,
		CurrentPeriodStart: periodEnd.Add(-30 * 24 * time.Hour).Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
		CustomerEmail:      id + "@example.com",
		PayerUsername:      "payer-" + id,
		CardToken:          "tbk-" + id,
		CardBrand:          "Visa",
		CardLast4:          "6623",
	}
}

type harness struct {
	store   *scriptedStore
	gateway *gatewaytest.Fake
	ledger  *attempts.MemoryLog
	metrics *observability.Metrics
	service *Service
}

func newHarness(t *testing.T, subs ...*subscriptions.Subscription) *harness {
	t.Helper()
	h := &harness{
		store:   &scriptedStore{MemoryStore: subscriptions.NewMemoryStore()},
		gateway: gatewaytest.NewFake(),
		ledger:  attempts.NewMemoryLog(10),
		metrics: observability.NewTestMetrics(),
	}
	for _, sub := range subs {
		require.NoError(t, h.store.Create(context.Background(), sub))
	}

	var mu sync.Mutex
	seq := 0
	svc, err := NewService(Config{
		MaxRetryAttempts:  3,
		Retry:             retry.Config{InitialDelay: 24 * time.Hour, MaxDelay: 7 * 24 * time.Hour, BackoffMultiplier: 2},
		TrialNoticeWindow: 24 * time.Hour,
	}, h.store, h.gateway,
		WithLedger(h.ledger),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return testNow }),
		WithOrderIDs(func(now time.Time) string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("bf-%08x-%d", seq, now.Unix())
		}),
	)
	require.NoError(t, err)
	h.service = svc
	return h
}

func (h *harness) get(t *testing.T, id string) *subscriptions.Subscription {
	t.Helper()
	sub, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func assertTallies(t *testing.T, res *RunResult) {
	t.Helper()
	for name, tally := range map[string]Tally{
		"charge":  res.ChargeResults,
		"renewal": res.RenewalResults,
		"retry":   res.RetryResults,
	} {
		assert.Equal(t, tally.Processed, tally.Successful+tally.Failed, "%s tally", name)
	}
}

// scriptedStore wraps a memory store with injectable failures
type scriptedStore struct {
	*subscriptions.MemoryStore

	trialsEndingErr error
	expiringErr     error
	renewalErr      error
	retryErr        error
	// retryCandidates replaces the retry query result when set
	retryCandidates []*subscriptions.Subscription
	updateErr       map[string]error
}

func (s *scriptedStore) GetTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*subscriptions.Subscription, error) {
	if s.trialsEndingErr != nil {
		return nil, s.trialsEndingErr
	}
	return s.MemoryStore.GetTrialsEndingBetween(ctx, from, to)
}

func (s *scriptedStore) GetExpiringTrials(ctx context.Context, asOf time.Time) ([]*subscriptions.Subscription, error) {
	if s.expiringErr != nil {
		return nil, s.expiringErr
	}
	return s.MemoryStore.GetExpiringTrials(ctx, asOf)
}

func (s *scriptedStore) GetDueForRenewal(ctx context.Context, asOf time.Time) ([]*subscriptions.Subscription, error) {
	if s.renewalErr != nil {
		return nil, s.renewalErr
	}
	return s.MemoryStore.GetDueForRenewal(ctx, asOf)
}

func (s *scriptedStore) GetPastDueEligibleForRetry(ctx context.Context) ([]*subscriptions.Subscription, error) {
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	if s.retryCandidates != nil {
		return s.retryCandidates, nil
	}
	return s.MemoryStore.GetPastDueEligibleForRetry(ctx)
}

func (s *scriptedStore) UpdateStatus(ctx context.Context, id string, version int64, fields subscriptions.UpdateFields) (*subscriptions.Subscription, error) {
	if err := s.updateErr[id]; err != nil {
		return nil, err
	}
	return s.MemoryStore.UpdateStatus(ctx, id, version, fields)
}

func TestNewService_RequiresRetryBudget(t *testing.T) {
	_, err := NewService(Config{}, subscriptions.NewMemoryStore(), gatewaytest.NewFake())
	assert.Error(t, err)

	_, err = NewService(Config{MaxRetryAttempts: 3}, nil, gatewaytest.NewFake())
	assert.Error(t, err)
}

func TestNewOrderID(t *testing.T) {
	id := NewOrderID(testNow)
	assert.Regexp(t, regexp.MustCompile(`^bf-[0-9a-f]{8}-1773133200$`), id)
	assert.LessOrEqual(t, len(id), 26)
	assert.NotEqual(t, id, NewOrderID(testNow))
}

func TestRunDailyBilling_ExpiredTrialCharged(t *testing.T) {
	sub := trialing("trial-ok", testNow.Add(-time.Hour))
	h := newHarness(t, sub)

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	got := h.get(t, "trial-ok")
	assert.Equal(t, subscriptions.StatusActive, got.Status)
	assert.Equal(t, sub.CurrentPeriodEnd, got.CurrentPeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd+month, got.CurrentPeriodEnd)
	assert.Equal(t, 0, got.FailedAttempts)
	assert.Equal(t, "bf-00000001-1773133200", got.GatewayRef)

	assert.Equal(t, Tally{Processed: 1, Successful: 1}, res.ChargeResults)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, notify.EventPaymentSuccess, res.Notifications[0].Type)
	assert.Equal(t, int64(12990), res.Notifications[0].Data["amount"])
	assert.Equal(t, "trial-ok@example.com", res.Notifications[0].CustomerEmail)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.TotalNotifications)

	calls := h.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "payer-trial-ok", calls[0].Username)
	assert.Equal(t, int64(12990), calls[0].Amount)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingChargesTotal.WithLabelValues("trial_charge", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingTransitionsTotal.WithLabelValues("trialing", "active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingRunsTotal.WithLabelValues("success")))
}

func TestRunDailyBilling_ExpiredTrialDeclined(t *testing.T) {
	h := newHarness(t, trialing("trial-bad", testNow.Add(-time.Hour)))
	h.gateway.Script("tbk-trial-bad", gatewaytest.Declined(-96))

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	got := h.get(t, "trial-bad")
	assert.Equal(t, subscriptions.StatusPastDue, got.Status)
	assert.Equal(t, 1, got.FailedAttempts)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, testNow.Unix(), *got.LastAttemptAt)

	assert.Equal(t, Tally{Processed: 1, Failed: 1}, res.ChargeResults)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, notify.EventPaymentFailed, res.Notifications[0].Type)
	assert.Equal(t, false, res.Notifications[0].Data["final"])
	assert.Equal(t, "2026-03-11T09:00:00Z", res.Notifications[0].Data["nextRetryAt"])
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "trial-bad")
	assert.Contains(t, res.Errors[0], "-96")

	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "-96", res.Attempts[0].ErrorCode)
	recent, err := h.ledger.Recent(context.Background(), "trial-bad", 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	// The next day's retry stage waits for the backoff to elapse
	assert.Equal(t, 1, h.gateway.ChargeCount("tbk-trial-bad"))
}

func TestRunDailyBilling_TrialEndingNotice(t *testing.T) {
	sub := trialing("trial-soon", testNow.Add(20*time.Hour))
	h := newHarness(t, sub)

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	require.Len(t, res.TrialNotifications, 1)
	notice := res.TrialNotifications[0]
	assert.Equal(t, notify.EventTrialEnding, notice.Type)
	assert.Equal(t, "org-trial-soon", notice.OrganizationID)
	assert.Equal(t, 20, notice.Data["hoursLeft"])
	assert.Empty(t, res.Notifications)
	assert.Zero(t, res.Combined().Processed)
	assert.Empty(t, h.gateway.Calls())

	got := h.get(t, "trial-soon")
	assert.Equal(t, subscriptions.StatusTrialing, got.Status)
	assert.Equal(t, sub.Version, got.Version)
}

func TestRunDailyBilling_TrialNoticeSentOnce(t *testing.T) {
	h := newHarness(t, trialing("trial-soon", testNow.Add(6*time.Hour)))
	ctx := context.Background()

	first, err := h.service.RunDailyBilling(ctx)
	require.NoError(t, err)
	require.Len(t, first.TrialNotifications, 1)

	n, err := h.service.AcknowledgeTrialNotices(ctx, first.AllNotifications())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2026-03-10", h.get(t, "trial-soon").TrialNoticeSentOn)

	second, err := h.service.RunDailyBilling(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.TrialNotifications)
}

func TestRunDailyBilling_UnacknowledgedNoticeIsRepeated(t *testing.T) {
	h := newHarness(t, trialing("trial-soon", testNow.Add(6*time.Hour)))

	for i := 0; i < 2; i++ {
		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.TrialNotifications, 1)
	}
}

func TestRunDailyBilling_StageFetchFailureIsIsolated(t *testing.T) {
	h := newHarness(t,
		trialing("trial-soon", testNow.Add(20*time.Hour)),
		trialing("trial-due", testNow.Add(-time.Hour)),
		pastDue("retry-due", 1, testNow.Add(-48*time.Hour)),
	)
	h.store.trialsEndingErr = errors.New("connection reset")

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.TrialNotifications)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "trial_notice stage skipped")
	assert.Equal(t, 1, res.ChargeResults.Successful)
	assert.Equal(t, 1, res.RetryResults.Successful)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingStageErrorsTotal.WithLabelValues("trial_notice")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingRunsTotal.WithLabelValues("partial")))
}

func TestRunDailyBilling_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	down := errors.New("dial tcp: connection refused")
	h.store.trialsEndingErr = down
	h.store.expiringErr = down
	h.store.renewalErr = down
	h.store.retryErr = down

	res, err := h.service.RunDailyBilling(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, res)
	assert.Len(t, res.Errors, 4)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingRunsTotal.WithLabelValues("failed")))
}

func TestRunDailyBilling_ErrorIsolation(t *testing.T) {
	var subs []*subscriptions.Subscription
	for i := 1; i <= 5; i++ {
		subs = append(subs, trialing(fmt.Sprintf("trial-%d", i), testNow.Add(-time.Duration(i)*time.Minute)))
	}
	h := newHarness(t, subs...)
	h.gateway.Script("tbk-trial-2", gatewaytest.Failed("i/o timeout"))
	h.gateway.Script("tbk-trial-3", gatewaytest.Outcome{Panic: "sdk exploded"})

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Tally{Processed: 5, Successful: 3, Failed: 2}, res.ChargeResults)
	assert.GreaterOrEqual(t, len(res.Errors), 2)
	assert.Len(t, h.gateway.Calls(), 5)

	for _, id := range []string{"trial-1", "trial-4", "trial-5"} {
		assert.Equal(t, subscriptions.StatusActive, h.get(t, id).Status, id)
	}
	// A timeout may have charged the card, so the trial is held, not failed
	held := h.get(t, "trial-2")
	assert.Equal(t, subscriptions.StatusTrialing, held.Status)
	assert.NotEmpty(t, held.PendingOrderID)
	assert.Equal(t, subscriptions.StatusPastDue, h.get(t, "trial-3").Status)

	var codes []string
	for _, a := range res.Attempts {
		if !a.Success {
			codes = append(codes, a.ErrorCode)
		}
	}
	assert.ElementsMatch(t, []string{"outcome_unknown", "internal_error"}, codes)
	assertTallies(t, res)
}

func TestRunDailyBilling_StageExclusion(t *testing.T) {
	sub := trialing("trial-bad", testNow.Add(-time.Hour))
	h := newHarness(t, sub)
	h.gateway.Script("tbk-trial-bad", gatewaytest.Declined(-1))

	// A stale retry snapshot that still lists the subscription
	stale := sub.Clone()
	stale.Status = subscriptions.StatusPastDue
	stale.FailedAttempts = 1
	h.store.retryCandidates = []*subscriptions.Subscription{stale}

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.gateway.ChargeCount("tbk-trial-bad"))
	assert.Equal(t, 1, res.ChargeResults.Processed)
	assert.Zero(t, res.RetryResults.Processed)
	assertTallies(t, res)
}

func TestRunDailyBilling_Renewal(t *testing.T) {
	sub := active("renew-ok", testNow.Add(-time.Minute))
	declined := active("renew-bad", testNow.Add(-2*time.Minute))
	future := active("renew-later", testNow.Add(10*24*time.Hour))
	h := newHarness(t, sub, declined, future)
	h.gateway.Script("tbk-renew-bad", gatewaytest.Declined(-3))

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Tally{Processed: 2, Successful: 1, Failed: 1}, res.RenewalResults)
	assert.Zero(t, res.ChargeResults.Processed)

	got := h.get(t, "renew-ok")
	assert.Equal(t, subscriptions.StatusActive, got.Status)
	assert.Greater(t, got.CurrentPeriodEnd, sub.CurrentPeriodEnd)
	assert.Equal(t, sub.CurrentPeriodEnd+month, got.CurrentPeriodEnd)

	bad := h.get(t, "renew-bad")
	assert.Equal(t, subscriptions.StatusPastDue, bad.Status)
	assert.Equal(t, 1, bad.FailedAttempts)
	assert.Equal(t, declined.CurrentPeriodEnd, bad.CurrentPeriodEnd)

	assert.Equal(t, subscriptions.StatusActive, h.get(t, "renew-later").Status)
	assert.Zero(t, h.gateway.ChargeCount("tbk-renew-later"))
}

func TestRunDailyBilling_YearlyInterval(t *testing.T) {
	sub := active("yearly", testNow.Add(-time.Minute))
	sub.Interval = subscriptions.IntervalYear
	h := newHarness(t, sub)

	_, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sub.CurrentPeriodEnd+365*24*60*60, h.get(t, "yearly").CurrentPeriodEnd)
}

func TestRunDailyBilling_PastDueRetry(t *testing.T) {
	t.Run("due retry succeeds", func(t *testing.T) {
		h := newHarness(t, pastDue("retry-ok", 1, testNow.Add(-25*time.Hour)))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Equal(t, Tally{Processed: 1, Successful: 1}, res.RetryResults)
		got := h.get(t, "retry-ok")
		assert.Equal(t, subscriptions.StatusActive, got.Status)
		assert.Equal(t, 0, got.FailedAttempts)
		require.Len(t, res.Attempts, 1)
		assert.Equal(t, 2, res.Attempts[0].AttemptNumber)
	})

	t.Run("backoff not elapsed", func(t *testing.T) {
		// Second retry waits 48h after the second failure
		h := newHarness(t, pastDue("retry-wait", 2, testNow.Add(-30*time.Hour)))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Zero(t, res.RetryResults.Processed)
		assert.Empty(t, h.gateway.Calls())
		assert.Equal(t, subscriptions.StatusPastDue, h.get(t, "retry-wait").Status)
	})

	t.Run("failure below budget stays past due", func(t *testing.T) {
		h := newHarness(t, pastDue("retry-bad", 1, testNow.Add(-25*time.Hour)))
		h.gateway.Script("tbk-retry-bad", gatewaytest.Declined(-1))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		got := h.get(t, "retry-bad")
		assert.Equal(t, subscriptions.StatusPastDue, got.Status)
		assert.Equal(t, 2, got.FailedAttempts)
		assert.Equal(t, Tally{Processed: 1, Failed: 1}, res.RetryResults)
	})

	t.Run("budget exhausted becomes unpaid", func(t *testing.T) {
		h := newHarness(t, pastDue("retry-last", 2, testNow.Add(-49*time.Hour)))
		h.gateway.Script("tbk-retry-last", gatewaytest.Declined(-1))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		got := h.get(t, "retry-last")
		assert.Equal(t, subscriptions.StatusUnpaid, got.Status)
		assert.Equal(t, 3, got.FailedAttempts)
		require.Len(t, res.Notifications, 1)
		assert.Equal(t, notify.EventPaymentFailed, res.Notifications[0].Type)
		assert.Equal(t, true, res.Notifications[0].Data["final"])
		assert.NotContains(t, res.Notifications[0].Data, "nextRetryAt")
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BillingTransitionsTotal.WithLabelValues("past_due", "unpaid")))
	})

	t.Run("spent budget is closed without charging", func(t *testing.T) {
		h := newHarness(t, pastDue("retry-spent", 3, testNow.Add(-72*time.Hour)))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Empty(t, h.gateway.Calls())
		assert.Zero(t, res.RetryResults.Processed)
		assert.Equal(t, subscriptions.StatusUnpaid, h.get(t, "retry-spent").Status)
	})

	t.Run("budget lowered between runs", func(t *testing.T) {
		store := subscriptions.NewMemoryStore()
		require.NoError(t, store.Create(context.Background(), pastDue("retry-lowered", 2, testNow.Add(-96*time.Hour))))
		fake := gatewaytest.NewFake()

		svc, err := NewService(Config{MaxRetryAttempts: 1, Retry: retry.Config{InitialDelay: 24 * time.Hour}}, store, fake,
			WithClock(func() time.Time { return testNow }))
		require.NoError(t, err)

		res, err := svc.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Empty(t, fake.Calls())
		got, err := store.Get(context.Background(), "retry-lowered")
		require.NoError(t, err)
		assert.Equal(t, subscriptions.StatusUnpaid, got.Status)
		require.Len(t, res.Outcomes, 1)
		assert.Equal(t, subscriptions.StatusUnpaid, res.Outcomes[0].To)
	})
}

func TestRunDailyBilling_SingleAttemptBudget(t *testing.T) {
	ctx := context.Background()
	store := subscriptions.NewMemoryStore()
	require.NoError(t, store.Create(ctx, trialing("trial-once", testNow.Add(-time.Hour))))

	fake := gatewaytest.NewFake()
	fake.Default = gatewaytest.Declined(-96)

	now := testNow
	svc, err := NewService(Config{
		MaxRetryAttempts: 1,
		Retry:            retry.Config{InitialDelay: 24 * time.Hour, BackoffMultiplier: 2},
	}, store, fake, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	first, err := svc.RunDailyBilling(ctx)
	require.NoError(t, err)
	require.Len(t, first.Notifications, 1)
	assert.Equal(t, true, first.Notifications[0].Data["final"])
	assert.NotContains(t, first.Notifications[0].Data, "nextRetryAt")

	got, err := store.Get(ctx, "trial-once")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.StatusPastDue, got.Status)
	assert.Equal(t, 1, got.FailedAttempts)

	for day := 1; day <= 10; day++ {
		now = testNow.Add(time.Duration(day) * 24 * time.Hour)
		_, err := svc.RunDailyBilling(ctx)
		require.NoError(t, err)
	}

	got, err = store.Get(ctx, "trial-once")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.StatusUnpaid, got.Status)
	assert.Equal(t, 1, got.FailedAttempts)
	assert.Equal(t, 1, fake.ChargeCount("tbk-trial-once"), "the budget allows a single charge")
}

func TestRunDailyBilling_UnknownOutcome(t *testing.T) {
	newHeld := func(t *testing.T) (*harness, string) {
		t.Helper()
		h := newHarness(t, trialing("trial-lost", testNow.Add(-time.Hour)))
		h.gateway.Script("tbk-trial-lost", gatewaytest.Failed("context deadline exceeded"))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		got := h.get(t, "trial-lost")
		assert.Equal(t, subscriptions.StatusTrialing, got.Status)
		assert.Equal(t, 0, got.FailedAttempts)
		assert.Equal(t, "bf-00000001-1773133200", got.PendingOrderID)
		assert.Equal(t, "bf-00000001-1773133200", got.GatewayRef)

		assert.Empty(t, res.Notifications, "no failure notice while the outcome is unknown")
		require.Len(t, res.Outcomes, 1)
		assert.True(t, res.Outcomes[0].Pending)
		assert.Equal(t, subscriptions.StatusTrialing, res.Outcomes[0].To)
		require.Len(t, res.Attempts, 1)
		assert.Equal(t, "outcome_unknown", res.Attempts[0].ErrorCode)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "reconciliation required")
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ReconciliationRequired))
		return h, got.PendingOrderID
	}

	t.Run("still unknown stays held without charging", func(t *testing.T) {
		h, orderID := newHeld(t)
		h.gateway.ScriptStatus("tbk-trial-lost", gatewaytest.Failed("connection reset"))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, h.gateway.ChargeCount("tbk-trial-lost"))
		assert.Equal(t, []string{orderID}, h.gateway.StatusLookups())
		assert.Equal(t, orderID, h.get(t, "trial-lost").PendingOrderID)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], orderID)
		assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.ReconciliationRequired))
		assert.Empty(t, res.Attempts)
	})

	t.Run("approved charge is settled under the original order", func(t *testing.T) {
		h, orderID := newHeld(t)
		h.gateway.ScriptStatus("tbk-trial-lost", gatewaytest.Approved())

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, h.gateway.ChargeCount("tbk-trial-lost"))
		got := h.get(t, "trial-lost")
		assert.Equal(t, subscriptions.StatusActive, got.Status)
		assert.Empty(t, got.PendingOrderID)
		assert.Equal(t, orderID, got.GatewayRef)
		require.Len(t, res.Notifications, 1)
		assert.Equal(t, notify.EventPaymentSuccess, res.Notifications[0].Type)
		assert.Equal(t, orderID, res.Notifications[0].Data["orderId"])
		assert.Empty(t, res.Errors)
	})

	t.Run("declined charge fails normally", func(t *testing.T) {
		h, _ := newHeld(t)
		h.gateway.ScriptStatus("tbk-trial-lost", gatewaytest.Declined(-96))

		_, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		got := h.get(t, "trial-lost")
		assert.Equal(t, subscriptions.StatusPastDue, got.Status)
		assert.Equal(t, 1, got.FailedAttempts)
		assert.Empty(t, got.PendingOrderID)
		assert.Equal(t, 1, h.gateway.ChargeCount("tbk-trial-lost"))
	})

	t.Run("order unknown to the gateway is charged again", func(t *testing.T) {
		h, orderID := newHeld(t)
		h.gateway.ScriptStatus("tbk-trial-lost", gatewaytest.NotFound())
		h.gateway.Script("tbk-trial-lost", gatewaytest.Approved())

		_, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, h.gateway.ChargeCount("tbk-trial-lost"))
		got := h.get(t, "trial-lost")
		assert.Equal(t, subscriptions.StatusActive, got.Status)
		assert.Empty(t, got.PendingOrderID)
		assert.NotEqual(t, orderID, got.GatewayRef)
	})

	t.Run("provider rejection is a definite failure", func(t *testing.T) {
		h := newHarness(t, active("renew-422", testNow.Add(-time.Hour)))
		h.gateway.Script("tbk-renew-422", gatewaytest.Rejected(422, "Invalid value for parameter: amount"))

		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)

		got := h.get(t, "renew-422")
		assert.Equal(t, subscriptions.StatusPastDue, got.Status)
		assert.Empty(t, got.PendingOrderID)
		require.Len(t, res.Attempts, 1)
		assert.Equal(t, "http_422", res.Attempts[0].ErrorCode)
		assert.Zero(t, testutil.ToFloat64(h.metrics.ReconciliationRequired))
	})
}

func TestRunDailyBilling_TerminalStatusesUntouched(t *testing.T) {
	canceled := active("gone", testNow.Add(-time.Hour))
	canceled.Status = subscriptions.StatusCanceled
	canceled.CancelAtPeriodEnd = true
	canceled.CanceledAt = subscriptions.Ptr(testNow.Add(-24 * time.Hour).Unix())
	unpaid := pastDue("unpaid", 3, testNow.Add(-72*time.Hour))
	unpaid.Status = subscriptions.StatusUnpaid

	h := newHarness(t, canceled, unpaid)

	for i := 0; i < 2; i++ {
		res, err := h.service.RunDailyBilling(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Combined().Processed)
	}

	assert.Empty(t, h.gateway.Calls())
	assert.Equal(t, subscriptions.StatusCanceled, h.get(t, "gone").Status)
	assert.Equal(t, subscriptions.StatusUnpaid, h.get(t, "unpaid").Status)
	assert.Equal(t, int64(1), h.get(t, "gone").Version)
}

func TestRunDailyBilling_CancelAtPeriodEnd(t *testing.T) {
	trial := trialing("trial-cancel", testNow.Add(-time.Hour))
	trial.CancelAtPeriodEnd = true
	renewal := active("renew-cancel", testNow.Add(-time.Hour))
	renewal.CancelAtPeriodEnd = true
	h := newHarness(t, trial, renewal)

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.gateway.Calls())
	assert.Equal(t, 2, res.Canceled)
	assert.Zero(t, res.Combined().Processed)

	for _, id := range []string{"trial-cancel", "renew-cancel"} {
		got := h.get(t, id)
		assert.Equal(t, subscriptions.StatusCanceled, got.Status)
		require.NotNil(t, got.CanceledAt)
		assert.Equal(t, testNow.Unix(), *got.CanceledAt)
	}

	require.Len(t, res.Notifications, 2)
	for _, ev := range res.Notifications {
		assert.Equal(t, notify.EventSubscriptionCanceled, ev.Type)
	}
}

func TestRunDailyBilling_ReconciliationRequired(t *testing.T) {
	h := newHarness(t, trialing("trial-race", testNow.Add(-time.Hour)))
	h.store.updateErr = map[string]error{
		"trial-race": &subscriptions.StoreError{Op: "update_status", Err: subscriptions.ErrVersionConflict},
	}

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Tally{Processed: 1, Successful: 1}, res.ChargeResults)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "reconciliation required")
	assert.Contains(t, res.Errors[0], "trial-race")
	assert.Contains(t, res.Errors[0], "bf-00000001-1773133200")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ReconciliationRequired))

	// The local record is not rolled forward without the matching write
	assert.Equal(t, subscriptions.StatusTrialing, h.get(t, "trial-race").Status)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, subscriptions.StatusTrialing, res.Outcomes[0].To)
	assert.True(t, res.Outcomes[0].Success)
}

// cancelingCharger cancels the run context once the first charge completes
type cancelingCharger struct {
	gateway.Charger
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelingCharger) ChargeInscribedCard(ctx context.Context, username, cardToken, orderID string, amount int64) (*gateway.ChargeResult, error) {
	res, err := c.Charger.ChargeInscribedCard(ctx, username, cardToken, orderID, amount)
	c.once.Do(c.cancel)
	return res, err
}

func TestRunDailyBilling_RunBudget(t *testing.T) {
	h := newHarness(t,
		trialing("trial-1", testNow.Add(-3*time.Hour)),
		trialing("trial-2", testNow.Add(-2*time.Hour)),
		trialing("trial-3", testNow.Add(-time.Hour)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	charger := &cancelingCharger{Charger: h.gateway, cancel: cancel}
	svc, err := NewService(h.service.config, h.store, charger, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	res, err := svc.RunDailyBilling(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ChargeResults.Processed)
	assert.Equal(t, subscriptions.StatusActive, h.get(t, "trial-1").Status, "in-flight charge is still recorded")
	assert.Equal(t, subscriptions.StatusTrialing, h.get(t, "trial-2").Status)

	var deferred []string
	for _, e := range res.Errors {
		if strings.Contains(e, "run budget exhausted") {
			deferred = append(deferred, e)
		}
	}
	require.NotEmpty(t, deferred)
	assert.Contains(t, deferred[0], "2 subscription(s) deferred")
}

func TestRunDailyBilling_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.service.RunDailyBilling(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunDailyBilling_MixedBatchInvariants(t *testing.T) {
	var subs []*subscriptions.Subscription
	for i := 0; i < 6; i++ {
		subs = append(subs, trialing(fmt.Sprintf("t%d", i), testNow.Add(-time.Duration(i+1)*time.Minute)))
	}
	for i := 0; i < 4; i++ {
		subs = append(subs, pastDue(fmt.Sprintf("p%d", i), 1, testNow.Add(-48*time.Hour)))
	}
	h := newHarness(t, subs...)
	for _, id := range []string{"t1", "t4", "p0", "p3"} {
		h.gateway.Script("tbk-"+id, gatewaytest.Declined(-1))
	}

	res, err := h.service.RunDailyBilling(context.Background())
	require.NoError(t, err)

	assertTallies(t, res)
	combined := res.Combined()
	assert.Equal(t, Tally{Processed: 10, Successful: 6, Failed: 4}, combined)
	assert.InDelta(t, 0.4, combined.FailureRate(), 1e-9)
	assert.Len(t, res.Attempts, 10)
	assert.Len(t, res.Notifications, 10)

	seen := map[string]int{}
	for _, o := range res.Outcomes {
		seen[o.SubscriptionID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestAcknowledgeTrialNotices_SkipsOtherEvents(t *testing.T) {
	h := newHarness(t, trialing("trial-soon", testNow.Add(6*time.Hour)))

	n, err := h.service.AcknowledgeTrialNotices(context.Background(), []notify.Event{
		{Type: notify.EventPaymentSuccess, SubscriptionID: "trial-soon"},
		{Type: notify.EventTrialEnding, SubscriptionID: "missing"},
	})
	assert.Zero(t, n)
	assert.ErrorIs(t, err, subscriptions.ErrNotFound)
	assert.Empty(t, h.get(t, "trial-soon").TrialNoticeSentOn)
}

func TestRunDailyBilling_LogsCarryRunAndTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	var buf bytes.Buffer
	svc, err := NewService(Config{MaxRetryAttempts: 3}, subscriptions.NewMemoryStore(), gatewaytest.NewFake(),
		WithLogger(observability.NewLogger(observability.InfoLevel, &buf)),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	res, err := svc.RunDailyBilling(context.Background())
	require.NoError(t, err)

	first, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &entry))
	assert.Equal(t, "Starting daily billing run", entry["msg"])
	assert.Equal(t, res.RunID, entry["run_id"])
	assert.NotEmpty(t, entry["trace_id"])
	assert.NotEmpty(t, entry["span_id"])
}
