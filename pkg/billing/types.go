package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/bookflow/pkg/attempts"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/retry"
	"github.com/platinummonkey/bookflow/pkg/subscriptions"
)

// Stage names one step of the daily run
type Stage string

const (
	StageTrialNotice Stage = "trial_notice"
	StageTrialCharge Stage = "trial_charge"
	StageRenewal     Stage = "renewal"
	StageRetry       Stage = "retry"
)

// ErrStoreUnavailable is returned by RunDailyBilling when no stage could
// load its candidates.
var ErrStoreUnavailable = errors.New("subscription store unavailable")

// Config holds the run policy
type Config struct {
	// MaxRetryAttempts is the number of failed charges after which a past
	// due subscription becomes unpaid. It must be set.
	MaxRetryAttempts int
	// Retry spaces past due retries across runs
	Retry retry.Config
	// TrialNoticeWindow is how far ahead trial-ending notices look
	TrialNoticeWindow time.Duration
}

// Validate checks the required fields
func (c Config) Validate() error {
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("billing: max retry attempts must be configured")
	}
	if c.TrialNoticeWindow < 0 {
		return fmt.Errorf("billing: trial notice window must not be negative")
	}
	return nil
}

// Tally counts the items a charging stage handled. Processed always equals
// Successful + Failed.
type Tally struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// FailureRate returns Failed / Processed, or 0 when nothing was processed
func (t Tally) FailureRate() float64 {
	if t.Processed == 0 {
		return 0
	}
	return float64(t.Failed) / float64(t.Processed)
}

// Add returns the sum of two tallies
func (t Tally) Add(o Tally) Tally {
	return Tally{
		Processed:  t.Processed + o.Processed,
		Successful: t.Successful + o.Successful,
		Failed:     t.Failed + o.Failed,
	}
}

func (t *Tally) record(success bool) {
	t.Processed++
	if success {
		t.Successful++
	} else {
		t.Failed++
	}
}

// Outcome records what happened to one subscription during a run
type Outcome struct {
	SubscriptionID string               `json:"subscriptionId"`
	OrganizationID string               `json:"organizationId"`
	Stage          Stage                `json:"stage"`
	From           subscriptions.Status `json:"from"`
	To             subscriptions.Status `json:"to"`
	Success        bool                 `json:"success"`
	OrderID        string               `json:"orderId,omitempty"`
	FailedAttempts int                  `json:"failedAttempts"`
	// Pending is set when the charge outcome is unknown and the
	// subscription is held until a later run settles it
	Pending        bool                 `json:"pending,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// RunResult summarizes one daily run
type RunResult struct {
	RunID       string    `json:"runId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`

	TrialNotifications []notify.Event `json:"trialNotifications"`
	Notifications      []notify.Event `json:"notifications"`

	ChargeResults  Tally `json:"chargeResults"`
	RenewalResults Tally `json:"renewalResults"`
	RetryResults   Tally `json:"retryResults"`
	Canceled       int   `json:"canceled"`

	TotalNotifications int `json:"totalNotifications"`

	Attempts []attempts.Attempt `json:"attempts"`
	Outcomes []Outcome          `json:"outcomes"`
	Errors   []string           `json:"errors"`
}

// Combined sums every charging stage
func (r *RunResult) Combined() Tally {
	return r.ChargeResults.Add(r.RenewalResults).Add(r.RetryResults)
}

// AllNotifications returns trial notices followed by the other events
func (r *RunResult) AllNotifications() []notify.Event {
	all := make([]notify.Event, 0, len(r.TrialNotifications)+len(r.Notifications))
	all = append(all, r.TrialNotifications...)
	return append(all, r.Notifications...)
}

// Duration is the wall-clock length of the run
func (r *RunResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r *RunResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *RunResult) tally(stage Stage) *Tally {
	switch stage {
	case StageRenewal:
		return &r.RenewalResults
	case StageRetry:
		return &r.RetryResults
	default:
		return &r.ChargeResults
	}
}
