package subscriptions

import (
	"context"
	"fmt"
	"time"
)

// Status is the subscription's position in the billing state machine
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusIncomplete:
		return true
	}
	return false
}

// Terminal reports whether the orchestrator must leave s untouched
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

var transitions = map[Status][]Status{
	StatusTrialing:   {StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:     {StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusActive, StatusUnpaid, StatusCanceled},
	StatusIncomplete: {StatusActive, StatusCanceled},
}

// CanTransition reports whether a subscription may move from one status to
// another. Staying in the same status is always allowed so non-status fields
// can be updated; terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Interval is the billing cadence
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Duration returns the fixed length of one billing interval
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalYear:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Seconds returns Duration in whole seconds
func (i Interval) Seconds() int64 {
	return int64(i.Duration() / time.Second)
}

// Subscription is the billing projection of an organization
type Subscription struct {
	ID             string   `json:"id" dynamodbav:"id"`
	OrganizationID string   `json:"organizationId" dynamodbav:"organizationId"`
	PlanID         string   `json:"planId" dynamodbav:"planId"`
	PlanName       string   `json:"planName" dynamodbav:"planName"`
	Amount         int64    `json:"amount" dynamodbav:"amount"`
	Currency       string   `json:"currency" dynamodbav:"currency"`
	Interval       Interval `json:"interval" dynamodbav:"interval"`
	Status         Status   `json:"status" dynamodbav:"status"`

	// Epoch seconds
	CurrentPeriodStart int64  `json:"current_period_start" dynamodbav:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end" dynamodbav:"current_period_end"`
	TrialStart         *int64 `json:"trial_start,omitempty" dynamodbav:"trial_start,omitempty"`
	TrialEnd           *int64 `json:"trial_end,omitempty" dynamodbav:"trial_end,omitempty"`

	CancelAtPeriodEnd bool   `json:"cancel_at_period_end" dynamodbav:"cancel_at_period_end"`
	CanceledAt        *int64 `json:"canceled_at,omitempty" dynamodbav:"canceled_at,omitempty"`

	// Empty strings are omitted from DynamoDB items so the gateway
	// reference index stays sparse.
	GatewayRef    string `json:"gatewayRef,omitempty" dynamodbav:"gatewayRef,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty" dynamodbav:"customerEmail,omitempty"`
	PayerUsername string `json:"payerUsername,omitempty" dynamodbav:"payerUsername,omitempty"`
	CardToken     string `json:"-" dynamodbav:"cardToken,omitempty"`
	CardBrand     string `json:"cardBrand,omitempty" dynamodbav:"cardBrand,omitempty"`
	CardLast4     string `json:"cardLast4,omitempty" dynamodbav:"cardLast4,omitempty"`

	FailedAttempts    int    `json:"failedAttempts" dynamodbav:"failedAttempts"`
	LastAttemptAt     *int64 `json:"lastAttemptAt,omitempty" dynamodbav:"lastAttemptAt,omitempty"`
	TrialNoticeSentOn string `json:"trialNoticeSentOn,omitempty" dynamodbav:"trialNoticeSentOn,omitempty"`
	// PendingOrderID is the buy order of a charge whose outcome the gateway
	// never reported. No new charge is made while it is set.
	PendingOrderID string `json:"pendingOrderId,omitempty" dynamodbav:"pendingOrderId,omitempty"`

	Version   int64  `json:"version" dynamodbav:"version"`
	CreatedAt string `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt string `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialStart = clonePtr(s.TrialStart)
	c.TrialEnd = clonePtr(s.TrialEnd)
	c.CanceledAt = clonePtr(s.CanceledAt)
	c.LastAttemptAt = clonePtr(s.LastAttemptAt)
	return &c
}

// DueAt is the instant the subscription next needs attention: the trial
// end while trialing, otherwise the current period end.
func (s *Subscription) DueAt() int64 {
	if s.Status == StatusTrialing && s.TrialEnd != nil {
		return *s.TrialEnd
	}
	return s.CurrentPeriodEnd
}

// Validate checks the record's invariants
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.OrganizationID == "" {
		return fmt.Errorf("%w: organization id is required", ErrInvalid)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, s.Status)
	}
	if s.Interval != IntervalMonth && s.Interval != IntervalYear {
		return fmt.Errorf("%w: unknown interval %q", ErrInvalid, s.Interval)
	}
	if s.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalid)
	}
	if s.TrialEnd != nil && *s.TrialEnd > s.CurrentPeriodEnd {
		return fmt.Errorf("%w: trial_end must not be after current_period_end", ErrInvalid)
	}
	if s.CanceledAt != nil && !s.CancelAtPeriodEnd {
		return fmt.Errorf("%w: canceled_at requires cancel_at_period_end", ErrInvalid)
	}
	return nil
}

// UpdateFields lists the mutable fields of an update. Nil fields are left
// unchanged.
type UpdateFields struct {
	Status             *Status
	CurrentPeriodStart *int64
	CurrentPeriodEnd   *int64
	CanceledAt         *int64
	GatewayRef         *string
	CardLast4          *string
	FailedAttempts     *int
	LastAttemptAt      *int64
	TrialNoticeSentOn  *string
	PendingOrderID     *string
}

// Apply validates and applies the update to s in place, bumping Version and
// refreshing UpdatedAt.
func (u UpdateFields) Apply(s *Subscription, now time.Time) error {
	if u.Status != nil {
		if !CanTransition(s.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, *u.Status)
		}
		s.Status = *u.Status
	}
	if u.CurrentPeriodStart != nil {
		s.CurrentPeriodStart = *u.CurrentPeriodStart
	}
	if u.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = *u.CurrentPeriodEnd
	}
	if u.CanceledAt != nil {
		s.CanceledAt = clonePtr(u.CanceledAt)
		s.CancelAtPeriodEnd = true
	}
	if u.GatewayRef != nil {
		s.GatewayRef = *u.GatewayRef
	}
	if u.CardLast4 != nil {
		s.CardLast4 = *u.CardLast4
	}
	if u.FailedAttempts != nil {
		s.FailedAttempts = *u.FailedAttempts
	}
	if u.LastAttemptAt != nil {
		s.LastAttemptAt = clonePtr(u.LastAttemptAt)
	}
	if u.TrialNoticeSentOn != nil {
		s.TrialNoticeSentOn = *u.TrialNoticeSentOn
	}
	if u.PendingOrderID != nil {
		s.PendingOrderID = *u.PendingOrderID
	}

	if err := s.Validate(); err != nil {
		return err
	}

	s.Version++
	s.UpdatedAt = FormatTimestamp(now)
	return nil
}

// Store is the persistence accessor used by the billing orchestrator
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOrganization(ctx context.Context, orgID string) (*Subscription, error)
	GetByGatewayRef(ctx context.Context, ref string) (*Subscription, error)

	// GetTrialsEndingBetween returns trialing subscriptions with
	// from < trial_end <= to.
	GetTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	// GetExpiringTrials returns trialing subscriptions with trial_end <= asOf.
	GetExpiringTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	// GetDueForRenewal returns active subscriptions with
	// current_period_end <= asOf.
	GetDueForRenewal(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	// GetPastDueEligibleForRetry returns every past_due subscription. Rows
	// that already spent the retry budget are included so the caller can
	// close them out as unpaid; backoff is also left to the caller.
	GetPastDueEligibleForRetry(ctx context.Context) ([]*Subscription, error)

	// UpdateStatus applies fields when the stored version equals
	// expectedVersion and returns the updated record.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, fields UpdateFields) (*Subscription, error)

	Ping(ctx context.Context) error
}

// FormatTimestamp renders t as the ISO-8601 audit timestamp
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
