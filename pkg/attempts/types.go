package attempts

import (
	"context"
	"time"
)

// Stage names the billing stage that made an attempt
type Stage string

const (
	StageTrialCharge Stage = "trial_charge"
	StageRenewal     Stage = "renewal"
	StageRetry       Stage = "retry"
)

// Attempt is one charge try against the gateway
type Attempt struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	OrganizationID string    `json:"organizationId"`
	Stage          Stage     `json:"stage"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	AttemptNumber  int       `json:"attemptNumber"`
	Success        bool      `json:"success"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	TransactionID  string    `json:"transactionId,omitempty"`
	CardLast4      string    `json:"cardLast4,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Log records charge attempts and answers history queries
type Log interface {
	Record(ctx context.Context, attempt Attempt) error
	// Recent returns up to limit attempts for a subscription, newest first.
	Recent(ctx context.Context, subscriptionID string, limit int) ([]Attempt, error)
	// FailuresSince returns every failed attempt at or after since, oldest first.
	FailuresSince(ctx context.Context, since time.Time) ([]Attempt, error)
}

// ConsecutiveFailures counts failures from the newest attempt back to the
// most recent success. attempts must be ordered newest first.
func ConsecutiveFailures(attempts []Attempt) int {
	n := 0
	for _, a := range attempts {
		if a.Success {
			break
		}
		n++
	}
	return n
}
