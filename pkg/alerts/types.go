package alerts

import (
	"context"
	"fmt"
	"time"
)

// AlertType classifies a critical alert
type AlertType string

const (
	TypeBillingFailure  AlertType = "billing_failure"
	TypePaymentFraud    AlertType = "payment_fraud"
	TypeSystemError     AlertType = "system_error"
	TypeHighFailureRate AlertType = "high_failure_rate"
)

// Severity ranks how urgently an alert needs a human
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CriticalAlert is raised for operators after a billing run
type CriticalAlert struct {
	ID             string                 `json:"id"`
	Type           AlertType              `json:"type"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data"`
	Timestamp      time.Time              `json:"timestamp"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	SubscriptionID string                 `json:"subscriptionId,omitempty"`
}

// Config holds the detection thresholds
type Config struct {
	// FailureRateThreshold is the failed/processed ratio above which a
	// high_failure_rate alert is raised
	FailureRateThreshold float64
	// CriticalFailureRate escalates high_failure_rate to critical
	CriticalFailureRate float64
	// MinSampleSize avoids alerting on tiny batches
	MinSampleSize int

	ConsecutiveFailureThreshold int

	FraudWindow          time.Duration
	FraudDistinctCards   int
	FraudSharedErrorOrgs int
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:        0.30,
		CriticalFailureRate:         0.50,
		MinSampleSize:               5,
		ConsecutiveFailureThreshold: 3,
		FraudWindow:                 24 * time.Hour,
		FraudDistinctCards:          3,
		FraudSharedErrorOrgs:        5,
	}
}

// Channel delivers an alert to operators
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert CriticalAlert) error
}

// SendResult aggregates SendAlerts
type SendResult struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors"`
}

// DeliveryError wraps a channel failure for one alert
type DeliveryError struct {
	Channel string
	AlertID string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alert %s via %s failed: %v", e.AlertID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
