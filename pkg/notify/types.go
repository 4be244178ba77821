package notify

import (
	"context"
	"fmt"
	"time"
)

// EventType identifies a billing lifecycle email
type EventType string

const (
	EventTrialEnding          EventType = "trial_ending"
	EventPaymentSuccess       EventType = "payment_success"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
)

// Valid reports whether t has a template
func (t EventType) Valid() bool {
	switch t {
	case EventTrialEnding, EventPaymentSuccess, EventPaymentFailed, EventSubscriptionCanceled:
		return true
	}
	return false
}

// Event is a notification queued during a billing run
type Event struct {
	Type           EventType              `json:"type"`
	SubscriptionID string                 `json:"subscriptionId"`
	OrganizationID string                 `json:"organizationId"`
	CustomerEmail  string                 `json:"customerEmail"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Message is a rendered email
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// SendResult is what an email provider reports for one message
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Provider sends rendered emails
type Provider interface {
	Send(ctx context.Context, msg Message) SendResult
}

// DeliveryError describes one event that could not be delivered
type DeliveryError struct {
	Type           EventType
	SubscriptionID string
	Reason         string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification %s for subscription %s failed: %s", e.Type, e.SubscriptionID, e.Reason)
}

// DispatchResult aggregates a batch send
type DispatchResult struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors"`
	// Delivered lists events that were accepted by the provider
	Delivered []Event `json:"-"`
}
