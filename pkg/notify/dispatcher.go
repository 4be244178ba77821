package notify

import (
	"context"
	"errors"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// Dispatcher renders events and hands them to a provider
type Dispatcher struct {
	renderer *Renderer
	provider Provider
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(renderer *Renderer, provider Provider, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{renderer: renderer, provider: provider, metrics: metrics, logger: logger}
}

// SendBillingNotifications delivers every event. A failure affects only its
// own event and is reported in the result.
func (d *Dispatcher) SendBillingNotifications(ctx context.Context, events []Event) DispatchResult {
	result := DispatchResult{Errors: []string{}, Delivered: []Event{}}

	for _, ev := range events {
		err := d.send(ctx, ev)
		d.metrics.ObserveNotification(string(ev.Type), err == nil)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			d.logger.WithFields(map[string]interface{}{
				"type":            string(ev.Type),
				"subscription_id": ev.SubscriptionID,
				"organization_id": ev.OrganizationID,
			}).WithError(err).Warn("Failed to send billing notification")
			continue
		}
		result.Sent++
		result.Delivered = append(result.Delivered, ev)
	}

	d.logger.WithFields(map[string]interface{}{
		"sent":   result.Sent,
		"failed": result.Failed,
	}).Info("Billing notifications dispatched")
	return result
}

func (d *Dispatcher) send(ctx context.Context, ev Event) (err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = &DeliveryError{Type: ev.Type, SubscriptionID: ev.SubscriptionID, Reason: perr.Error()}
		}
	}()

	if ev.CustomerEmail == "" {
		return &DeliveryError{Type: ev.Type, SubscriptionID: ev.SubscriptionID, Reason: "no customer email"}
	}
	msg, err := d.renderer.Render(ev)
	if err != nil {
		return &DeliveryError{Type: ev.Type, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}
	}
	res := d.provider.Send(ctx, *msg)
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "provider rejected the message"
		}
		return &DeliveryError{Type: ev.Type, SubscriptionID: ev.SubscriptionID, Reason: reason}
	}
	d.logger.WithFields(map[string]interface{}{
		"type":            string(ev.Type),
		"subscription_id": ev.SubscriptionID,
		"message_id":      res.MessageID,
	}).Debug("Billing notification sent")
	return nil
}

// IsDeliveryError reports whether err is a notification delivery failure
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
