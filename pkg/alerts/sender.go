package alerts

import (
	"context"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// Sender delivers alerts through a channel
type Sender struct {
	channel Channel
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewSender creates a sender. metrics may be nil.
func NewSender(channel Channel, metrics *observability.Metrics, logger *observability.Logger) *Sender {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sender{channel: channel, metrics: metrics, logger: logger}
}

// SendAlerts delivers each alert in order. One failed delivery does not
// stop the others.
func (s *Sender) SendAlerts(ctx context.Context, alerts []CriticalAlert) SendResult {
	result := SendResult{Errors: []string{}}

	for _, alert := range alerts {
		err := s.deliver(ctx, alert)
		s.metrics.ObserveAlert(string(alert.Type), string(alert.Severity), err == nil)

		log := s.logger.WithFields(map[string]interface{}{
			"alert_id":        alert.ID,
			"alert_type":      string(alert.Type),
			"severity":        string(alert.Severity),
			"organization_id": alert.OrganizationID,
			"subscription_id": alert.SubscriptionID,
		})
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			log.WithError(err).Error("Failed to deliver alert")
			continue
		}
		result.Sent++
		log.Info("Alert delivered")
	}
	return result
}

func (s *Sender) deliver(ctx context.Context, alert CriticalAlert) (err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = &DeliveryError{Channel: s.channel.Name(), AlertID: alert.ID, Err: perr}
		}
	}()
	if err := s.channel.Deliver(ctx, alert); err != nil {
		return &DeliveryError{Channel: s.channel.Name(), AlertID: alert.ID, Err: err}
	}
	return nil
}
