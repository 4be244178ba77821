package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/webhooks"
)

// WebhookChannel posts alerts as signed JSON to an operator endpoint
type WebhookChannel struct {
	sender *webhooks.Sender
}

// NewWebhookChannel wraps a webhook sender
func NewWebhookChannel(sender *webhooks.Sender) *WebhookChannel {
	return &WebhookChannel{sender: sender}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Deliver sends the alert as a billing.alert.<type> event
func (c *WebhookChannel) Deliver(ctx context.Context, alert CriticalAlert) error {
	data, err := toMap(alert)
	if err != nil {
		return err
	}
	_, err = c.sender.Send(ctx, &webhooks.Event{
		ID:        alert.ID,
		Type:      "billing.alert." + string(alert.Type),
		Timestamp: alert.Timestamp,
		Data:      data,
	})
	return err
}

func toMap(alert CriticalAlert) (map[string]interface{}, error) {
	raw, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to encode alert: %w", err)
	}
	return m, nil
}

// EmailChannel mails alerts to operators through an email provider
type EmailChannel struct {
	provider   notify.Provider
	recipients []string
	brand      string
}

// NewEmailChannel creates an email channel
func NewEmailChannel(provider notify.Provider, recipients []string) *EmailChannel {
	return &EmailChannel{provider: provider, recipients: recipients, brand: "BookFlow"}
}

func (c *EmailChannel) Name() string { return "email" }

// Deliver sends one email per recipient. It fails if any recipient failed.
func (c *EmailChannel) Deliver(ctx context.Context, alert CriticalAlert) error {
	if len(c.recipients) == 0 {
		return errors.New("no alert recipients configured")
	}
	subject := fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(alert.Severity)), c.brand, alert.Title)
	text, htmlBody := renderAlert(alert)

	var errs []error
	for _, to := range c.recipients {
		res := c.provider.Send(ctx, notify.Message{To: to, Subject: subject, HTML: htmlBody, Text: text})
		if !res.Success {
			errs = append(errs, fmt.Errorf("%s: %s", to, res.Error))
		}
	}
	return errors.Join(errs...)
}

func renderAlert(alert CriticalAlert) (text, htmlBody string) {
	keys := make([]string, 0, len(alert.Data))
	for k := range alert.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var t, h strings.Builder
	fmt.Fprintf(&t, "%s\n\n%s\n\n", alert.Title, alert.Message)
	fmt.Fprintf(&h, "<h2>%s</h2><p>%s</p><table>", html.EscapeString(alert.Title), html.EscapeString(alert.Message))
	for _, k := range keys {
		v := fmt.Sprint(alert.Data[k])
		fmt.Fprintf(&t, "%s: %s\n", k, v)
		fmt.Fprintf(&h, "<tr><td>%s</td><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(v))
	}
	fmt.Fprintf(&t, "\nAlert %s (%s, %s) at %s\n", alert.ID, alert.Type, alert.Severity, alert.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&h, "</table><p>Alert %s (%s, %s)</p>", html.EscapeString(alert.ID), alert.Type, alert.Severity)
	return t.String(), h.String()
}

// LogChannel writes alerts to the structured log
type LogChannel struct {
	logger *observability.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *observability.Logger) *LogChannel {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

// Deliver logs the alert at error level
func (c *LogChannel) Deliver(ctx context.Context, alert CriticalAlert) error {
	c.logger.WithFields(map[string]interface{}{
		"alert_id":        alert.ID,
		"alert_type":      string(alert.Type),
		"severity":        string(alert.Severity),
		"organization_id": alert.OrganizationID,
		"subscription_id": alert.SubscriptionID,
		"data":            alert.Data,
	}).Error("CRITICAL ALERT: " + alert.Title + ": " + alert.Message)
	return nil
}

// MultiChannel delivers to every channel. Delivery succeeds when at least
// one channel accepted the alert.
type MultiChannel struct {
	channels []Channel
	logger   *observability.Logger
}

// NewMultiChannel creates a fan-out channel
func NewMultiChannel(logger *observability.Logger, channels ...Channel) *MultiChannel {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MultiChannel{channels: channels, logger: logger}
}

func (m *MultiChannel) Name() string {
	names := make([]string, len(m.channels))
	for i, c := range m.channels {
		names[i] = c.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Deliver tries every channel even if an earlier one failed
func (m *MultiChannel) Deliver(ctx context.Context, alert CriticalAlert) error {
	if len(m.channels) == 0 {
		return errors.New("no alert channels configured")
	}

	var errs []error
	delivered := 0
	for _, c := range m.channels {
		if err := c.Deliver(ctx, alert); err != nil {
			errs = append(errs, &DeliveryError{Channel: c.Name(), AlertID: alert.ID, Err: err})
			m.logger.WithError(err).WithFields(map[string]interface{}{
				"channel":  c.Name(),
				"alert_id": alert.ID,
			}).Warn("Alert channel failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	return errors.Join(errs...)
}
