package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/retry"
)

// Header names set on every delivery
const (
	HeaderSignature = "X-BookFlow-Signature"
	HeaderEvent     = "X-BookFlow-Event"
	HeaderEventID   = "X-BookFlow-Event-ID"
	HeaderDelivery  = "X-BookFlow-Delivery"
)

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Delivery describes the outcome of Send
type Delivery struct {
	EventID    string        `json:"event_id"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// DeliveryError is returned when every attempt failed
type DeliveryError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook delivery to %s failed after %d attempt(s): status %d", e.URL, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config configures a Sender
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   retry.Config
}

// Sender posts signed JSON events to a single endpoint
type Sender struct {
	url    string
	secret string
	client *http.Client
	policy *retry.Policy
	logger *observability.Logger
}

// NewSender creates a sender. The HTTP client is instrumented with otelhttp.
func NewSender(cfg Config, logger *observability.Logger) (*Sender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Sender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		policy: retry.NewPolicy(cfg.Retry),
		logger: logger,
	}, nil
}

// Send delivers event, retrying transport errors, 5xx and 429 responses with
// exponential backoff. Other 4xx responses are not retried.
func (s *Sender) Send(ctx context.Context, event *Event) (*Delivery, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	delivery := &Delivery{EventID: event.ID}
	start := time.Now()
	err = s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		delivery.Attempts = attempt
		status, err := s.post(ctx, event, payload)
		delivery.StatusCode = status
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"event_id": event.ID,
				"attempt":  attempt,
				"status":   status,
			}).WithError(err).Warn("Webhook delivery attempt failed")
		}
		return err
	})
	delivery.Duration = time.Since(start)

	if err != nil {
		return delivery, &DeliveryError{
			URL:        s.url,
			Attempts:   delivery.Attempts,
			StatusCode: delivery.StatusCode,
			Err:        err,
		}
	}
	return delivery, nil
}

func (s *Sender) post(ctx context.Context, event *Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderDelivery, time.Now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, generateSignature(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	statusErr := fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, retry.Permanent(statusErr)
	}
	return resp.StatusCode, statusErr
}

// IsDeliveryError reports whether err came from a failed delivery
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// VerifySignature verifies the webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
