package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

const (
	webpayTransactionsPath   = "/rswebpaytransaction/api/webpay/v1.2/transactions"
	oneclickInscriptionsPath = "/rswebpaytransaction/api/oneclick/v1.2/inscriptions"
	oneclickTransactionsPath = "/rswebpaytransaction/api/oneclick/v1.2/transactions"

	maxResponseBytes = 1 << 20
)

var _ Client = (*TransbankClient)(nil)

// TransbankClient implements Client over the Transbank REST API
type TransbankClient struct {
	cfg     Config
	client  *http.Client
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Option configures a TransbankClient
type Option func(*TransbankClient)

// WithHTTPClient replaces the instrumented default HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *TransbankClient) { c.client = client }
}

// WithMetrics records per-operation counters and latencies
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *TransbankClient) { c.metrics = metrics }
}

// WithLogger sets the client logger
func WithLogger(logger *observability.Logger) Option {
	return func(c *TransbankClient) { c.logger = logger }
}

// NewTransbankClient creates a client configured once at startup
func NewTransbankClient(cfg Config, opts ...Option) (*TransbankClient, error) {
	if cfg.Environment == "" {
		cfg.Environment = Integration
	}

	switch cfg.Environment {
	case Integration:
		if cfg.BaseURL == "" {
			cfg.BaseURL = IntegrationBaseURL
		}
		if cfg.CommerceCode == "" {
			cfg.CommerceCode = IntegrationWebpayPlusCommerceCode
		}
		if cfg.OneClickCommerceCode == "" {
			cfg.OneClickCommerceCode = IntegrationOneClickMallCommerceCode
		}
		if cfg.ChildCommerceCode == "" {
			cfg.ChildCommerceCode = IntegrationOneClickChildCode
		}
		if cfg.APIKey == "" {
			cfg.APIKey = IntegrationAPIKey
		}
	case Production:
		if cfg.BaseURL == "" {
			cfg.BaseURL = ProductionBaseURL
		}
		if cfg.CommerceCode == "" || cfg.OneClickCommerceCode == "" || cfg.APIKey == "" {
			return nil, fmt.Errorf("production gateway requires commerce codes and API key")
		}
		if cfg.ChildCommerceCode == "" {
			cfg.ChildCommerceCode = cfg.OneClickCommerceCode
		}
	default:
		return nil, fmt.Errorf("unknown gateway environment: %s", cfg.Environment)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &TransbankClient{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// CreateTransaction starts a Webpay Plus payment
func (c *TransbankClient) CreateTransaction(ctx context.Context, orderID, payerID string, amount int64, returnURL string) (*Redirect, error) {
	body := map[string]interface{}{
		"buy_order":  orderID,
		"session_id": payerID,
		"amount":     amount,
		"return_url": returnURL,
	}
	f, err := c.do(ctx, "webpay_create", http.MethodPost, c.cfg.CommerceCode, webpayTransactionsPath, body)
	if err != nil {
		return nil, err
	}
	return normalizeRedirect(f), nil
}

// ConfirmTransaction commits a Webpay Plus payment. Authorized is true only
// for the AUTHORIZED status.
func (c *TransbankClient) ConfirmTransaction(ctx context.Context, token string) (*Confirmation, error) {
	f, err := c.do(ctx, "webpay_confirm", http.MethodPut, c.cfg.CommerceCode, webpayTransactionsPath+"/"+token, nil)
	if err != nil {
		return nil, err
	}
	return normalizeConfirmation(f), nil
}

// StartInscription begins OneClick card tokenization
func (c *TransbankClient) StartInscription(ctx context.Context, username, email, returnURL string) (*Redirect, error) {
	body := map[string]interface{}{
		"username":     username,
		"email":        email,
		"response_url": returnURL,
	}
	f, err := c.do(ctx, "inscription_start", http.MethodPost, c.cfg.OneClickCommerceCode, oneclickInscriptionsPath, body)
	if err != nil {
		return nil, err
	}
	return normalizeRedirect(f), nil
}

// FinishInscription completes tokenization. Success requires response code 0.
func (c *TransbankClient) FinishInscription(ctx context.Context, token string) (*InscriptionResult, error) {
	f, err := c.do(ctx, "inscription_finish", http.MethodPut, c.cfg.OneClickCommerceCode, oneclickInscriptionsPath+"/"+token, nil)
	if err != nil {
		return nil, err
	}
	return normalizeInscription(f), nil
}

// RemoveInscription deletes a stored card
func (c *TransbankClient) RemoveInscription(ctx context.Context, cardToken, username string) (*RemovalResult, error) {
	body := map[string]interface{}{
		"tbk_user": cardToken,
		"username": username,
	}
	if _, err := c.do(ctx, "inscription_remove", http.MethodDelete, c.cfg.OneClickCommerceCode, oneclickInscriptionsPath, body); err != nil {
		return nil, err
	}
	return &RemovalResult{Success: true}, nil
}

// ChargeInscribedCard authorizes a OneClick Mall charge with a single child
// transaction. The request is detached from ctx cancellation and bounded by
// the client timeout instead, so a caller's deadline never aborts a charge
// mid-flight.
func (c *TransbankClient) ChargeInscribedCard(ctx context.Context, username, cardToken, orderID string, amount int64) (*ChargeResult, error) {
	body := map[string]interface{}{
		"username":  username,
		"tbk_user":  cardToken,
		"buy_order": orderID,
		"details": []map[string]interface{}{
			{
				"commerce_code":       c.cfg.ChildCommerceCode,
				"buy_order":           orderID + "-1",
				"amount":              amount,
				"installments_number": 1,
			},
		},
	}
	f, err := c.do(context.WithoutCancel(ctx), "oneclick_authorize", http.MethodPost, c.cfg.OneClickCommerceCode, oneclickTransactionsPath, body)
	if err != nil {
		return nil, err
	}
	return normalizeCharge(f, orderID), nil
}

// ChargeStatus looks up a OneClick Mall charge by its parent buy order. A
// charge the provider never registered comes back as a 404 GatewayError.
func (c *TransbankClient) ChargeStatus(ctx context.Context, orderID string) (*ChargeResult, error) {
	f, err := c.do(ctx, "oneclick_status", http.MethodGet, c.cfg.OneClickCommerceCode, oneclickTransactionsPath+"/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	return normalizeCharge(f, orderID), nil
}

func (c *TransbankClient) do(ctx context.Context, op, method, commerceCode, path string, payload interface{}) (f fields, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "gateway."+op)
	defer func() {
		c.metrics.ObserveGatewayRequest(op, start, err)
		observability.EndSpan(span, err)
	}()

	var reader io.Reader
	if payload != nil {
		data, mErr := json.Marshal(payload)
		if mErr != nil {
			return nil, &GatewayError{Op: op, Message: "failed to encode request", Err: mErr, NotSent: true}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &GatewayError{Op: op, Message: "failed to build request", Err: err, NotSent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Tbk-Api-Key-Id", commerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := &GatewayError{Op: op, StatusCode: resp.StatusCode}
		if body, decErr := decodeFields(raw); decErr == nil {
			gwErr.Message = body.str("error_message")
		}
		if gwErr.Message == "" {
			gwErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.WithFields(map[string]interface{}{
			"operation": op,
			"status":    resp.StatusCode,
		}).Warn("Gateway request rejected")
		return nil, gwErr
	}

	f, err = decodeFields(raw)
	if err != nil {
		return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	return f, nil
}
