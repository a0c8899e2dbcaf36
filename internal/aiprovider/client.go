// Package aiprovider talks to the external classification service. Calls are
// retried with exponential backoff on transient failures; callers that can
// degrade (the classifier falls back to rules) treat ErrUnavailable as a
// signal, not a hard error.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/telemetry"
)

// ErrUnavailable means the provider could not be reached or kept failing
// through the retry budget.
var ErrUnavailable = errors.New("aiprovider: provider unavailable")

// Client is an HTTP client for the external AI classification service.
type Client struct {
	cfg    config.AIConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a provider client. The config's request timeout bounds
// each individual attempt; retries add to wall time on top of it.
func NewClient(cfg config.AIConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether the provider is configured at all.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.BaseURL != ""
}

// ClassifyRequest is the event content sent for classification. Encrypted
// fields are never included; the provider sees the same redacted view an
// unprivileged reader would.
type ClassifyRequest struct {
	EventType     string                 `json:"event_type"`
	EntityType    string                 `json:"entity_type,omitempty"`
	Severity      string                 `json:"severity"`
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`
}

// ClassifyResponse is the provider's verdict.
type ClassifyResponse struct {
	Category   string   `json:"category"`
	RiskLevel  string   `json:"risk_level"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// Classify sends one event for classification, retrying transient failures
// with exponential backoff up to the configured attempt budget.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	if !c.Enabled() {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	var resp *ClassifyResponse
	operation := func() error {
		var opErr error
		resp, opErr = c.doClassify(ctx, body)
		return opErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(c.maxRetries())), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		telemetry.AIProviderCallsTotal.WithLabelValues("classify", "error").Inc()
		c.logger.Warn("ai provider exhausted retries", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	telemetry.AIProviderCallsTotal.WithLabelValues("classify", "success").Inc()
	return resp, nil
}

func (c *Client) doClassify(ctx context.Context, body []byte) (*ClassifyResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		// Transient; let backoff retry.
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("provider returned %d", httpResp.StatusCode)
	default:
		io.Copy(io.Discard, httpResp.Body)
		return nil, backoff.Permanent(fmt.Errorf("provider rejected request: %d", httpResp.StatusCode))
	}

	var out ClassifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, backoff.Permanent(fmt.Errorf("provider confidence %v out of range", out.Confidence))
	}
	return &out, nil
}

func (c *Client) maxRetries() int {
	if c.cfg.MaxRetries < 0 {
		return 0
	}
	if c.cfg.MaxRetries == 0 {
		return 3
	}
	return c.cfg.MaxRetries
}
