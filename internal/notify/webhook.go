package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (default: 3).
	MaxAttempts int

	// Backoff strategy: linear, exponential, fixed (default: exponential).
	Backoff string

	// InitialWait is the initial wait time between retries.
	InitialWait time.Duration
}

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string

	// URL is the webhook endpoint URL.
	URL string

	// Method is the HTTP method to use (default: POST).
	Method string

	// Headers are additional HTTP headers to include.
	Headers map[string]string

	// Events specifies which lifecycle events trigger notifications.
	// If empty, all events are sent.
	Events []string

	// Retry configuration.
	Retry *RetryConfig

	// Timeout for the HTTP request.
	Timeout time.Duration
}

// WebhookProvider sends lifecycle notifications via HTTP webhooks.
type WebhookProvider struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookProvider creates a new webhook notification provider.
func NewWebhookProvider(config WebhookConfig) *WebhookProvider {
	if config.Method == "" {
		config.Method = "POST"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry == nil {
		config.Retry = &RetryConfig{
			MaxAttempts: 3,
			Backoff:     "exponential",
			InitialWait: 1 * time.Second,
		}
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.Backoff == "" {
		config.Retry.Backoff = "exponential"
	}
	if config.Retry.InitialWait == 0 {
		config.Retry.InitialWait = 1 * time.Second
	}

	return &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	eventStr := string(eventType)
	for _, e := range p.config.Events {
		if strings.EqualFold(e, eventStr) {
			return true
		}
	}
	return false
}

// Validate checks if the provider configuration is valid.
func (p *WebhookProvider) Validate(ctx context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(p.config.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https")
	}

	if p.config.Retry != nil && p.config.Retry.Backoff != "" {
		switch strings.ToLower(p.config.Retry.Backoff) {
		case "linear", "exponential", "fixed":
		default:
			return fmt.Errorf("invalid backoff strategy: %s (must be linear, exponential, or fixed)", p.config.Retry.Backoff)
		}
	}
	return nil
}

// Send sends a webhook notification for the given lifecycle event.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		err := p.doSend(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt < p.config.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.calculateBackoff(attempt)):
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

// doSend performs a single HTTP request.
func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildPayload creates the JSON request body.
func (p *WebhookProvider) buildPayload(event Event) ([]byte, error) {
	body := map[string]interface{}{
		"type":       string(event.Type),
		"account_id": event.AccountID,
		"key_id":     event.KeyID,
		"owner_id":   event.OwnerID,
		"timestamp":  event.Timestamp.Format(time.RFC3339),
	}
	if event.Environment != "" {
		body["environment"] = event.Environment
	}
	if event.Type == EventTypeExpiryWarning || event.Type == EventTypeExpiryUrgent {
		body["days_remaining"] = event.DaysRemaining
		body["urgency"] = string(event.Urgency)
	}
	if event.Error != nil {
		body["error"] = event.Error.Error()
	}
	if len(event.Metadata) > 0 {
		body["metadata"] = event.Metadata
	}
	return json.Marshal(body)
}

// calculateBackoff returns the wait before the next attempt.
func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return time.Duration(attempt) * p.config.Retry.InitialWait
	case "fixed":
		return p.config.Retry.InitialWait
	default: // exponential
		return p.config.Retry.InitialWait * (1 << (attempt - 1))
	}
}
