// Package alert delivers execution results to an operator webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"golang.org/x/time/rate"
)

const (
	payloadType    = "dca_execution"
	defaultTimeout = 10 * time.Second
)

// Sink receives one execution result. Callers treat errors as log-only.
type Sink interface {
	Notify(ctx context.Context, result domain.ExecutionResult) error
}

// AlertError is a failed webhook delivery.
type AlertError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AlertError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("alert delivery: %v", e.Err)
	}
	return fmt.Sprintf("alert delivery: status %d: %s", e.StatusCode, e.Body)
}

func (e *AlertError) Unwrap() error { return e.Err }

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	AccountID string    `json:"accountId"`
	TxDigest  string    `json:"txDigest,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPayload converts a result into its webhook form.
func NewPayload(r domain.ExecutionResult) Payload {
	return Payload{
		Type:      payloadType,
		Status:    r.Status(),
		AccountID: r.AccountID,
		TxDigest:  r.TxDigest,
		Error:     r.Error,
		Timestamp: r.Timestamp,
	}
}

// WebhookSink posts results to an HTTP endpoint.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithRateLimit caps deliveries per second; burst is one.
func WithRateLimit(perSecond float64) WebhookOption {
	return func(s *WebhookSink) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify posts one result.
func (s *WebhookSink) Notify(ctx context.Context, result domain.ExecutionResult) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &AlertError{Err: errors.Wrap(err, "rate limiter")}
	}

	body, err := json.Marshal(NewPayload(result))
	if err != nil {
		return &AlertError{Err: errors.Wrap(err, "marshal payload")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &AlertError{Err: errors.Wrap(err, "create request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &AlertError{Err: errors.Wrap(err, "send request")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AlertError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// NopSink drops every result; used when no webhook is configured.
type NopSink struct{}

// Notify does nothing.
func (NopSink) Notify(context.Context, domain.ExecutionResult) error { return nil }
