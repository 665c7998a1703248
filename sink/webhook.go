package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hazyhaar/scrapeloop/exchange"
)

// Webhook POSTs JSON envelopes to a URL, retrying transport errors and 5xx
// responses with exponential backoff.
type Webhook struct {
	url    string
	client *retryablehttp.Client
	logger *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.client.RetryMax = n }
}

// WithWebhookBackoff sets the minimum and maximum wait between retries.
// Default: 1s to 8s.
func WithWebhookBackoff(minWait, maxWait time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.RetryWaitMin = minWait
		w.client.RetryWaitMax = maxWait
	}
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 8 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second

	w := &Webhook{url: url, client: client, logger: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	// *slog.Logger satisfies retryablehttp.LeveledLogger.
	w.client.Logger = w.logger
	return w
}

func (w *Webhook) SendSnapshot(ctx context.Context, snap exchange.Snapshot) error {
	return w.post(ctx, "snapshot", snap)
}

func (w *Webhook) SendExchange(ctx context.Context, ex exchange.Exchange) error {
	return w.post(ctx, "exchange", ex)
}

func (w *Webhook) Close() error {
	w.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (w *Webhook) post(ctx context.Context, typ string, data any) error {
	body, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		return fmt.Errorf("webhook: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
