// Package coordclient speaks the coordinator's HTTP contract: GET /scrape
// for fragments, POST /response for snapshots.
package coordclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hazyhaar/scrapeloop/exchange"
)

// MaxBody caps fragment and seed bodies.
const MaxBody = 10 << 20

// StatusError is returned when the coordinator answers with anything but 200.
type StatusError struct {
	Op    exchange.Kind
	Code  int
	Token string
}

func (e *StatusError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("coordclient: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("coordclient: %s: status %d (token %s)", e.Op, e.Code, e.Token)
}

// Status returns the HTTP status code.
func (e *StatusError) Status() int { return e.Code }

// StatusCode extracts the HTTP status from err, or 0 if err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Client issues coordinator requests.
type Client struct {
	base   string
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a Client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{}, // bounded per request by the caller's context
		ua:     "Mozilla/5.0 (Gentoo; Linux x86_64) AppleWebKit/534.34",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Poll requests the next fragment.
func (c *Client) Poll(ctx context.Context) (exchange.Fragment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+exchange.PathScrape, nil)
	if err != nil {
		return exchange.Fragment{}, fmt.Errorf("coordclient: poll: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.client.Do(req)
	if err != nil {
		return exchange.Fragment{}, fmt.Errorf("coordclient: poll: %w", err)
	}
	defer resp.Body.Close()

	token := resp.Header.Get(exchange.HeaderToken)
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBody))
		return exchange.Fragment{}, &StatusError{Op: exchange.KindPoll, Code: resp.StatusCode, Token: token}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return exchange.Fragment{}, fmt.Errorf("coordclient: poll: read body: %w", err)
	}
	c.logger.Debug("coordclient: polled", "token", token, "size", len(body))
	return exchange.Fragment{Token: token, HTML: string(body)}, nil
}

// Respond posts a serialized document under token.
func (c *Client) Respond(ctx context.Context, token, snapshot string) (exchange.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+exchange.PathResponse, strings.NewReader(snapshot))
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("coordclient: respond: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Content-Type", "text/html; charset=utf-8")
	req.Header.Set(exchange.HeaderToken, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("coordclient: respond: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBody))

	if resp.StatusCode != http.StatusOK {
		return exchange.Ack{}, &StatusError{Op: exchange.KindRespond, Code: resp.StatusCode, Token: token}
	}

	var ack exchange.Ack
	if vals, ok := resp.Header[http.CanonicalHeaderKey(exchange.HeaderAction)]; ok && len(vals) > 0 {
		ack.Action = vals[0]
		ack.HasAction = true
	}
	c.logger.Debug("coordclient: responded", "token", token, "size", len(snapshot), "action", ack.HasAction)
	return ack, nil
}

// Seed GETs the start page for documents that live outside a browser. The
// returned token is the Scraper-Token header of the response, if any.
func (c *Client) Seed(ctx context.Context, pageURL string) (body []byte, token string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("coordclient: seed: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("coordclient: seed: %w", err)
	}
	defer resp.Body.Close()

	token = resp.Header.Get(exchange.HeaderToken)
	if resp.StatusCode != http.StatusOK {
		return nil, token, &StatusError{Op: "seed", Code: resp.StatusCode, Token: token}
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, "", fmt.Errorf("coordclient: seed: read body: %w", err)
	}
	return body, token, nil
}

