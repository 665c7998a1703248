package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/scrapeloop/exchange"
)

// Shell opens the seed page the page loop runs in.
type Shell struct {
	mgr        *Manager
	userAgent  string
	navTimeout time.Duration
	logger     *slog.Logger
}

// NewShell creates a Shell on top of a started Manager.
func NewShell(mgr *Manager, userAgent string, navTimeout time.Duration) *Shell {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Shell{mgr: mgr, userAgent: userAgent, navTimeout: navTimeout, logger: mgr.cfg.Logger}
}

// Tab is a loaded seed page.
type Tab struct {
	Page *rod.Page
	URL  string

	// Token is the Scraper-Token header of the main document response,
	// empty when the seed page carried none.
	Token string

	router *rod.HijackRouter
	doc    *PageDocument
}

// Open creates a stealth tab, presents the configured user agent, loads
// startURL and evaluates an empty function in it. A navigation failure is
// logged and returned; it is not retried.
func (s *Shell) Open(ctx context.Context, startURL string) (*Tab, error) {
	b := s.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	tab := &Tab{Page: page, URL: startURL}

	if s.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: set user agent: %w", err)
		}
	}

	if len(s.mgr.cfg.ResourceBlocking) > 0 {
		tab.router = applyResourceBlocking(page, s.mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()

	// The subscription lives on navCtx and ends with the navigation window.
	var token string
	tokenDone := make(chan struct{})
	waitToken := page.Context(navCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		token = tokenFromHeaders(e.Response.Headers)
		return true
	})
	go func() {
		defer close(tokenDone)
		waitToken()
	}()

	if err := page.Context(navCtx).Navigate(startURL); err != nil {
		s.logger.Error("browser: unable to access network", "url", startURL, "error", err)
		tab.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", startURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.logger.Warn("browser: wait load timeout", "url", startURL, "error", err)
	}

	if _, err := page.Context(navCtx).Eval(`() => {}`); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: evaluate start page: %w", err)
	}

	cancel()
	<-tokenDone
	tab.Token = token
	tab.doc = NewPageDocument(page)

	s.logger.Info("browser: start page evaluated", "url", startURL, "token", tab.Token)
	return tab, nil
}

// Document returns the rod-backed document for the tab.
func (t *Tab) Document() *PageDocument {
	return t.doc
}

// Close stops request hijacking and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
		t.router = nil
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}

// tokenFromHeaders returns the Scraper-Token value of a CDP header map.
// CDP reports names as sent on the wire, so the match is case-insensitive.
func tokenFromHeaders(h proto.NetworkHeaders) string {
	for k, v := range h {
		if strings.EqualFold(k, exchange.HeaderToken) {
			return v.Str()
		}
	}
	return ""
}
