package coordinator

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// passthrough forwards page-originated requests (postbacks, scripts,
// images) to the scraped site so the page loop can browse it through the
// coordinator's origin.
type passthrough struct {
	match *regexp.Regexp
	proxy *httputil.ReverseProxy
}

func newPassthrough(cfg UpstreamConfig, logger *slog.Logger) (*passthrough, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: upstream: %w", err)
	}
	match, err := regexp.Compile(cfg.PathPattern)
	if err != nil {
		return nil, fmt.Errorf("coordinator: upstream: %w", err)
	}
	origin := target.Scheme + "://" + target.Host

	var limiter *rate.Limiter
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	rp := &httputil.ReverseProxy{
		// Rewrite drops X-Forwarded-* from the inbound request.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			h := pr.Out.Header
			h.Del("Referer")
			h.Del("If-Modified-Since")
			h.Set("User-Agent", cfg.UserAgent)
			if pr.Out.Method == http.MethodPost {
				h.Set("Origin", origin)
				if cfg.PostPath != "" {
					pr.Out.URL.Path = cfg.PostPath
					pr.Out.URL.RawPath = ""
				}
			}
		},
		Transport: &cachingTransport{
			base:     &http.Transport{Proxy: http.ProxyFromEnvironment, DisableCompression: true},
			suffixes: cfg.CacheSuffixes,
			limiter:  limiter,
			cache:    make(map[string]*cachedResponse),
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			loggerFrom(r.Context(), logger).Warn("coordinator: upstream failed", "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return &passthrough{match: match, proxy: rp}, nil
}

// ServeHTTP proxies matching paths and answers 404 to everything else.
func (p *passthrough) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.match.MatchString(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	p.proxy.ServeHTTP(w, r)
}

type cachedResponse struct {
	resp http.Response
	body []byte
}

// cachingTransport serves responses for cacheable suffixes from memory and
// paces every other upstream request through limiter.
type cachingTransport struct {
	base     http.RoundTripper
	suffixes []string
	limiter  *rate.Limiter

	mu    sync.Mutex
	cache map[string]*cachedResponse
}

func (t *cachingTransport) cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	for _, s := range t.suffixes {
		if strings.HasSuffix(r.URL.Path, s) {
			return true
		}
	}
	return false
}

func (t *cachingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if !t.cacheable(r) {
		if t.limiter != nil {
			if err := t.limiter.Wait(r.Context()); err != nil {
				return nil, err
			}
		}
		return t.base.RoundTrip(r)
	}

	key := r.Method + " " + r.URL.String()
	t.mu.Lock()
	cached, ok := t.cache[key]
	t.mu.Unlock()
	if ok {
		resp := cached.resp
		resp.Header = cached.resp.Header.Clone()
		resp.Body = io.NopCloser(bytes.NewReader(cached.body))
		resp.Request = r
		return &resp, nil
	}

	resp, err := t.base.RoundTrip(r)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	cc := &cachedResponse{resp: *resp, body: body}
	cc.resp.Body = nil
	cc.resp.Header = resp.Header.Clone()
	t.mu.Lock()
	t.cache[key] = cc
	t.mu.Unlock()

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
