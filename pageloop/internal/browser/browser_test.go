package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/scrapeloop/action"
)

func TestShouldBlock(t *testing.T) {
	block := map[string]bool{"images": true, "stylesheets": true, "ping": true}
	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Stylesheet", true},
		{"Font", false},
		{"Ping", true},
		{"Document", false},
		{"XHR", false},
		{"Fetch", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(block, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestTokenFromHeaders(t *testing.T) {
	h := proto.NetworkHeaders{
		"content-type":  gson.New("text/html"),
		"scraper-token": gson.New("abc123"),
	}
	if got := tokenFromHeaders(h); got != "abc123" {
		t.Errorf("got %q", got)
	}
	if got := tokenFromHeaders(proto.NetworkHeaders{}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestParseStealth(t *testing.T) {
	if ParseStealth("headful") != LevelHeadful || ParseStealth("") != LevelHeadless {
		t.Error("unexpected stealth mapping")
	}
}

// TestShell_Live drives a real Chrome when one is installed.
func TestShell_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("chrome not installed")
	}

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Scraper-Token", "seed-1")
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><head></head><body><div></div></body></html>")
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(Config{NoSandbox: true, Logger: logger})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if _, err := mgr.Start(ctx); err != nil {
		t.Skipf("chrome did not start: %v", err)
	}
	defer mgr.Close()

	tab, err := NewShell(mgr, "scrapeloop-test", 20*time.Second).Open(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer tab.Close()

	if ua, _ := gotUA.Load().(string); ua != "scrapeloop-test" {
		t.Errorf("user agent: got %q", ua)
	}
	if tab.Token != "seed-1" {
		t.Errorf("token: got %q", tab.Token)
	}

	doc := tab.Document()
	out, err := doc.Splice(ctx, `<p id="p">hello</p>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `<p id="p">hello</p>`) {
		t.Errorf("splice: %s", out)
	}

	out, err = doc.Apply(ctx, action.Instruction{Op: action.OpSetText, Selector: "#p", Value: "bye"}, action.TargetBody)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `<p id="p">bye</p>`) {
		t.Errorf("set_text: %s", out)
	}

	out, err = doc.Apply(ctx, action.Script("document.title = 'ran'"), action.TargetContainer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<title>ran</title>") {
		t.Errorf("script did not run: %s", out)
	}

	if _, err := doc.Apply(ctx, action.Instruction{Op: action.OpClick, Selector: "#nope"}, action.TargetBody); !errors.Is(err, action.ErrNoMatch) {
		t.Errorf("got %v, want ErrNoMatch", err)
	}
	if err := doc.WaitSettle(ctx, 2*time.Second); err != nil {
		t.Errorf("settle: %v", err)
	}

	// Failed navigations must not leave token listeners behind.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	shell := NewShell(mgr, "scrapeloop-test", 3*time.Second)
	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		if _, err := shell.Open(ctx, deadURL); err == nil {
			t.Fatal("expected navigation error")
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > before+2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before+2 {
		t.Errorf("goroutines: %d before failed opens, %d after", before, n)
	}
}
