package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("coordinator:\n  url: http://localhost:8000/\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "browser" || cfg.Start != "poll" {
		t.Errorf("mode/start: got %q/%q", cfg.Mode, cfg.Start)
	}
	if cfg.Coordinator.URL != "http://localhost:8000" {
		t.Errorf("url: got %q", cfg.Coordinator.URL)
	}
	if cfg.StartURL != "http://localhost:8000/start" {
		t.Errorf("start_url: got %q", cfg.StartURL)
	}
	if cfg.Coordinator.UserAgent != DefaultUserAgent {
		t.Errorf("user_agent: got %q", cfg.Coordinator.UserAgent)
	}
	if cfg.Coordinator.RequestTimeout != 60*time.Second {
		t.Errorf("request_timeout: got %v", cfg.Coordinator.RequestTimeout)
	}
	if cfg.Document.InsertTarget != "body" || cfg.Document.ChainMode != "respond" {
		t.Errorf("document: got %+v", cfg.Document)
	}
	if cfg.Actions.AllowScripts {
		t.Error("allow_scripts must default to false")
	}
}

func TestParse_RespondFirstSeedsFromScrape(t *testing.T) {
	cfg, err := Parse([]byte("start: respond\ncoordinator:\n  url: http://c:8000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StartURL != "http://c:8000/scrape" {
		t.Errorf("start_url: got %q", cfg.StartURL)
	}
}

func TestLoadFile(t *testing.T) {
	yml := `
mode: http
coordinator:
  url: http://127.0.0.1:9000
  request_timeout: 2s
  poll_interval: 250ms
  max_cycles: 10
document:
  insert_target: container
  chain_mode: settle
  sanitize: ugc
actions:
  allow_scripts: true
  allowed_functions: [__doPostBack]
restart:
  enabled: true
  delay: 1s
sinks:
  - type: stdout
  - type: webhook
    url: http://hooks.local/snap
`
	path := filepath.Join(t.TempDir(), "scrapeloop.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Coordinator.RequestTimeout != 2*time.Second || cfg.Coordinator.PollInterval != 250*time.Millisecond {
		t.Errorf("durations: got %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.MaxCycles != 10 {
		t.Errorf("max_cycles: got %d", cfg.Coordinator.MaxCycles)
	}
	if cfg.Document.InsertTarget != "container" || cfg.Document.ChainMode != "settle" || cfg.Document.Sanitize != "ugc" {
		t.Errorf("document: got %+v", cfg.Document)
	}
	if !cfg.Actions.AllowScripts || len(cfg.Actions.AllowedFunctions) != 1 {
		t.Errorf("actions: got %+v", cfg.Actions)
	}
	if !cfg.Restart.Enabled || cfg.Restart.Delay != time.Second {
		t.Errorf("restart: got %+v", cfg.Restart)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[1].URL != "http://hooks.local/snap" {
		t.Errorf("sinks: got %+v", cfg.Sinks)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"missing url", "mode: http\n", "coordinator.url is required"},
		{"bad url", "coordinator:\n  url: localhost\n", "invalid"},
		{"bad mode", "mode: desktop\ncoordinator:\n  url: http://c\n", "mode"},
		{"bad target", "document:\n  insert_target: head\ncoordinator:\n  url: http://c\n", "insert_target"},
		{"bad sink", "sinks:\n  - type: nats\ncoordinator:\n  url: http://c\n", "unknown type"},
		{"webhook without url", "sinks:\n  - type: webhook\ncoordinator:\n  url: http://c\n", "requires url"},
		{"extract without rules", "sinks:\n  - type: extract\ncoordinator:\n  url: http://c\n", "requires rules"},
		{"extract bad selector", "sinks:\n  - type: extract\n    rules:\n      - {name: x, selector: \"[[\"}\ncoordinator:\n  url: http://c\n", "invalid rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParse_ExtractRules(t *testing.T) {
	cfg, err := Parse([]byte(`
coordinator:
  url: http://c
sinks:
  - type: extract
    rules:
      - name: links
        selector: a
        attr: href
      - name: title
        selector: h1
`))
	if err != nil {
		t.Fatal(err)
	}
	rules := cfg.Sinks[0].Rules
	if len(rules) != 2 || rules[0].Attr != "href" || rules[1].Selector != "h1" {
		t.Errorf("rules: %+v", rules)
	}
}
