package exchange

import (
	"testing"
	"time"
)

func TestNewSnapshot(t *testing.T) {
	html := []byte("<html><body><div>row</div></body></html>")
	s := NewSnapshot(3, "t1", "", html)

	if s.Seq != 3 || s.Token != "t1" {
		t.Fatalf("got seq=%d token=%q", s.Seq, s.Token)
	}
	if s.HTMLHash != HashHTML(html) {
		t.Errorf("HTMLHash: got %q, want %q", s.HTMLHash, HashHTML(html))
	}
	if s.ID == "" || s.Timestamp == 0 {
		t.Errorf("ID and Timestamp must be set: %+v", s)
	}
}

func TestSnapshotJSON_KeepsHTML(t *testing.T) {
	s := NewSnapshot(1, "t1", `{"op":"remove","selector":"tr"}`, []byte("<p>x</p>"))
	data, err := MarshalSnapshot(&s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.HTML) != "<p>x</p>" {
		t.Errorf("HTML: got %q", got.HTML)
	}
	if got.Action != s.Action {
		t.Errorf("Action: got %q, want %q", got.Action, s.Action)
	}
}

func TestExchangeOK(t *testing.T) {
	tests := []struct {
		e    Exchange
		want bool
	}{
		{Exchange{Status: 200}, true},
		{Exchange{Status: 500}, false},
		{Exchange{Status: 200, Error: "decode"}, false},
		{Exchange{Error: "connection refused"}, false},
	}
	for _, tt := range tests {
		if got := tt.e.OK(); got != tt.want {
			t.Errorf("OK(%+v) = %v, want %v", tt.e, got, tt.want)
		}
	}
}

func TestExchangeJSON_Duration(t *testing.T) {
	e := Exchange{ID: "x", Kind: KindPoll, Status: 200, Duration: 1500 * time.Millisecond}
	data, err := MarshalExchange(&e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalExchange(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Duration != e.Duration || got.Kind != KindPoll {
		t.Errorf("got %+v", got)
	}
}

func TestHashHTML(t *testing.T) {
	h := HashHTML([]byte("<html></html>"))
	if len(h) != 64 {
		t.Errorf("HashHTML length: got %d, want 64", len(h))
	}
	if h != HashHTML([]byte("<html></html>")) {
		t.Error("HashHTML not deterministic")
	}
}
