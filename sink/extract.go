package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/extract"
)

// Extract applies extraction rules to every snapshot and writes one JSON
// line per snapshot that matched anything. Exchanges are ignored.
type Extract struct {
	mu    sync.Mutex
	enc   *json.Encoder
	rules []extract.Rule
}

// Extraction is the line written for one snapshot.
type Extraction struct {
	Seq    uint64         `json:"seq"`
	Token  string         `json:"token"`
	Action string         `json:"action,omitempty"`
	Fields extract.Record `json:"fields"`
}

// NewExtract creates an Extract sink writing to w (default os.Stdout).
func NewExtract(w io.Writer, rules []extract.Rule) (*Extract, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	if w == nil {
		w = os.Stdout
	}
	return &Extract{enc: json.NewEncoder(w), rules: rules}, nil
}

func (e *Extract) SendSnapshot(_ context.Context, snap exchange.Snapshot) error {
	rec, err := extract.Apply(snap.HTML, e.rules)
	if err != nil || len(rec) == 0 {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(envelope{Type: "extract", Data: Extraction{
		Seq: snap.Seq, Token: snap.Token, Action: snap.Action, Fields: rec,
	}})
}

func (e *Extract) SendExchange(context.Context, exchange.Exchange) error { return nil }

func (e *Extract) Close() error { return nil }
