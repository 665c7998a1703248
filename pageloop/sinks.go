package pageloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/sink"
)

// Sink receives transmitted snapshots and exchange records.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process callback sink.
func NewCallbackSink(
	onSnapshot func(ctx context.Context, snap exchange.Snapshot) error,
	onExchange func(ctx context.Context, ex exchange.Exchange) error,
) Sink {
	return sink.NewCallback(onSnapshot, onExchange)
}

// NewJournalSink opens (or creates) a SQLite exchange journal at path.
func NewJournalSink(path string) (Sink, error) {
	return sink.OpenJournal(path)
}

// NewMarkdownSink archives every snapshot as markdown under dir.
func NewMarkdownSink(dir string) (Sink, error) {
	return sink.NewMarkdown(dir)
}

// NewExtractSink writes the values rules pull from each snapshot to w as
// JSON lines.
func NewExtractSink(w io.Writer, rules []ExtractRule) (Sink, error) {
	return sink.NewExtract(w, rules)
}

// BuildSinks constructs the sinks listed in configuration. journalPath is
// used for journal sinks without a path.
func BuildSinks(cfgs []SinkConfig, journalPath string, logger *slog.Logger) ([]Sink, error) {
	var out []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range out {
			s.Close()
		}
		return nil, err
	}
	for i, c := range cfgs {
		switch c.Type {
		case "stdout":
			out = append(out, NewStdoutSink(os.Stdout))
		case "webhook":
			out = append(out, NewWebhookSink(c.URL, logger))
		case "journal":
			path := c.Path
			if path == "" {
				path = journalPath
			}
			j, err := sink.OpenJournal(path)
			if err != nil {
				return fail(fmt.Errorf("pageloop: sinks[%d]: %w", i, err))
			}
			out = append(out, j)
		case "markdown":
			m, err := NewMarkdownSink(c.Path)
			if err != nil {
				return fail(fmt.Errorf("pageloop: sinks[%d]: %w", i, err))
			}
			out = append(out, m)
		case "extract":
			e, err := NewExtractSink(os.Stdout, c.Rules)
			if err != nil {
				return fail(fmt.Errorf("pageloop: sinks[%d]: %w", i, err))
			}
			out = append(out, e)
		default:
			return fail(fmt.Errorf("pageloop: sinks[%d]: unknown type %q", i, c.Type))
		}
	}
	return out, nil
}
