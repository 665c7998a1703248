package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/scrapeloop/exchange"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Markdown archives each snapshot as a markdown file in a directory, named
// <seq>-<token>.md. Exchanges are ignored.
type Markdown struct {
	dir  string
	conv *converter.Converter
}

// NewMarkdown creates a Markdown sink writing into dir (created if missing).
func NewMarkdown(dir string) (*Markdown, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("markdown: mkdir: %w", err)
	}
	return &Markdown{
		dir: dir,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}, nil
}

// Path returns the file a snapshot is archived to.
func (m *Markdown) Path(snap exchange.Snapshot) string {
	name := fmt.Sprintf("%06d-%s.md", snap.Seq, unsafeName.ReplaceAllString(snap.Token, "_"))
	return filepath.Join(m.dir, name)
}

func (m *Markdown) SendSnapshot(_ context.Context, snap exchange.Snapshot) error {
	md, err := m.conv.ConvertString(string(snap.HTML))
	if err != nil {
		return fmt.Errorf("markdown: convert seq %d: %w", snap.Seq, err)
	}
	if err := os.WriteFile(m.Path(snap), []byte(md), 0o644); err != nil {
		return fmt.Errorf("markdown: write: %w", err)
	}
	return nil
}

func (m *Markdown) SendExchange(context.Context, exchange.Exchange) error { return nil }

func (m *Markdown) Close() error { return nil }
