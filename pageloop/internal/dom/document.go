// Package dom is an in-memory document for hosts without a browser. It
// applies fragments and instructions to a parsed HTML tree and renders it
// back to markup. Scripts are inserted as nodes but never run.
package dom

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/scrapeloop/action"
)

// Document is a parsed HTML document. It is safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	doc       *goquery.Document
	container *html.Node
	policy    *bluemonday.Policy
}

// Option configures a Document.
type Option func(*Document)

// Policy returns the bluemonday policy for a sanitize mode: "ugc" for
// user-generated-content rules, "strict" to strip all markup. Any other
// value, including "none", returns nil.
func Policy(mode string) *bluemonday.Policy {
	switch mode {
	case "ugc":
		return bluemonday.UGCPolicy()
	case "strict":
		return bluemonday.StrictPolicy()
	}
	return nil
}

// WithSanitize filters every spliced fragment through Policy(mode).
func WithSanitize(mode string) Option {
	return func(d *Document) { d.policy = Policy(mode) }
}

// New parses markup into a Document. The parser always synthesizes a body.
func New(markup []byte, opts ...Option) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := &Document{doc: doc}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Empty returns the minimal seed document.
func Empty(opts ...Option) *Document {
	d, _ := New([]byte("<html><head></head><body><div></div></body></html>"), opts...)
	return d
}

// Splice removes the body's last child and appends the fragment wrapped in
// a new div, which becomes the container target.
func (d *Document) Splice(ctx context.Context, fragment string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	body, err := d.body()
	if err != nil {
		return "", err
	}
	if last := body.LastChild; last != nil {
		body.RemoveChild(last)
	}

	if d.policy != nil {
		fragment = d.policy.Sanitize(fragment)
	}
	div := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	if err := appendMarkup(div, fragment); err != nil {
		return "", err
	}
	body.AppendChild(div)
	d.container = div

	return d.render()
}

// Apply performs a single instruction and returns the new serialization.
func (d *Document) Apply(ctx context.Context, in action.Instruction, target action.InsertTarget) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch in.Op {
	case action.OpAppendHTML:
		parent, err := d.target(target)
		if err != nil {
			return "", err
		}
		if err := appendMarkup(parent, in.HTML); err != nil {
			return "", err
		}

	case action.OpScript:
		parent, err := d.target(target)
		if err != nil {
			return "", err
		}
		script := &html.Node{Type: html.ElementNode, Data: "script", DataAtom: atom.Script}
		script.AppendChild(&html.Node{Type: html.TextNode, Data: in.Value})
		parent.AppendChild(script)

	case action.OpSetAttr, action.OpRemoveAttr, action.OpSetText, action.OpRemove:
		sel, err := d.find(in.Selector)
		if err != nil {
			return "", err
		}
		switch in.Op {
		case action.OpSetAttr:
			sel.First().SetAttr(in.Name, in.Value)
		case action.OpRemoveAttr:
			sel.First().RemoveAttr(in.Name)
		case action.OpSetText:
			sel.First().SetText(in.Value)
		case action.OpRemove:
			for _, n := range sel.Nodes {
				if n == d.container {
					d.container = nil
				}
			}
			sel.Remove()
		}

	case action.OpClick, action.OpSubmit, action.OpCall:
		return "", fmt.Errorf("dom: %s: %w", in.Op, action.ErrUnsupported)

	default:
		return "", fmt.Errorf("dom: %w: %q", action.ErrUnknownOp, in.Op)
	}

	return d.render()
}

// Serialize renders the whole document.
func (d *Document) Serialize(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.render()
}

// Selection exposes a goquery selection over the document for inspection.
// The result must not be mutated.
func (d *Document) Selection(selector string) *goquery.Selection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find(selector)
}

func (d *Document) body() (*html.Node, error) {
	body := d.doc.Find("body")
	if body.Length() == 0 {
		return nil, fmt.Errorf("dom: document has no body")
	}
	return body.Nodes[0], nil
}

// target resolves an insertion target. A container detached by a later
// splice or remove falls back to the body.
func (d *Document) target(t action.InsertTarget) (*html.Node, error) {
	if t == action.TargetContainer && d.container != nil && d.container.Parent != nil {
		return d.container, nil
	}
	return d.body()
}

func (d *Document) find(selector string) (*goquery.Selection, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("dom: %w: selector %q: %v", action.ErrInvalid, selector, err)
	}
	sel := d.doc.FindMatcher(m)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("dom: %w: %q", action.ErrNoMatch, selector)
	}
	return sel, nil
}

func (d *Document) render() (string, error) {
	var b strings.Builder
	if err := html.Render(&b, d.doc.Nodes[0]); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return b.String(), nil
}

// appendMarkup parses markup in the context of parent and appends the
// resulting nodes to it.
func appendMarkup(parent *html.Node, markup string) error {
	ctxNode := &html.Node{Type: html.ElementNode, Data: parent.Data, DataAtom: parent.DataAtom}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctxNode)
	if err != nil {
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}
