// Package extract pulls values out of serialized documents.
//
// A Rule selects elements with a CSS selector and reads either their text
// or one attribute. Apply runs a set of rules over one snapshot; Each walks
// matches one by one and lets the caller decide which ones to keep.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ErrInvalidRule is returned for rules without a name or with a selector
// that does not compile.
var ErrInvalidRule = errors.New("extract: invalid rule")

// Rule names one value to pull from a document.
type Rule struct {
	Name     string `json:"name" yaml:"name"`
	Selector string `json:"selector" yaml:"selector"`
	Attr     string `json:"attr,omitempty" yaml:"attr"` // empty reads the element text
}

// Validate checks that the rule has a name and a usable selector.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if _, err := cascadia.Compile(r.Selector); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.Name, err)
	}
	return nil
}

// Record maps rule names to the values found, in document order. Rules
// that matched nothing are absent.
type Record map[string][]string

// Apply runs every rule over markup.
func Apply(markup []byte, rules []Rule) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("extract: parse: %w", err)
	}
	rec := Record{}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		doc.Find(r.Selector).Each(func(_ int, s *goquery.Selection) {
			v, ok := value(s, r.Attr)
			if !ok {
				return
			}
			rec[r.Name] = append(rec[r.Name], v)
		})
	}
	return rec, nil
}

// Each calls pick for every element matching selector, passing the value
// of attr ("" when absent). When pick returns a function it receives the
// element's text and the element's descendants are not visited.
func Each(markup []byte, selector, attr string, pick func(value string) func(text string)) error {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return fmt.Errorf("extract: parse: %w", err)
	}

	taken := map[*html.Node]bool{}
	doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		for p := n.Parent; p != nil; p = p.Parent {
			if taken[p] {
				return
			}
		}
		v, _ := s.Attr(attr)
		if fn := pick(v); fn != nil {
			taken[n] = true
			fn(s.Text())
		}
	})
	return nil
}

func value(s *goquery.Selection, attr string) (string, bool) {
	if attr == "" {
		return strings.TrimSpace(s.Text()), true
	}
	return s.Attr(attr)
}
