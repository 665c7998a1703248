package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/scrapeloop/action"
)

// noMatchMarker prefixes in-page errors raised for selectors that match
// nothing, so they can be mapped back to action.ErrNoMatch.
const noMatchMarker = "scrapeloop:no-match"

const serializeJS = `() => new XMLSerializer().serializeToString(document)`

const spliceJS = `(fragment) => {
	const body = document.body;
	if (body.lastChild) body.removeChild(body.lastChild);
	const div = document.createElement('div');
	div.innerHTML = fragment;
	body.appendChild(div);
	window.__scrapeloopContainer = div;
	return new XMLSerializer().serializeToString(document);
}`

const applyJS = `(instr, target) => {
	const parent = () => {
		const c = window.__scrapeloopContainer;
		return (target === 'container' && c && c.isConnected) ? c : document.body;
	};
	const first = () => {
		const el = document.querySelector(instr.selector);
		if (!el) throw new Error('` + noMatchMarker + ` ' + instr.selector);
		return el;
	};
	switch (instr.op) {
	case 'append_html':
		parent().insertAdjacentHTML('beforeend', instr.html);
		break;
	case 'set_attr':
		first().setAttribute(instr.name, instr.value || '');
		break;
	case 'remove_attr':
		first().removeAttribute(instr.name);
		break;
	case 'set_text':
		first().textContent = instr.value || '';
		break;
	case 'remove': {
		const els = document.querySelectorAll(instr.selector);
		if (!els.length) throw new Error('` + noMatchMarker + ` ' + instr.selector);
		els.forEach(el => el.remove());
		break;
	}
	case 'click':
		first().click();
		break;
	case 'submit': {
		const el = first();
		const form = el.tagName === 'FORM' ? el : el.form;
		if (!form) throw new Error('` + noMatchMarker + ` form ' + instr.selector);
		if (form.requestSubmit) form.requestSubmit(); else form.submit();
		break;
	}
	case 'call': {
		let self = window, fn = window;
		for (const name of instr.function.split('.')) {
			self = fn;
			fn = fn == null ? undefined : fn[name];
		}
		if (typeof fn !== 'function') throw new Error('not a function: ' + instr.function);
		fn.apply(self, instr.args || []);
		break;
	}
	case 'script': {
		const s = document.createElement('script');
		s.text = instr.value;
		parent().appendChild(s);
		break;
	}
	default:
		throw new Error('unknown op ' + instr.op);
	}
	return new XMLSerializer().serializeToString(document);
}`

// PageDocument drives a live page. Instructions run as in-page functions
// with JSON arguments; scripts appended by the script op execute.
type PageDocument struct {
	page   *rod.Page
	policy *bluemonday.Policy
}

// NewPageDocument wraps an already loaded page.
func NewPageDocument(page *rod.Page) *PageDocument {
	return &PageDocument{page: page}
}

// Sanitize filters spliced fragments through p before they reach the
// page. A nil policy disables filtering.
func (d *PageDocument) Sanitize(p *bluemonday.Policy) *PageDocument {
	d.policy = p
	return d
}

// Splice removes the body's last child and appends the fragment wrapped in
// a new div, which becomes the container target.
func (d *PageDocument) Splice(ctx context.Context, fragment string) (string, error) {
	if d.policy != nil {
		fragment = d.policy.Sanitize(fragment)
	}
	res, err := d.page.Context(ctx).Eval(spliceJS, fragment)
	if err != nil {
		return "", fmt.Errorf("browser: splice: %w", err)
	}
	return res.Value.Str(), nil
}

// Apply performs a single instruction in the page.
func (d *PageDocument) Apply(ctx context.Context, in action.Instruction, target action.InsertTarget) (string, error) {
	res, err := d.page.Context(ctx).Eval(applyJS, in, string(target))
	if err != nil {
		if strings.Contains(err.Error(), noMatchMarker) {
			return "", fmt.Errorf("browser: %s: %w: %q", in.Op, action.ErrNoMatch, in.Selector)
		}
		return "", fmt.Errorf("browser: %s: %w", in.Op, err)
	}
	return res.Value.Str(), nil
}

// Serialize returns the XML serialization of the live document.
func (d *PageDocument) Serialize(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(serializeJS)
	if err != nil {
		return "", fmt.Errorf("browser: serialize: %w", err)
	}
	return res.Value.Str(), nil
}

// WaitSettle waits for the page to finish loading and its DOM to stop
// changing, bounded by timeout. A click or submit may navigate, so the
// load event is awaited first.
func (d *PageDocument) WaitSettle(ctx context.Context, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := d.page.Context(sctx)
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: settle: %w", err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0); err != nil {
		return fmt.Errorf("browser: settle: %w", err)
	}
	return nil
}
