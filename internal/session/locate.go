package session

import (
	"context"
	"fmt"
	"strings"

	"browserd/internal/errs"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
)

// Locator kinds.
const (
	ByRole        = "role"
	ByText        = "text"
	ByLabel       = "label"
	ByPlaceholder = "placeholder"
	ByAltText     = "alt"
	ByTitle       = "title"
	ByTestID      = "testid"
)

// Locator addresses an element by what a user sees instead of by markup.
type Locator struct {
	By    string `json:"by"`
	Value string `json:"value"`
	// Name narrows role locators to an accessible name.
	Name  string `json:"name,omitempty"`
	Exact bool   `json:"exact,omitempty"`
	Nth   int    `json:"nth,omitempty"`
}

func (l Locator) validate() error {
	switch l.By {
	case ByRole, ByText, ByLabel, ByPlaceholder, ByAltText, ByTitle, ByTestID:
	default:
		return errs.Invalid("locate", "unknown locator kind %q", l.By)
	}
	if strings.TrimSpace(l.Value) == "" {
		return errs.Invalid("locate", "%s locator needs a value", l.By)
	}
	if l.Nth < 0 {
		return errs.Invalid("locate", "nth must be >= 0")
	}
	return nil
}

// Target is either a selector (CSS or @ref) or a locator.
type Target struct {
	Selector string   `json:"selector,omitempty"`
	Locator  *Locator `json:"locator,omitempty"`
}

// Empty reports whether the target addresses nothing.
func (t Target) Empty() bool {
	return strings.TrimSpace(t.Selector) == "" && t.Locator == nil
}

func (t Target) String() string {
	if t.Locator != nil {
		return fmt.Sprintf("%s=%q", t.Locator.By, t.Locator.Value)
	}
	return t.Selector
}

// Validate checks the target before any browser work.
func (t Target) Validate() error {
	if t.Selector != "" && t.Locator != nil {
		return errs.Invalid("locate", "give either a selector or a locator, not both")
	}
	if t.Empty() {
		return errs.Invalid("locate", "a selector or locator is required")
	}
	if t.Locator != nil {
		return t.Locator.validate()
	}
	return nil
}

const locateJS = `(by, value, exact, nth) => {
	const norm = s => (s || '').replace(/\s+/g, ' ').trim();
	const want = exact ? norm(value) : norm(value).toLowerCase();
	const match = s => {
		const v = norm(s);
		return exact ? v === want : v.toLowerCase().includes(want);
	};
	const attr = name => Array.from(document.querySelectorAll('[' + name + ']'))
		.filter(el => match(el.getAttribute(name)));
	let found = [];
	switch (by) {
	case 'text':
		found = Array.from(document.body ? document.body.querySelectorAll('*') : [])
			.filter(el => !['SCRIPT', 'STYLE', 'NOSCRIPT'].includes(el.tagName))
			.filter(el => match(el.textContent))
			.filter(el => !Array.from(el.children).some(c => match(c.textContent)));
		break;
	case 'label':
		for (const l of document.querySelectorAll('label')) {
			if (!match(l.textContent)) continue;
			const el = l.control || (l.htmlFor && document.getElementById(l.htmlFor));
			if (el) found.push(el);
		}
		found = found.concat(attr('aria-label'));
		break;
	case 'placeholder':
		found = attr('placeholder');
		break;
	case 'alt':
		found = attr('alt');
		break;
	case 'title':
		found = attr('title');
		break;
	case 'testid':
		found = Array.from(document.querySelectorAll('[data-testid]'))
			.filter(el => el.getAttribute('data-testid') === value);
		break;
	}
	return found[nth] || null;
}`

// locate resolves t on page. ctx bounds the wait for the element to appear.
func locate(ctx context.Context, page *rod.Page, refs snapshot.RefTable, t Target) (*rod.Element, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	sel := strings.TrimSpace(t.Selector)
	if t.Locator == nil && snapshot.IsRef(sel) {
		return snapshot.Resolve(ctx, page, refs, sel)
	}

	p := page.Context(ctx)
	if l := t.Locator; l != nil {
		if l.By == ByRole {
			return snapshot.FindRole(ctx, page, l.Value, l.Name, l.Nth)
		}
		return p.ElementByJS(rod.Eval(locateJS, l.By, l.Value, l.Exact, l.Nth))
	}
	el, err := p.Element(sel)
	if err != nil {
		return nil, err
	}
	all, err := p.Elements(sel)
	if err == nil && len(all) > 1 {
		return nil, errs.Invalid("locate", "selector %q matched %d elements", sel, len(all))
	}
	return el, nil
}
