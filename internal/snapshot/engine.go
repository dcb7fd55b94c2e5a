// Package snapshot turns a page's accessibility tree into an indented text
// outline with short refs ("e1", "e2", ...) that address elements in later
// actions, and computes deltas between captures of the same session.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Engine captures snapshots. The only state it keeps is the delta cache.
type Engine struct {
	cache *Cache
}

// New creates an engine whose delta baselines live for cacheTTL.
func New(cacheTTL time.Duration) *Engine {
	return &Engine{cache: NewCache(cacheTTL)}
}

// Capture renders the page's accessibility tree.
func (e *Engine) Capture(ctx context.Context, page *rod.Page, opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "capture")
	defer timer.StopWithThreshold(2 * time.Second)

	p := page.Context(ctx)
	var scope proto.DOMBackendNodeID
	if opts.Selector != "" {
		el, err := p.Sleeper(rod.NotFoundSleeper).Element(opts.Selector)
		if err != nil {
			if isNotFound(err) {
				return nil, errs.NotFound("snapshot.capture", "no element matches %q", opts.Selector)
			}
			return nil, fmt.Errorf("snapshot scope: %w", err)
		}
		node, err := el.Describe(0, false)
		if err != nil {
			return nil, fmt.Errorf("snapshot scope: %w", err)
		}
		scope = node.BackendNodeID
	}

	tree, err := proto.AccessibilityGetFullAXTree{}.Call(p)
	if err != nil {
		return nil, fmt.Errorf("accessibility tree: %w", err)
	}
	root := Parse(tree.Nodes, scope)
	if root == nil {
		return nil, errs.NotFound("snapshot.capture", "%q is not in the accessibility tree", opts.Selector)
	}
	res := Render(root, opts)
	logging.Get(logging.CategorySnapshot).Debug("captured %d lines, %d refs", res.Stats.Lines, res.Stats.Refs)
	return res, nil
}

// CaptureDelta captures and diffs against the session's previous capture.
func (e *Engine) CaptureDelta(ctx context.Context, sessionID string, page *rod.Page, opts Options) (*Delta, error) {
	res, err := e.Capture(ctx, page, opts)
	if err != nil {
		return nil, err
	}
	return e.cache.Apply(sessionID, res), nil
}

// Compare diffs res against the session's previous capture and makes res
// the new baseline.
func (e *Engine) Compare(sessionID string, res *Result) *Delta {
	return e.cache.Apply(sessionID, res)
}

// Purge drops the session's delta baseline.
func (e *Engine) Purge(sessionID string) { e.cache.Purge(sessionID) }

// Sweep drops expired baselines.
func (e *Engine) Sweep() int { return e.cache.Sweep() }

// Resolve finds the element behind a ref. The DOM node recorded at capture
// time is used while it still carries the same role and name; otherwise the
// ref is rehydrated by role, name and nth. A ref that cannot be found again
// is stale.
func Resolve(ctx context.Context, page *rod.Page, table RefTable, selector string) (*rod.Element, error) {
	ref, ok := table.Lookup(selector)
	if !ok {
		return nil, errs.StaleRef(selector)
	}
	p := page.Context(ctx)

	if ref.BackendID != 0 {
		res, err := proto.AccessibilityQueryAXTree{BackendNodeID: ref.BackendID}.Call(p)
		if err == nil {
			for _, n := range res.Nodes {
				if !n.Ignored && n.BackendDOMNodeID == ref.BackendID &&
					axString(n.Role) == ref.Role && sameName(n, ref.Name) {
					return p.ElementFromNode(&proto.DOMNode{BackendNodeID: ref.BackendID})
				}
			}
		}
	}

	root, err := scopeRoot(p, table.Scope)
	if err != nil {
		return nil, err
	}
	el, err := queryRole(p, root, ref.Role, ref.Name, true, ref.Index())
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: %w", ref.Key, err)
	}
	if el == nil {
		return nil, errs.StaleRef(ref.Key)
	}
	return el, nil
}

// FindRole returns the nth element (document order) exposing role and the
// exact accessible name. An empty name matches any name.
func FindRole(ctx context.Context, page *rod.Page, role, name string, nth int) (*rod.Element, error) {
	p := page.Context(ctx)
	root, err := scopeRoot(p, "")
	if err != nil {
		return nil, err
	}
	el, err := queryRole(p, root, role, name, name != "", nth)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, errs.NotFound("locate", "no %s named %q", role, name)
	}
	return el, nil
}

func queryRole(p *rod.Page, root *rod.Element, role, name string, exact bool, nth int) (*rod.Element, error) {
	// Names are matched here rather than through AccessibleName so that
	// surrounding whitespace compares the way Parse records it.
	res, err := proto.AccessibilityQueryAXTree{ObjectID: root.Object.ObjectID, Role: role}.Call(p)
	if err != nil {
		return nil, err
	}
	idx := 0
	for _, n := range res.Nodes {
		if n.Ignored || n.BackendDOMNodeID == 0 || (exact && !sameName(n, name)) {
			continue
		}
		if idx == nth {
			return p.ElementFromNode(&proto.DOMNode{BackendNodeID: n.BackendDOMNodeID})
		}
		idx++
	}
	return nil, nil
}

// sameName compares accessible names the way Parse stores them.
func sameName(n *proto.AccessibilityAXNode, name string) bool {
	return strings.TrimSpace(axString(n.Name)) == strings.TrimSpace(name)
}

func scopeRoot(p *rod.Page, scope string) (*rod.Element, error) {
	sel := scope
	if sel == "" {
		sel = "html"
	}
	el, err := p.Sleeper(rod.NotFoundSleeper).Element(sel)
	if err != nil {
		if isNotFound(err) {
			return nil, errs.StaleRef(scope)
		}
		return nil, err
	}
	return el, nil
}

func isNotFound(err error) bool {
	var nf *rod.ElementNotFoundError
	return errors.As(err, &nf)
}
