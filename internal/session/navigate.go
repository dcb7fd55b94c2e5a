package session

import (
	"context"
	"net/url"
	"time"

	"browserd/internal/browser"
	"browserd/internal/errs"
	"browserd/internal/pool"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
)

// NavigateOptions configure one navigation of the active tab.
type NavigateOptions struct {
	URL       string        `json:"url"`
	WaitUntil string        `json:"waitUntil,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	// Headers are sent only to the target URL's origin, for this and later
	// requests of the session.
	Headers map[string]string `json:"headers,omitempty"`
}

// Navigate loads a URL in the active tab.
func (m *Manager) Navigate(ctx context.Context, id, caller string, opts NavigateOptions) (*browser.PageInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	wait, err := browser.ParseWaitUntil(opts.WaitUntil)
	if err != nil {
		return nil, err
	}
	if err := m.checkURL(ctx, opts.URL); err != nil {
		return nil, err
	}
	if len(opts.Headers) > 0 {
		if m.intercept == nil {
			return nil, errs.NotAllowed("navigate", "scoped headers need request interception")
		}
		u, err := url.Parse(opts.URL)
		if err != nil {
			return nil, errs.Invalid("navigate", "bad url %q", opts.URL)
		}
		if err := m.intercept.SetScopedHeaders(s.ID, u.Scheme+"://"+u.Host, opts.Headers); err != nil {
			return nil, err
		}
	}

	t, err := m.activeTab(s)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.NavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.driver.Navigate(navCtx, t.page, opts.URL, wait); err != nil {
		return nil, err
	}

	info, err := m.driver.Info(t.page)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.invalidateRefsLocked(s)
	if err == nil {
		t.info = info
	}
	out := t.info
	return &out, nil
}

func (m *Manager) activeTab(s *Session) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.activeWindowLocked()
	if w == nil {
		return nil, errs.NotFound("session", "session %s has no open window", s.ID)
	}
	t := w.activeTab()
	if t == nil {
		return nil, errs.NotFound("session", "session %s has no open tab", s.ID)
	}
	return t, nil
}

// ActivePage returns the page of the active tab.
func (m *Manager) ActivePage(id, caller string) (*rod.Page, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	t, err := m.activeTab(s)
	if err != nil {
		return nil, err
	}
	return t.page, nil
}

// ActiveContext returns the browser context of the active window.
func (m *Manager) ActiveContext(id, caller string) (pool.Context, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.activeWindowLocked()
	if w == nil {
		return nil, errs.NotFound("session", "session %s has no open window", id)
	}
	return w.bctx, nil
}

// SnapshotResult is a capture plus, when requested, its delta against the
// previous capture.
type SnapshotResult struct {
	*snapshot.Result
	Delta *snapshot.Delta `json:"delta,omitempty"`
}

// Snapshot captures the active tab and makes its refs the session's
// current ref table.
func (m *Manager) Snapshot(ctx context.Context, id, caller string, opts snapshot.Options) (*SnapshotResult, error) {
	if m.snapshots == nil {
		return nil, errs.NotAllowed("snapshot", "snapshots are not enabled")
	}
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	t, err := m.activeTab(s)
	if err != nil {
		return nil, err
	}
	res, err := m.snapshots.Capture(ctx, t.page, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.refs = res.Table()
	s.mu.Unlock()

	delta := m.snapshots.Compare(s.ID, res)
	out := &SnapshotResult{Result: res}
	if opts.Delta {
		out.Delta = delta
	}
	return out, nil
}

// Refs returns the session's current ref table.
func (m *Manager) Refs(id, caller string) (snapshot.RefTable, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return snapshot.RefTable{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs, nil
}

// UpdateRefs replaces the session's ref table.
func (m *Manager) UpdateRefs(id, caller string, table snapshot.RefTable) error {
	s, err := m.Get(id, caller)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refs = table
	s.mu.Unlock()
	return nil
}

// InvalidateRefs drops the ref table and snapshot baseline after the page
// changed outside Navigate, such as a reload or history step.
func (m *Manager) InvalidateRefs(id, caller string) error {
	s, err := m.Get(id, caller)
	if err != nil {
		return err
	}
	s.mu.Lock()
	m.invalidateRefsLocked(s)
	s.mu.Unlock()
	return nil
}

// Resolve finds the element a target addresses on the active tab. ctx
// bounds how long to wait for it to appear.
func (m *Manager) Resolve(ctx context.Context, id, caller string, t Target) (*rod.Element, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	tb, err := m.activeTab(s)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	refs := s.refs
	s.mu.Unlock()
	return locate(ctx, tb.page, refs, t)
}

// Dialogs returns the auto-accepted dialogs, oldest first.
func (m *Manager) Dialogs(id, caller string) ([]browser.Dialog, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Dialog(nil), s.dialogs...), nil
}

// Recording reports whether the session asked for its live view to be
// recorded.
func (m *Manager) Recording(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return ok && s.opts.Recording
}

// Exists reports whether a session is live. It does not refresh the
// session's last access.
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// PageOf returns a session's active page without the ownership check, for
// callers that authorized the session by other means such as a stream
// token.
func (m *Manager) PageOf(id string) (*rod.Page, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("session", "session %s not found", id)
	}
	t, err := m.activeTab(s)
	if err != nil {
		return nil, err
	}
	return t.page, nil
}

// WindowPages returns the active window's context and the pages of all its
// tabs, for changes that apply to the whole window.
func (m *Manager) WindowPages(id, caller string) (pool.Context, []*rod.Page, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.activeWindowLocked()
	if w == nil {
		return nil, nil, errs.NotFound("session", "session %s has no open window", id)
	}
	pages := make([]*rod.Page, 0, len(w.tabs))
	for _, t := range w.tabs {
		pages = append(pages, t.page)
	}
	return w.bctx, pages, nil
}
