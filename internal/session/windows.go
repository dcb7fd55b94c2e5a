package session

import (
	"context"

	"browserd/internal/browser"
	"browserd/internal/errs"
	"browserd/internal/logging"
	"browserd/internal/pool"
	"browserd/internal/snapshot"
)

// invalidateRefsLocked drops the ref table after the active page changed.
func (m *Manager) invalidateRefsLocked(s *Session) {
	s.refs = snapshot.RefTable{}
	if m.snapshots != nil {
		m.snapshots.Purge(s.ID)
	}
}

// NewWindow leases another context for the session and makes it active.
// opts overrides the session's context options when non-nil.
func (m *Manager) NewWindow(ctx context.Context, id, caller string, opts *pool.ContextOptions, url string) (*WindowInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	if s.detach != nil {
		return nil, errs.NotAllowed("window.new", "attached session %s cannot open windows", id)
	}
	if url != "" {
		if err := m.checkURL(ctx, url); err != nil {
			return nil, err
		}
	}
	wait, err := browser.ParseWaitUntil(s.opts.WaitUntil)
	if err != nil {
		return nil, err
	}
	co := s.opts.Context
	if opts != nil {
		co = *opts
	}
	w, err := m.openWindow(ctx, s, co, url, wait)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.releaseWindow(s, w)
		return nil, errs.NotFound("window.new", "session %s closed", id)
	}
	s.windows = append(s.windows, w)
	s.active = len(s.windows) - 1
	m.invalidateRefsLocked(s)
	info := w.infoLocked(s.active, true)
	s.mu.Unlock()

	logging.SessionDebug("session %s: window %d opened", id, info.Index)
	return &info, nil
}

// ListWindows returns the session's windows in order.
func (m *Manager) ListWindows(id, caller string) ([]WindowInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	m.refreshTabs(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowInfo, 0, len(s.windows))
	for i, w := range s.windows {
		out = append(out, w.infoLocked(i, i == s.active))
	}
	return out, nil
}

// SwitchWindow makes window index active and brings its active tab forward.
func (m *Manager) SwitchWindow(ctx context.Context, id, caller string, index int) (*WindowInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if index < 0 || index >= len(s.windows) {
		s.mu.Unlock()
		return nil, errs.NotFound("window.switch", "window %d not found", index)
	}
	s.active = index
	m.invalidateRefsLocked(s)
	w := s.windows[index]
	t := w.activeTab()
	info := w.infoLocked(index, true)
	s.mu.Unlock()

	if t != nil {
		if err := m.driver.Activate(t.page); err != nil {
			logging.SessionDebug("session %s: activate window %d: %v", id, index, err)
		}
	}
	return &info, nil
}

// CloseWindow closes window index. The last window cannot be closed.
func (m *Manager) CloseWindow(ctx context.Context, id, caller string, index int) error {
	s, err := m.Get(id, caller)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if index < 0 || index >= len(s.windows) {
		s.mu.Unlock()
		return errs.NotFound("window.close", "window %d not found", index)
	}
	if len(s.windows) == 1 {
		s.mu.Unlock()
		return errs.NotAllowed("window.close", "cannot close the last window; close the session instead")
	}
	w := m.detachWindowLocked(s, index)
	s.mu.Unlock()

	m.releaseWindow(s, w)
	logging.SessionDebug("session %s: window %d closed", id, index)
	return nil
}

func (m *Manager) detachWindowLocked(s *Session, index int) *window {
	w := s.windows[index]
	s.windows = append(s.windows[:index:index], s.windows[index+1:]...)
	if s.active > index || s.active >= len(s.windows) {
		s.active--
	}
	if s.active < 0 {
		s.active = 0
	}
	m.invalidateRefsLocked(s)
	return w
}

// NewTab opens a tab in the active window and makes it active.
func (m *Manager) NewTab(ctx context.Context, id, caller, url string) (*TabInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	if url != "" {
		if err := m.checkURL(ctx, url); err != nil {
			return nil, err
		}
	}
	wait, err := browser.ParseWaitUntil(s.opts.WaitUntil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	w := s.activeWindowLocked()
	s.mu.Unlock()
	if w == nil {
		return nil, errs.NotFound("tab.new", "session %s has no window", id)
	}

	page, err := w.bctx.NewPage(ctx, w.setup)
	if err != nil {
		return nil, err
	}
	if url != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
		err = m.driver.Navigate(navCtx, page, url, wait)
		cancel()
		if err != nil {
			_ = w.bctx.ClosePage(page)
			return nil, err
		}
	}
	t := m.newTab(s, page, false, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.stopDialogs()
		_ = w.bctx.ClosePage(page)
		return nil, errs.NotFound("tab.new", "session %s closed", id)
	}
	w.tabs = append(w.tabs, t)
	w.active = len(w.tabs) - 1
	m.invalidateRefsLocked(s)
	return &TabInfo{Index: w.active, ID: t.id, URL: t.info.URL, Title: t.info.Title, Active: true}, nil
}

// ListTabs returns the tabs of the active window.
func (m *Manager) ListTabs(id, caller string) ([]TabInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	m.refreshTabs(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.activeWindowLocked()
	if w == nil {
		return nil, nil
	}
	return w.infoLocked(s.active, true).Tabs, nil
}

// SwitchTab makes tab index of the active window active.
func (m *Manager) SwitchTab(ctx context.Context, id, caller string, index int) (*TabInfo, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	w := s.activeWindowLocked()
	if w == nil || index < 0 || index >= len(w.tabs) {
		s.mu.Unlock()
		return nil, errs.NotFound("tab.switch", "tab %d not found", index)
	}
	w.active = index
	m.invalidateRefsLocked(s)
	t := w.tabs[index]
	info := TabInfo{Index: index, ID: t.id, URL: t.info.URL, Title: t.info.Title, Active: true, Popup: t.popup}
	s.mu.Unlock()

	if err := m.driver.Activate(t.page); err != nil {
		logging.SessionDebug("session %s: activate tab %d: %v", id, index, err)
	}
	return &info, nil
}

// CloseTab closes tab index of the active window. A window's only tab
// cannot be closed; close the window instead.
func (m *Manager) CloseTab(ctx context.Context, id, caller string, index int) error {
	s, err := m.Get(id, caller)
	if err != nil {
		return err
	}
	s.mu.Lock()
	w := s.activeWindowLocked()
	if w == nil || index < 0 || index >= len(w.tabs) {
		s.mu.Unlock()
		return errs.NotFound("tab.close", "tab %d not found", index)
	}
	if len(w.tabs) == 1 {
		s.mu.Unlock()
		return errs.NotAllowed("tab.close", "cannot close the last tab of window %d; close the window instead", s.active)
	}
	wasActive := index == w.active
	t := w.removeTab(index)
	if wasActive {
		m.invalidateRefsLocked(s)
	}
	s.mu.Unlock()

	if t.stopDialogs != nil {
		t.stopDialogs()
	}
	if err := w.bctx.ClosePage(t.page); err != nil {
		logging.SessionWarn("session %s: close tab %d: %v", id, index, err)
	}
	return nil
}
