package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/intercept"
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ContextPool leases browser contexts.
type ContextPool interface {
	Acquire(ctx context.Context, opts pool.ContextOptions) (*pool.Lease, error)
	Release(l *pool.Lease)
}

// Config holds session lifetimes and timeouts.
type Config struct {
	TTL               time.Duration
	MaxTTL            time.Duration
	SweepInterval     time.Duration
	NavigationTimeout time.Duration
	DialogHistory     int
}

// ConfigFrom extracts session settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		TTL:               c.GetSessionTTL(),
		MaxTTL:            c.GetSessionMaxTTL(),
		SweepInterval:     c.GetSessionSweepInterval(),
		NavigationTimeout: c.GetNavigationTimeout(),
		DialogHistory:     c.Session.DialogHistory,
	}
}

// Manager owns every live session.
type Manager struct {
	cfg       Config
	pool      ContextPool
	driver    Driver
	guard     *netguard.Guard
	intercept *intercept.Interceptor
	snapshots *snapshot.Engine

	mu       sync.RWMutex
	sessions map[string]*Session
	onClose  []func(sessionID string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager wires a manager. driver may be nil for the rod driver.
func NewManager(cfg Config, p ContextPool, driver Driver, guard *netguard.Guard, ic *intercept.Interceptor, snaps *snapshot.Engine) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.DialogHistory <= 0 {
		cfg.DialogHistory = 10
	}
	if driver == nil {
		driver = RodDriver{}
	}
	return &Manager{
		cfg:       cfg,
		pool:      p,
		driver:    driver,
		guard:     guard,
		intercept: ic,
		snapshots: snaps,
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// OnClose registers a hook run after a session has been torn down.
func (m *Manager) OnClose(fn func(sessionID string)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// Start runs the expiry sweeper until Shutdown.
func (m *Manager) Start() {
	if m.cfg.SweepInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logging.Session("sweep closed %d expired sessions", n)
			}
			if m.snapshots != nil {
				m.snapshots.Sweep()
			}
		}
	}
}

// Sweep closes every expired session and returns how many were closed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.RLock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.expired(now) {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		m.closeSession(s, "expired")
	}
	return len(expired)
}

// Create leases a context, opens the first tab and registers the session.
func (m *Manager) Create(ctx context.Context, owner string, opts Options) (*Info, error) {
	wait, err := browser.ParseWaitUntil(opts.WaitUntil)
	if err != nil {
		return nil, err
	}
	if opts.URL != "" {
		if err := m.checkURL(ctx, opts.URL); err != nil {
			return nil, err
		}
	}

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		Owner:      owner,
		CreatedAt:  now,
		ttl:        m.cfg.TTL,
		opts:       opts,
		lastAccess: now,
		maxDialogs: m.cfg.DialogHistory,
	}
	if opts.TTL > 0 {
		s.ttl = opts.TTL
	}
	if m.cfg.MaxTTL > 0 {
		s.deadline = now.Add(m.cfg.MaxTTL)
		if s.ttl > m.cfg.MaxTTL {
			s.ttl = m.cfg.MaxTTL
		}
	}

	w, err := m.openWindow(ctx, s, opts.Context, opts.URL, wait)
	if err != nil {
		m.purge(s.ID)
		return nil, err
	}
	s.windows = []*window{w}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.AuditWithSession(s.ID, owner).SessionStart("create")
	logging.Session("session %s created (owner=%q, instance=%s)", s.ID, owner, w.lease.InstanceID())
	return m.info(s), nil
}

// Attach registers a session over an externally owned browser context.
// Its existing pages become tabs; closing the session only detaches.
func (m *Manager) Attach(ctx context.Context, owner string, ext External) (*Info, error) {
	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		Owner:      owner,
		CreatedAt:  now,
		ttl:        m.cfg.TTL,
		lastAccess: now,
		maxDialogs: m.cfg.DialogHistory,
		source:     ext.Source,
		detach:     ext.Detach,
	}
	if s.detach == nil {
		s.detach = func() error { return nil }
	}
	if m.cfg.MaxTTL > 0 {
		s.deadline = now.Add(m.cfg.MaxTTL)
	}

	w := &window{id: uuid.NewString(), bctx: ext.Context, setup: m.setupFor(s.ID)}
	pages, err := m.driver.Pages(ext.Context)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if err := ext.Context.Adopt(p, w.setup); err != nil {
			logging.SessionWarn("attach %s: adopt page %s: %v", s.ID, p.TargetID, err)
			continue
		}
		w.tabs = append(w.tabs, m.newTab(s, p, false, false))
	}
	if len(w.tabs) == 0 {
		p, err := ext.Context.NewPage(ctx, w.setup)
		if err != nil {
			m.purge(s.ID)
			return nil, err
		}
		w.tabs = append(w.tabs, m.newTab(s, p, false, true))
	}
	m.watchWindow(s, w)
	s.windows = []*window{w}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.AuditWithSession(s.ID, owner).SessionStart("attach:" + ext.Source)
	return m.info(s), nil
}

// Get resolves a session for a caller: it must exist, must not be expired
// and, when it has an owner, must be owned by the caller.
func (m *Manager) Get(id, caller string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("session", "session %s not found", id)
	}
	if s.expired(m.now()) {
		logging.AuditWithSession(id, s.Owner).Log(logging.AuditEvent{EventType: logging.AuditSessionExpired})
		m.closeSession(s, "expired")
		return nil, errs.Expired("session", "session %s expired", id)
	}
	if s.Owner != "" && s.Owner != caller {
		logging.AuditWithSession(id, s.Owner).OwnershipDenied(caller)
		return nil, errs.Forbidden("session", "session %s belongs to another caller", id)
	}
	s.touch(m.now())
	return s, nil
}

// Status returns the session's current view.
func (m *Manager) Status(id, caller string) (*Info, error) {
	s, err := m.Get(id, caller)
	if err != nil {
		return nil, err
	}
	m.refreshTabs(s)
	return m.info(s), nil
}

// List returns the sessions visible to caller; an empty caller sees all.
func (m *Manager) List(caller string) []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if caller == "" || s.Owner == "" || s.Owner == caller {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *m.info(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears a session down.
func (m *Manager) Close(ctx context.Context, id, caller string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return errs.NotFound("session.close", "session %s not found", id)
	}
	if s.Owner != "" && s.Owner != caller {
		logging.AuditWithSession(id, s.Owner).OwnershipDenied(caller)
		return errs.Forbidden("session.close", "session %s belongs to another caller", id)
	}
	m.closeSession(s, "closed")
	return nil
}

// closeSession releases every window in parallel, detaches attached
// sessions and purges per-session state elsewhere. Errors are logged.
func (m *Manager) closeSession(s *Session, reason string) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID]; !ok || cur != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	hooks := append([]func(string){}, m.onClose...)
	m.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	windows := s.windows
	s.windows = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range windows {
		g.Go(func() error {
			m.releaseWindow(s, w)
			return nil
		})
	}
	_ = g.Wait()

	if s.detach != nil {
		if err := s.detach(); err != nil {
			logging.SessionWarn("session %s: detach: %v", s.ID, err)
		}
	}
	m.purge(s.ID)
	for _, hook := range hooks {
		hook(s.ID)
	}

	lifetime := m.now().Sub(s.CreatedAt)
	logging.AuditWithSession(s.ID, s.Owner).SessionEnd(reason, lifetime)
	logging.Session("session %s %s after %s", s.ID, reason, lifetime.Round(time.Second))
}

func (m *Manager) purge(id string) {
	if m.intercept != nil {
		m.intercept.Purge(id)
	}
	if m.snapshots != nil {
		m.snapshots.Purge(id)
	}
}

// Shutdown closes every session and stops the sweeper.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				m.closeSession(s, "shutdown")
			}(s)
		}
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) checkURL(ctx context.Context, raw string) error {
	if m.guard == nil {
		return nil
	}
	if err := m.guard.Check(ctx, raw); err != nil {
		logging.Audit().PolicyBlock(raw, err.Error())
		return err
	}
	return nil
}

func (m *Manager) setupFor(sessionID string) pool.PageSetup {
	if m.intercept == nil {
		return nil
	}
	return m.intercept.Install(sessionID)
}

func (m *Manager) newTab(s *Session, p *rod.Page, popup, owned bool) *tab {
	t := &tab{id: uuid.NewString(), page: p, popup: popup, owned: owned}
	if info, err := m.driver.Info(p); err == nil {
		t.info = info
	}
	t.stopDialogs = m.driver.WatchDialogs(p, func(d browser.Dialog) {
		s.recordDialog(d)
		logging.AuditWithSession(s.ID, s.Owner).Log(logging.AuditEvent{
			EventType: logging.AuditDialogAccepted,
			Target:    d.URL,
			Action:    d.Type,
			Success:   true,
		})
	})
	return t
}

// openWindow leases a context and opens its first tab.
func (m *Manager) openWindow(ctx context.Context, s *Session, opts pool.ContextOptions, url string, wait browser.WaitUntil) (*window, error) {
	lease, err := m.pool.Acquire(ctx, opts)
	if err != nil {
		return nil, err
	}
	w := &window{id: uuid.NewString(), lease: lease, bctx: lease.Context(), setup: m.setupFor(s.ID)}

	page, err := w.bctx.NewPage(ctx, w.setup)
	if err != nil {
		m.pool.Release(lease)
		return nil, err
	}
	if url != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
		err = m.driver.Navigate(navCtx, page, url, wait)
		cancel()
		if err != nil {
			m.pool.Release(lease)
			return nil, err
		}
	}
	w.tabs = []*tab{m.newTab(s, page, false, true)}
	m.watchWindow(s, w)
	return w, nil
}

// watchWindow adopts popups as tabs and drops tabs whose page went away.
func (m *Manager) watchWindow(s *Session, w *window) {
	w.stopTargets = m.driver.WatchTargets(w.bctx, func(p *rod.Page) {
		s.mu.Lock()
		known := s.closed || w.tabIndex(p.TargetID) >= 0
		s.mu.Unlock()
		if known {
			return
		}
		if err := w.bctx.Adopt(p, w.setup); err != nil {
			logging.SessionWarn("session %s: adopt popup: %v", s.ID, err)
			return
		}
		t := m.newTab(s, p, true, true)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || w.tabIndex(p.TargetID) >= 0 {
			t.stopDialogs()
			return
		}
		w.tabs = append(w.tabs, t)
		w.active = len(w.tabs) - 1
		if s.activeWindowLocked() == w {
			m.invalidateRefsLocked(s)
		}
		logging.SessionDebug("session %s: popup %s adopted as tab %d", s.ID, p.TargetID, w.active)
	}, func(id proto.TargetTargetID) {
		s.mu.Lock()
		i := w.tabIndex(id)
		if i < 0 || s.closed {
			s.mu.Unlock()
			return
		}
		wasActive := i == w.active && s.activeWindowLocked() == w
		t := w.removeTab(i)
		if wasActive {
			m.invalidateRefsLocked(s)
		}
		var gone *window
		empty := len(w.tabs) == 0
		if idx := s.windowIndexLocked(w); empty && idx >= 0 && len(s.windows) > 1 {
			gone = m.detachWindowLocked(s, idx)
		}
		s.mu.Unlock()

		if t.stopDialogs != nil {
			t.stopDialogs()
		}
		logging.SessionDebug("session %s: tab %d closed by page", s.ID, i)
		// The target watcher is the goroutine running this callback, so
		// stopping it must happen elsewhere.
		switch {
		case gone != nil:
			go m.releaseWindow(s, gone)
		case empty:
			go m.reopenTab(s, w)
		}
	})
}

// reopenTab gives a session's only window a blank tab after the page closed
// its last one, so every window keeps at least one tab.
func (m *Manager) reopenTab(s *Session, w *window) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NavigationTimeout)
	defer cancel()
	page, err := w.bctx.NewPage(ctx, w.setup)
	if err != nil {
		logging.SessionWarn("session %s: reopen tab: %v", s.ID, err)
		return
	}
	t := m.newTab(s, page, false, true)

	s.mu.Lock()
	if s.closed || len(w.tabs) > 0 || s.windowIndexLocked(w) < 0 {
		s.mu.Unlock()
		t.stopDialogs()
		_ = w.bctx.ClosePage(page)
		return
	}
	w.tabs = []*tab{t}
	w.active = 0
	s.mu.Unlock()
	logging.SessionDebug("session %s: window had no tabs left, opened a blank one", s.ID)
}

// releaseWindow stops watchers and returns the context. Attached windows
// only close the pages this service opened.
func (m *Manager) releaseWindow(s *Session, w *window) {
	if w.stopTargets != nil {
		w.stopTargets()
	}
	for _, t := range w.tabs {
		if t.stopDialogs != nil {
			t.stopDialogs()
		}
	}
	if w.lease != nil {
		m.pool.Release(w.lease)
		return
	}
	for _, t := range w.tabs {
		if t.owned {
			if err := w.bctx.ClosePage(t.page); err != nil {
				logging.SessionDebug("session %s: close tab: %v", s.ID, err)
			}
		}
	}
	if err := w.bctx.Close(); err != nil {
		logging.SessionWarn("session %s: close context: %v", s.ID, err)
	}
}

func (m *Manager) refreshTabs(s *Session) {
	s.mu.Lock()
	var tabs []*tab
	for _, w := range s.windows {
		tabs = append(tabs, w.tabs...)
	}
	s.mu.Unlock()

	for _, t := range tabs {
		info, err := m.driver.Info(t.page)
		if err != nil {
			continue
		}
		s.mu.Lock()
		t.info = info
		s.mu.Unlock()
	}
}

func (m *Manager) info(s *Session) *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.infoLocked()
	return &info
}
