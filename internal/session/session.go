// Package session owns the lifecycle of browser sessions: an ordered set of
// windows, each backed by one leased browser context, each holding one or
// more tabs. Sessions expire, may be owned by a caller identity, keep the
// ref table of their latest snapshot and a short audit trail of dialogs.
package session

import (
	"sync"
	"time"

	"browserd/internal/browser"
	"browserd/internal/pool"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Options configure a new session.
type Options struct {
	Context   pool.ContextOptions `json:"context"`
	URL       string              `json:"url,omitempty"`
	WaitUntil string              `json:"waitUntil,omitempty"`
	// TTL overrides the idle lifetime, capped by the configured maximum.
	TTL       time.Duration `json:"ttl,omitempty"`
	Recording bool          `json:"recording,omitempty"`
}

// External is an already open browser context supplied by the CDP
// connector. Detach tears down the local connection only.
type External struct {
	Context pool.Context
	Source  string
	Detach  func() error
}

// Info is the caller-facing view of a session.
type Info struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastAccess   time.Time    `json:"lastAccess"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	ActiveWindow int          `json:"activeWindow"`
	Windows      []WindowInfo `json:"windows"`
	Attached     bool         `json:"attached,omitempty"`
	Source       string       `json:"source,omitempty"`
	Recording    bool         `json:"recording,omitempty"`
}

// WindowInfo describes one window.
type WindowInfo struct {
	Index      int       `json:"index"`
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId,omitempty"`
	Active     bool      `json:"active"`
	ActiveTab  int       `json:"activeTab"`
	Tabs       []TabInfo `json:"tabs"`
}

// TabInfo describes one tab.
type TabInfo struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
	Popup  bool   `json:"popup,omitempty"`
}

type tab struct {
	id          string
	page        *rod.Page
	info        browser.PageInfo
	popup       bool
	owned       bool
	stopDialogs func()
}

type window struct {
	id          string
	lease       *pool.Lease
	bctx        pool.Context
	tabs        []*tab
	active      int
	setup       pool.PageSetup
	stopTargets func()
}

func (w *window) activeTab() *tab {
	if len(w.tabs) == 0 {
		return nil
	}
	return w.tabs[w.active]
}

func (w *window) tabIndex(id proto.TargetTargetID) int {
	for i, t := range w.tabs {
		if t.page != nil && t.page.TargetID == id {
			return i
		}
	}
	return -1
}

func (w *window) removeTab(i int) *tab {
	t := w.tabs[i]
	w.tabs = append(w.tabs[:i:i], w.tabs[i+1:]...)
	switch {
	case w.active > i:
		w.active--
	case w.active >= len(w.tabs):
		w.active = len(w.tabs) - 1
	}
	if w.active < 0 {
		w.active = 0
	}
	return t
}

// Session is one caller-addressable browsing unit.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	ttl      time.Duration
	deadline time.Time
	opts     Options
	source   string
	detach   func() error

	mu         sync.Mutex
	lastAccess time.Time
	windows    []*window
	active     int
	refs       snapshot.RefTable
	dialogs    []browser.Dialog
	maxDialogs int
	closed     bool
}

func (s *Session) expiresAtLocked() time.Time {
	exp := s.lastAccess.Add(s.ttl)
	if !s.deadline.IsZero() && exp.After(s.deadline) {
		exp = s.deadline
	}
	return exp
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.expiresAtLocked())
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) activeWindowLocked() *window {
	if len(s.windows) == 0 {
		return nil
	}
	return s.windows[s.active]
}

func (s *Session) windowIndexLocked(w *window) int {
	for i, x := range s.windows {
		if x == w {
			return i
		}
	}
	return -1
}

func (s *Session) recordDialog(d browser.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs = append(s.dialogs, d)
	if over := len(s.dialogs) - s.maxDialogs; over > 0 {
		s.dialogs = append([]browser.Dialog(nil), s.dialogs[over:]...)
	}
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:           s.ID,
		Owner:        s.Owner,
		CreatedAt:    s.CreatedAt,
		LastAccess:   s.lastAccess,
		ExpiresAt:    s.expiresAtLocked(),
		ActiveWindow: s.active,
		Windows:      make([]WindowInfo, 0, len(s.windows)),
		Attached:     s.detach != nil,
		Source:       s.source,
		Recording:    s.opts.Recording,
	}
	for i, w := range s.windows {
		info.Windows = append(info.Windows, w.infoLocked(i, i == s.active))
	}
	return info
}

func (w *window) infoLocked(index int, active bool) WindowInfo {
	wi := WindowInfo{
		Index:     index,
		ID:        w.id,
		Active:    active,
		ActiveTab: w.active,
		Tabs:      make([]TabInfo, 0, len(w.tabs)),
	}
	if w.lease != nil {
		wi.InstanceID = w.lease.InstanceID()
	}
	for i, t := range w.tabs {
		wi.Tabs = append(wi.Tabs, TabInfo{
			Index:  i,
			ID:     t.id,
			URL:    t.info.URL,
			Title:  t.info.Title,
			Active: i == w.active,
			Popup:  t.popup,
		})
	}
	return wi
}
