package browser

import (
	"context"
	"fmt"
	"sync"

	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
)

// Context is a rod browser context leased to one window.
type Context struct {
	id      string
	browser *rod.Browser
	opts    pool.ContextOptions
	emu     Emulation
	guard   *netguard.Guard
	dispose bool

	mu      sync.Mutex
	routers map[proto.TargetTargetID]*rod.HijackRouter
	closed  bool
}

// NewContext wraps a context-scoped browser handle. With dispose set, Close
// destroys the browser context and everything in it.
func NewContext(b *rod.Browser, opts pool.ContextOptions, emu Emulation, guard *netguard.Guard, dispose bool) *Context {
	return &Context{
		id:      uuid.NewString(),
		browser: b,
		opts:    opts,
		emu:     emu,
		guard:   guard,
		dispose: dispose,
		routers: make(map[proto.TargetTargetID]*rod.HijackRouter),
	}
}

func (c *Context) ID() string                   { return c.id }
func (c *Context) Options() pool.ContextOptions { return c.opts }
func (c *Context) Browser() *rod.Browser        { return c.browser }

// Emulation returns the resolved emulation settings.
func (c *Context) Emulation() Emulation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.clone()
}

// Reconfigure edits the context's emulation and re-applies it to pages.
// fn works on a copy; when it fails nothing changes. Pages opened later
// get the new settings.
func (c *Context) Reconfigure(ctx context.Context, pages []*rod.Page, fn func(*Emulation) error) error {
	c.mu.Lock()
	prev := c.emu
	next := c.emu.clone()
	if err := fn(&next); err != nil {
		c.mu.Unlock()
		return err
	}
	c.emu = next
	c.mu.Unlock()

	if len(next.Permissions) > 0 && c.browser != nil {
		if err := GrantPermissions(c.browser, next.Permissions, ""); err != nil {
			return err
		}
	}
	for _, page := range pages {
		page = page.Context(ctx)
		if err := next.Apply(page); err != nil {
			return err
		}
		if len(prev.Headers) > 0 && len(next.Headers) == 0 {
			if err := SetHeaders(page, nil); err != nil {
				return err
			}
		}
		if prev.ColorScheme != "" && next.ColorScheme == "" {
			if err := SetColorScheme(page, ""); err != nil {
				return err
			}
		}
		if prev.Offline && !next.Offline {
			if err := SetOffline(page, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewPage opens about:blank in the context and prepares it. The caller
// navigates afterwards so routing and emulation cover the first request.
func (c *Context) NewPage(ctx context.Context, setup pool.PageSetup) (*rod.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("context %s is closed", c.id)
	}

	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := c.Adopt(page, setup); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

// Adopt installs routing, stealth and emulation on a page.
func (c *Context) Adopt(page *rod.Page, setup pool.PageSetup) error {
	if setup == nil {
		setup = GuardSetup(c.guard)
	}
	router, err := setup(page)
	if err != nil {
		return fmt.Errorf("install request routing: %w", err)
	}

	c.mu.Lock()
	if old, ok := c.routers[page.TargetID]; ok && old != router {
		_ = old.Stop()
	}
	c.routers[page.TargetID] = router
	c.mu.Unlock()

	if c.Emulation().Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			return fmt.Errorf("inject stealth: %w", err)
		}
	}
	if err := c.Emulation().Apply(page); err != nil {
		return err
	}
	return nil
}

// ClosePage stops the page's router and closes the page.
func (c *Context) ClosePage(page *rod.Page) error {
	c.stopRouter(page.TargetID)
	return page.Close()
}

func (c *Context) stopRouter(id proto.TargetTargetID) {
	c.mu.Lock()
	router, ok := c.routers[id]
	delete(c.routers, id)
	c.mu.Unlock()
	if ok && router != nil {
		_ = router.Stop()
	}
}

// Pages lists the page targets that belong to this browser context.
func (c *Context) Pages() ([]*rod.Page, error) {
	res, err := proto.TargetGetTargets{}.Call(c.browser)
	if err != nil {
		return nil, err
	}
	var pages []*rod.Page
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage || info.BrowserContextID != c.browser.BrowserContextID {
			continue
		}
		p, err := c.browser.PageFromTarget(info.TargetID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// Close stops every router and, for owned contexts, disposes the browser
// context. It is safe to call twice.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	routers := c.routers
	c.routers = make(map[proto.TargetTargetID]*rod.HijackRouter)
	c.mu.Unlock()

	for _, r := range routers {
		if r != nil {
			_ = r.Stop()
		}
	}
	if !c.dispose {
		return nil
	}
	if err := c.browser.Close(); err != nil {
		logging.BrowserDebug("dispose context %s: %v", c.id, err)
		return err
	}
	return nil
}
