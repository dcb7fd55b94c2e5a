package session

import (
	"context"
	"fmt"

	"browserd/internal/browser"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Driver performs the page-level work the manager needs beyond what
// pool.Context offers.
type Driver interface {
	Navigate(ctx context.Context, page *rod.Page, url string, wait browser.WaitUntil) error
	Info(page *rod.Page) (browser.PageInfo, error)
	Activate(page *rod.Page) error
	// Pages lists the pages already open in an attached context.
	Pages(bctx pool.Context) ([]*rod.Page, error)
	WatchDialogs(page *rod.Page, fn func(browser.Dialog)) (stop func())
	// WatchTargets reports popups opened from pages of bctx and page
	// targets that went away.
	WatchTargets(bctx pool.Context, onPopup func(*rod.Page), onGone func(proto.TargetTargetID)) (stop func())
}

// RodDriver is the Driver backed by a real browser.
type RodDriver struct{}

func (RodDriver) Navigate(ctx context.Context, page *rod.Page, url string, wait browser.WaitUntil) error {
	return browser.Navigate(ctx, page, url, wait)
}

func (RodDriver) Info(page *rod.Page) (browser.PageInfo, error) {
	return browser.Info(page)
}

func (RodDriver) Activate(page *rod.Page) error {
	_, err := page.Activate()
	return err
}

func (RodDriver) Pages(bctx pool.Context) ([]*rod.Page, error) {
	lister, ok := bctx.(interface{ Pages() ([]*rod.Page, error) })
	if !ok {
		return nil, fmt.Errorf("context %s cannot list pages", bctx.ID())
	}
	return lister.Pages()
}

func (RodDriver) WatchDialogs(page *rod.Page, fn func(browser.Dialog)) func() {
	return browser.WatchDialogs(page, fn)
}

func (RodDriver) WatchTargets(bctx pool.Context, onPopup func(*rod.Page), onGone func(proto.TargetTargetID)) func() {
	b := bctx.Browser()
	ctx, cancel := context.WithCancel(b.GetContext())
	watcher := b.Context(ctx)
	wait := watcher.EachEvent(func(e *proto.TargetTargetCreated) {
		info := e.TargetInfo
		if info.Type != proto.TargetTargetInfoTypePage || info.OpenerID == "" {
			return
		}
		if b.BrowserContextID != "" && info.BrowserContextID != b.BrowserContextID {
			return
		}
		go func() {
			p, err := b.PageFromTarget(info.TargetID)
			if err == nil {
				onPopup(p)
			}
		}()
	}, func(e *proto.TargetTargetDestroyed) {
		onGone(e.TargetID)
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	return func() {
		cancel()
		<-done
	}
}
