package browser

import (
	"context"
	"fmt"
	"strings"

	"browserd/internal/errs"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// WaitUntil names the point at which a navigation counts as done.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
	WaitCommit           WaitUntil = "commit"
)

// ParseWaitUntil validates a wait condition; empty means load.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch w := WaitUntil(strings.ToLower(strings.TrimSpace(s))); w {
	case "":
		return WaitLoad, nil
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle, WaitCommit:
		return w, nil
	case "dom-ready", "domready":
		return WaitDOMContentLoaded, nil
	}
	return "", errs.Invalid("navigate", "unknown wait condition %q", s)
}

func (w WaitUntil) lifecycle() proto.PageLifecycleEventName {
	switch w {
	case WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded
	case WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle
	}
	return proto.PageLifecycleEventNameLoad
}

// Navigate loads url and waits for the given condition. ctx bounds the
// whole operation.
func Navigate(ctx context.Context, page *rod.Page, url string, wait WaitUntil) error {
	p := page.Context(ctx)
	if wait == WaitCommit {
		if err := p.Navigate(url); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		return nil
	}
	done := p.WaitNavigation(wait.lifecycle())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	done()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for %s on %s: %w", wait, url, err)
	}
	return nil
}

// PageInfo is the cached view of a tab.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Info reads the page's current URL and title.
func Info(page *rod.Page) (PageInfo, error) {
	info, err := page.Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: info.URL, Title: info.Title}, nil
}
