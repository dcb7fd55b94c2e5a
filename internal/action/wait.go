package action

import (
	"context"
	"regexp"
	"strings"
	"time"

	"browserd/internal/browser"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-rod/rod"
)

const defaultIdleWindow = 500 * time.Millisecond

func doWait(ctx context.Context, x *execution) (any, error) {
	t := time.NewTimer(time.Duration(x.a.WaitMS) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func doWaitForSelector(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	switch x.a.State {
	case "attached":
		return nil, nil
	case "hidden":
		return nil, el.WaitInvisible()
	}
	return nil, el.WaitVisible()
}

// urlMatches compares a page URL with an exact URL or a glob, ignoring case.
func urlMatches(pattern, current string) bool {
	pattern = strings.ToLower(pattern)
	current = strings.ToLower(current)
	if pattern == current || strings.TrimSuffix(pattern, "/") == strings.TrimSuffix(current, "/") {
		return true
	}
	ok, err := doublestar.Match(pattern, current)
	return err == nil && ok
}

func doWaitForURL(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		info, err := browser.Info(p)
		if err != nil {
			return nil, err
		}
		if urlMatches(x.a.URL, info.URL) {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

const textPresentJS = `(t, onElement) => {
	const root = onElement ? this : document.body
	return !!root && (root.innerText || root.textContent || '').includes(t)
}`

func doWaitForText(ctx context.Context, x *execution) (any, error) {
	if x.a.Target().Empty() {
		p, err := x.page(ctx)
		if err != nil {
			return nil, err
		}
		return nil, p.Wait(rod.Eval(textPresentJS, x.a.Text, false))
	}
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return nil, el.Wait(rod.Eval(textPresentJS, x.a.Text, true))
}

// doWaitForNetworkIdle returns once no request has been in flight for the
// quiet window.
func doWaitForNetworkIdle(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	window := defaultIdleWindow
	if x.a.WaitMS > 0 {
		window = time.Duration(x.a.WaitMS) * time.Millisecond
	}
	p.WaitRequestIdle(window, nil, nil, nil)()
	return nil, ctx.Err()
}

func doWaitForFunction(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	return nil, p.Wait(rod.Eval(asFunction(x.a.Script), x.a.Args...))
}

var functionLike = regexp.MustCompile(`^\s*(async\s+)?(function\b|\([^()]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)

// asFunction turns a bare expression or statement list into a function
// body so callers can pass either.
func asFunction(script string) string {
	script = strings.TrimSpace(script)
	switch {
	case functionLike.MatchString(script):
		return script
	case strings.Contains(script, "return ") || strings.Contains(script, ";"):
		return "function() {\n" + script + "\n}"
	}
	return "() => (\n" + script + "\n)"
}
