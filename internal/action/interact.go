package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"browserd/internal/browser"
	"browserd/internal/errs"
	"browserd/internal/session"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/oklog/ulid/v2"
)

func doNavigate(ctx context.Context, x *execution) (any, error) {
	return x.d.sessions.Navigate(ctx, x.id, x.caller, session.NavigateOptions{
		URL:       x.a.URL,
		WaitUntil: x.a.WaitUntil,
		Timeout:   x.timeout,
		Headers:   x.a.Headers,
	})
}

func doReload(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Reload(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	return x.settle(p)
}

func doHistory(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	h, err := p.GetNavigationHistory()
	if err != nil {
		return nil, err
	}
	want := h.CurrentIndex - 1
	step := p.NavigateBack
	if x.a.Type == GoForward {
		want = h.CurrentIndex + 1
		step = p.NavigateForward
	}
	if want < 0 || want >= len(h.Entries) {
		return nil, errs.NotAllowed("action."+string(x.a.Type), "no history entry to go to")
	}
	if err := step(); err != nil {
		return nil, err
	}

	// history.back() returns before the entry changes.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		h, err := p.GetNavigationHistory()
		if err != nil {
			return nil, err
		}
		if h.CurrentIndex == want {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
	return x.settle(p)
}

// settle waits for the new document and drops refs into the old one.
func (x *execution) settle(p *rod.Page) (any, error) {
	if err := p.WaitLoad(); err != nil {
		return nil, err
	}
	if err := x.d.sessions.InvalidateRefs(x.id, x.caller); err != nil {
		return nil, err
	}
	info, err := browser.Info(p)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func doClick(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	button, err := mouseButton(x.a.Button)
	if err != nil {
		return nil, err
	}
	count := 1
	if x.a.Type == DblClick {
		count = 2
	}
	if err := el.ScrollIntoView(); err != nil {
		return nil, err
	}
	return nil, el.Click(button, count)
}

func doHover(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return nil, el.Hover()
}

func doFocus(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return nil, el.Focus()
}

const caretToEnd = `() => {
	if (typeof this.setSelectionRange === 'function' && typeof this.value === 'string') {
		try { this.setSelectionRange(this.value.length, this.value.length) } catch (e) {}
	}
}`

// doType appends text at the end of the field's current value.
func doType(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	if err := el.Focus(); err != nil {
		return nil, err
	}
	if _, err := el.Eval(caretToEnd); err != nil {
		return nil, err
	}
	return nil, el.Input(x.a.Text)
}

// doFill replaces the field's value.
func doFill(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	if x.a.Text == "" {
		return nil, clearField(ctx, el)
	}
	if err := el.SelectAllText(); err != nil {
		return nil, err
	}
	return nil, el.Input(x.a.Text)
}

func doClear(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return nil, clearField(ctx, el)
}

func clearField(ctx context.Context, el *rod.Element) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Page().Context(ctx).Keyboard.Type(input.Backspace)
}

func doPress(ctx context.Context, x *execution) (any, error) {
	c, err := parseKeys(x.a.Key)
	if err != nil {
		return nil, err
	}
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	if !x.a.Target().Empty() {
		el, err := x.element(ctx)
		if err != nil {
			return nil, err
		}
		if err := el.Focus(); err != nil {
			return nil, err
		}
	}
	return nil, p.KeyActions().Press(c.modifiers...).Type(c.key).Do()
}

// doSelect picks options by visible text, falling back to option values.
func doSelect(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	err = el.Select(x.a.Values, true, rod.SelectorTypeText)
	if err == nil {
		return nil, nil
	}
	byValue := make([]string, len(x.a.Values))
	for i, v := range x.a.Values {
		byValue[i] = fmt.Sprintf(`option[value=%q]`, v)
	}
	if err := el.Select(byValue, true, rod.SelectorTypeCSSSector); err != nil {
		return nil, fmt.Errorf("select %v: %w", x.a.Values, err)
	}
	return nil, nil
}

const checkedJS = `() => {
	if (typeof this.checked === 'boolean') return this.checked
	return this.getAttribute('aria-checked') === 'true'
}`

func isChecked(el *rod.Element) (bool, error) {
	res, err := el.Eval(checkedJS)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func doCheck(ctx context.Context, x *execution) (any, error) {
	want := x.a.Type == Check
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	got, err := isChecked(el)
	if err != nil {
		return nil, err
	}
	if got == want {
		return nil, nil
	}
	if err := el.ScrollIntoView(); err != nil {
		return nil, err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, err
	}
	if got, err = isChecked(el); err != nil {
		return nil, err
	}
	if got != want {
		return nil, errs.NotAllowed("action."+string(x.a.Type), "clicking %s did not change its checked state", x.a.Target())
	}
	return nil, nil
}

const scrollJS = `(dx, dy, dir, onElement) => {
	const box = onElement ? this : document.scrollingElement || document.documentElement
	const h = (onElement ? this.clientHeight : window.innerHeight) * 0.8
	const w = (onElement ? this.clientWidth : window.innerWidth) * 0.8
	switch (dir) {
	case 'up': dy = -h; break
	case 'down': dy = h; break
	case 'left': dx = -w; break
	case 'right': dx = w; break
	case 'top': box.scrollTo(box.scrollLeft, 0); return {x: box.scrollLeft, y: box.scrollTop}
	case 'bottom': box.scrollTo(box.scrollLeft, box.scrollHeight); return {x: box.scrollLeft, y: box.scrollTop}
	}
	if (dx === 0 && dy === 0) dy = h
	box.scrollBy(dx, dy)
	return {x: box.scrollLeft, y: box.scrollTop}
}`

// ScrollPosition is where a scrolled box ended up.
type ScrollPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// doScroll scrolls the page, or the target element's own scroll box.
func doScroll(ctx context.Context, x *execution) (any, error) {
	var (
		res *proto.RuntimeRemoteObject
		err error
	)
	if x.a.Target().Empty() {
		p, perr := x.page(ctx)
		if perr != nil {
			return nil, perr
		}
		res, err = p.Eval(scrollJS, x.a.DeltaX, x.a.DeltaY, x.a.Direction, false)
	} else {
		el, eerr := x.element(ctx)
		if eerr != nil {
			return nil, eerr
		}
		res, err = el.Eval(scrollJS, x.a.DeltaX, x.a.DeltaY, x.a.Direction, true)
	}
	if err != nil {
		return nil, err
	}
	return ScrollPosition{X: res.Value.Get("x").Num(), Y: res.Value.Get("y").Num()}, nil
}

func doScrollIntoView(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return nil, el.ScrollIntoView()
}

func centerOf(el *rod.Element) (proto.Point, error) {
	if err := el.ScrollIntoView(); err != nil {
		return proto.Point{}, err
	}
	shape, err := el.Shape()
	if err != nil {
		return proto.Point{}, err
	}
	pt := shape.OnePointInside()
	if pt == nil {
		return proto.Point{}, &rod.InvisibleShapeError{Element: el}
	}
	return *pt, nil
}

// doDrag presses on the source, moves in steps to the target and releases.
func doDrag(ctx context.Context, x *execution) (any, error) {
	from, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	to, err := x.resolve(ctx, *x.a.To)
	if err != nil {
		return nil, err
	}
	start, err := centerOf(from)
	if err != nil {
		return nil, err
	}
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	mouse := p.Mouse
	if err := mouse.MoveTo(start); err != nil {
		return nil, err
	}
	if err := mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, err
	}
	end, err := centerOf(to)
	if err != nil {
		_ = mouse.Up(proto.InputMouseButtonLeft, 1)
		return nil, err
	}
	if err := mouse.MoveLinear(end, 10); err != nil {
		_ = mouse.Up(proto.InputMouseButtonLeft, 1)
		return nil, err
	}
	return nil, mouse.Up(proto.InputMouseButtonLeft, 1)
}

const isFileInputJS = `() => this.tagName === 'INPUT' && this.type === 'file'`

// doUpload writes the files under the session's directory and hands them to
// a file input. They stay until the session closes since the page reads
// them lazily.
func doUpload(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	res, err := el.Eval(isFileInputJS)
	if err != nil {
		return nil, err
	}
	if !res.Value.Bool() {
		return nil, errs.Invalid("action.upload", "%s is not a file input", x.a.Target())
	}

	dir := filepath.Join(x.d.sessionDir(x.id), "uploads", ulid.Make().String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.StorageIO("action.upload", err)
	}
	paths := make([]string, 0, len(x.a.Files))
	for _, f := range x.a.Files {
		path := filepath.Join(dir, f.Name)
		if err := os.WriteFile(path, f.Content, 0o600); err != nil {
			return nil, errs.StorageIO("action.upload", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errs.StorageIO("action.upload", err)
		}
		paths = append(paths, abs)
	}
	return nil, el.SetFiles(paths)
}
