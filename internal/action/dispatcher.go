package action

import (
	"context"
	"fmt"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/logging"
	"browserd/internal/pool"
	"browserd/internal/session"

	"github.com/go-rod/rod"
	"go.uber.org/zap"
)

// Sessions is the part of the session manager actions run against.
type Sessions interface {
	ActivePage(id, caller string) (*rod.Page, error)
	Resolve(ctx context.Context, id, caller string, t session.Target) (*rod.Element, error)
	Navigate(ctx context.Context, id, caller string, opts session.NavigateOptions) (*browser.PageInfo, error)
	InvalidateRefs(id, caller string) error
	WindowPages(id, caller string) (pool.Context, []*rod.Page, error)
}

// Guard vets URLs an action is about to load.
type Guard interface {
	Check(ctx context.Context, raw string) error
}

// Config tunes the dispatcher.
type Config struct {
	Timeout      time.Duration
	DownloadsDir string
}

// ConfigFrom reads dispatcher settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Timeout:      c.GetActionTimeout(),
		DownloadsDir: c.Storage.DownloadsDir,
	}
}

// Result is the outcome of one action.
type Result struct {
	Type       Type                `json:"type"`
	Success    bool                `json:"success"`
	DurationMs int64               `json:"durationMs"`
	Value      any                 `json:"value,omitempty"`
	Error      *errs.ActionFailure `json:"error,omitempty"`
}

// BatchOptions control Run.
type BatchOptions struct {
	// ContinueOnError runs every action even after one fails.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// Dispatcher executes actions against sessions.
type Dispatcher struct {
	cfg      Config
	sessions Sessions
	guard    Guard
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. guard may be nil when the session
// manager already vets every navigation.
func NewDispatcher(cfg Config, sessions Sessions, guard Guard) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = "data/downloads"
	}
	return &Dispatcher{cfg: cfg, sessions: sessions, guard: guard, now: time.Now}
}

// Execute runs one action on the session's active tab. The returned error
// covers problems found before touching the browser: a bad action, an
// unknown or foreign session, a blocked URL. Failures inside the browser
// come back in the Result.
func (d *Dispatcher) Execute(ctx context.Context, id, caller string, a Action) (*Result, error) {
	if err := d.precheck(ctx, id, caller, a); err != nil {
		return nil, err
	}
	return d.run(ctx, id, caller, a), nil
}

// Run executes actions in order. Every action is checked before the first
// one runs. Without ContinueOnError the batch stops after the first failed
// action and the results end there.
func (d *Dispatcher) Run(ctx context.Context, id, caller string, actions []Action, opts BatchOptions) ([]Result, error) {
	for i, a := range actions {
		if err := d.precheck(ctx, id, caller, a); err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "batch", fmt.Errorf("action %d: %w", i, err))
		}
	}
	out := make([]Result, 0, len(actions))
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			out = append(out, Result{Type: a.Type, Error: errs.TranslateActionError(err)})
			break
		}
		r := d.run(ctx, id, caller, a)
		out = append(out, *r)
		if !r.Success && !opts.ContinueOnError {
			break
		}
	}
	return out, nil
}

func (d *Dispatcher) precheck(ctx context.Context, id, caller string, a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := d.sessions.ActivePage(id, caller); err != nil {
		return err
	}
	if a.Type == Navigate && d.guard != nil {
		if err := d.guard.Check(ctx, a.URL); err != nil {
			logging.AuditWithSession(id, caller).PolicyBlock(a.URL, err.Error())
			return err
		}
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, id, caller string, a Action) *Result {
	start := d.now()
	timeout := a.timeout(d.cfg.Timeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	x := &execution{d: d, id: id, caller: caller, a: a, timeout: timeout}
	value, err := x.do(actx)
	elapsed := d.now().Sub(start)

	r := &Result{Type: a.Type, Success: err == nil, DurationMs: elapsed.Milliseconds(), Value: value}
	errMsg := ""
	if err != nil {
		r.Value = nil
		r.Error = errs.TranslateActionError(err)
		errMsg = r.Error.Message
		logging.Zap(logging.CategoryAction).Debug("action failed",
			zap.String("session", id),
			zap.String("action", a.String()),
			zap.String("code", r.Error.Code),
			zap.Error(err),
		)
	}
	observe(a.Type, r.Success, elapsed)
	logging.AuditWithSession(id, caller).ActionExecute(string(a.Type), elapsed, r.Success, errMsg)
	return r
}

// execution carries one running action.
type execution struct {
	d       *Dispatcher
	id      string
	caller  string
	a       Action
	timeout time.Duration
}

func (x *execution) page(ctx context.Context) (*rod.Page, error) {
	p, err := x.d.sessions.ActivePage(x.id, x.caller)
	if err != nil {
		return nil, err
	}
	return p.Context(ctx), nil
}

func (x *execution) element(ctx context.Context) (*rod.Element, error) {
	return x.resolve(ctx, x.a.Target())
}

func (x *execution) resolve(ctx context.Context, t session.Target) (*rod.Element, error) {
	el, err := x.d.sessions.Resolve(ctx, x.id, x.caller, t)
	if err != nil {
		return nil, err
	}
	return el.Context(ctx), nil
}

type handler func(ctx context.Context, x *execution) (any, error)

var handlers map[Type]handler

func init() {
	handlers = map[Type]handler{
		Navigate:  doNavigate,
		Reload:    doReload,
		GoBack:    doHistory,
		GoForward: doHistory,

		Click:    doClick,
		DblClick: doClick,
		Hover:    doHover,
		Focus:    doFocus,
		TypeText: doType,
		Fill:     doFill,
		Clear:    doClear,
		Press:    doPress,
		Select:   doSelect,
		Check:    doCheck,
		Uncheck:  doCheck,

		Scroll:         doScroll,
		ScrollIntoView: doScrollIntoView,
		Drag:           doDrag,
		Upload:         doUpload,

		Wait:               doWait,
		WaitForSelector:    doWaitForSelector,
		WaitForURL:         doWaitForURL,
		WaitForText:        doWaitForText,
		WaitForNetworkIdle: doWaitForNetworkIdle,
		WaitForFunction:    doWaitForFunction,
		WaitForDownload:    doDownload,

		Evaluate:   doEvaluate,
		Content:    doContent,
		PDF:        doPDF,
		Screenshot: doScreenshot,
		Download:   doDownload,

		GetAttribute: doGetAttribute,
		GetText:      doGetText,
		GetValue:     doGetValue,
		IsVisible:    doIsVisible,
		IsEnabled:    doIsEnabled,
		IsChecked:    doIsChecked,

		SetViewport:      doMutate,
		SetGeolocation:   doMutate,
		GrantPermissions: doMutate,
		SetMedia:         doMutate,
		SetOffline:       doMutate,
		SetHeaders:       doMutate,
		SetCredentials:   doMutate,
	}
}

func (x *execution) do(ctx context.Context) (any, error) {
	h, ok := handlers[x.a.Type]
	if !ok {
		return nil, errs.Invalid("action", "unknown action type %q", x.a.Type)
	}
	return h(ctx, x)
}
