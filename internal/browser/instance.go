// Package browser launches and connects to Chrome through rod and implements
// the pool's Instance and Context contracts on top of incognito browser
// contexts.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"browserd/internal/config"
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/google/uuid"
)

// Options configure how instances are started.
type Options struct {
	Bin           string
	Flags         []string
	Headless      bool
	NoSandbox     bool
	Stealth       bool
	Viewport      pool.Viewport
	LaunchTimeout time.Duration
}

// OptionsFrom extracts browser settings from the service config.
func OptionsFrom(c *config.Config) Options {
	return Options{
		Bin:       c.Browser.Bin,
		Flags:     c.Browser.Flags,
		Headless:  c.Browser.Headless,
		NoSandbox: c.Browser.NoSandbox,
		Stealth:   c.Browser.Stealth,
		Viewport: pool.Viewport{
			Width:  c.Browser.ViewportWidth,
			Height: c.Browser.ViewportHeight,
		},
		LaunchTimeout: c.GetLaunchTimeout(),
	}
}

// Defaults returns the emulation defaults for contexts.
func (o Options) Defaults() Defaults {
	vp := o.Viewport
	if vp.Width == 0 {
		vp.Width = 1280
	}
	if vp.Height == 0 {
		vp.Height = 720
	}
	return Defaults{Viewport: vp, Stealth: o.Stealth}
}

// Factory launches local Chrome processes.
type Factory struct {
	opts  Options
	guard *netguard.Guard
}

// NewFactory creates a factory. guard is applied to pages that do not get a
// custom router.
func NewFactory(opts Options, guard *netguard.Guard) *Factory {
	return &Factory{opts: opts, guard: guard}
}

// Create launches Chrome and connects to it.
func (f *Factory) Create(ctx context.Context) (pool.Instance, error) {
	timeout := f.opts.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := f.newLauncher(true).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		if len(f.opts.Flags) == 0 {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		// Retry without operator flags in case one of them is rejected.
		fallback := f.newLauncher(false).Context(ctx)
		alt, altErr := fallback.Launch()
		if altErr != nil {
			return nil, fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		logging.BrowserWarn("launch with custom flags failed, started without them: %v", err)
		l, controlURL = fallback, alt
	}

	b, stop, err := Connect(ctx, controlURL)
	if err != nil {
		l.Kill()
		return nil, err
	}
	inst := newInstance(b, stop, l, f.opts.Defaults(), f.guard)
	logging.Browser("launched chrome pid=%d instance=%s", l.PID(), inst.id)
	return inst, nil
}

func (f *Factory) newLauncher(withFlags bool) *launcher.Launcher {
	l := launcher.New().Headless(f.opts.Headless)
	if f.opts.Bin != "" {
		l = l.Bin(f.opts.Bin)
	}
	if f.opts.NoSandbox {
		l = l.NoSandbox(true)
	}
	if f.opts.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	if !withFlags {
		return l
	}
	for _, rawFlag := range f.opts.Flags {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Connect dials a DevTools endpoint. ctx bounds the dial; the connection
// lives until the returned stop func is called.
func Connect(ctx context.Context, controlURL string) (*rod.Browser, context.CancelFunc, error) {
	life, stop := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(life).NoDefaultDevice()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Connect() }()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("connect to chrome: %w", err)
		}
	case <-ctx.Done():
		stop()
		return nil, nil, fmt.Errorf("connect to chrome: %w", ctx.Err())
	}
	return b, stop, nil
}

// Instance is one connected Chrome process.
type Instance struct {
	id       string
	browser  *rod.Browser
	stop     context.CancelFunc
	launcher *launcher.Launcher
	defaults Defaults
	guard    *netguard.Guard
	gone     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newInstance(b *rod.Browser, stop context.CancelFunc, l *launcher.Launcher, def Defaults, guard *netguard.Guard) *Instance {
	inst := &Instance{
		id:       uuid.NewString(),
		browser:  b,
		stop:     stop,
		launcher: l,
		defaults: def,
		guard:    guard,
		gone:     make(chan struct{}),
	}
	go inst.watch()
	return inst
}

// NewInstance wraps an already connected browser. Close disconnects without
// terminating the process.
func NewInstance(b *rod.Browser, stop context.CancelFunc, def Defaults, guard *netguard.Guard) *Instance {
	return newInstance(b, stop, nil, def, guard)
}

// watch closes gone when the event stream ends, which happens when the
// websocket drops.
func (i *Instance) watch() {
	for range i.browser.Event() {
	}
	close(i.gone)
}

func (i *Instance) ID() string                    { return i.id }
func (i *Instance) Disconnected() <-chan struct{} { return i.gone }
func (i *Instance) Browser() *rod.Browser         { return i.browser }

// Alive reports whether the browser still answers protocol calls.
func (i *Instance) Alive() bool {
	_, err := i.browser.Version()
	return err == nil
}

// NewContext creates an incognito context with the given emulation.
func (i *Instance) NewContext(ctx context.Context, opts pool.ContextOptions) (pool.Context, error) {
	emu, err := ResolveEmulation(opts, i.defaults)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	incognito, err := i.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	if err := GrantPermissions(incognito, emu.Permissions, ""); err != nil {
		_ = incognito.Close()
		return nil, err
	}
	return NewContext(incognito, opts, emu, i.guard, true), nil
}

// Close ends the process for launched instances, or just the connection for
// attached ones.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		if i.launcher == nil {
			i.stop()
			return
		}
		i.closeErr = i.browser.Close()
		i.stop()

		done := make(chan struct{})
		go func() {
			i.launcher.Cleanup()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			i.launcher.Kill()
			<-done
		}
		logging.Browser("instance %s closed", i.id)
	})
	return i.closeErr
}
