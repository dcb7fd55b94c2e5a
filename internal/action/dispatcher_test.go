package action

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"browserd/internal/browser"
	"browserd/internal/errs"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSessions knows one session, "s1" owned by "alice".
type fakeSessions struct {
	mu        sync.Mutex
	window    pool.Context
	navigated []string
}

func (f *fakeSessions) check(id, caller string) error {
	if id != "s1" {
		return errs.NotFound("session", "session %s not found", id)
	}
	if caller != "alice" {
		return errs.Forbidden("session", "session %s belongs to another caller", id)
	}
	return nil
}

func (f *fakeSessions) ActivePage(id, caller string) (*rod.Page, error) {
	if err := f.check(id, caller); err != nil {
		return nil, err
	}
	return &rod.Page{TargetID: "page-1"}, nil
}

func (f *fakeSessions) Resolve(context.Context, string, string, session.Target) (*rod.Element, error) {
	return nil, errors.New("no browser in unit tests")
}

func (f *fakeSessions) Navigate(_ context.Context, id, caller string, opts session.NavigateOptions) (*browser.PageInfo, error) {
	if err := f.check(id, caller); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.navigated = append(f.navigated, opts.URL)
	f.mu.Unlock()
	return &browser.PageInfo{URL: opts.URL, Title: "ok"}, nil
}

func (f *fakeSessions) InvalidateRefs(id, caller string) error {
	return f.check(id, caller)
}

func (f *fakeSessions) WindowPages(id, caller string) (pool.Context, []*rod.Page, error) {
	if err := f.check(id, caller); err != nil {
		return nil, nil, err
	}
	return f.window, []*rod.Page{{TargetID: "page-1"}, {TargetID: "page-2"}}, nil
}

// plainWindow cannot be reconfigured.
type plainWindow struct{}

func (plainWindow) ID() string                                                 { return "ctx-1" }
func (plainWindow) Options() pool.ContextOptions                               { return pool.ContextOptions{} }
func (plainWindow) Browser() *rod.Browser                                      { return nil }
func (plainWindow) NewPage(context.Context, pool.PageSetup) (*rod.Page, error) { return nil, nil }
func (plainWindow) Adopt(*rod.Page, pool.PageSetup) error                      { return nil }
func (plainWindow) ClosePage(*rod.Page) error                                  { return nil }
func (plainWindow) Close() error                                               { return nil }

// tunableWindow records reconfigurations instead of touching pages.
type tunableWindow struct {
	plainWindow
	mu    sync.Mutex
	emu   browser.Emulation
	pages []*rod.Page
	calls int
}

func (w *tunableWindow) Reconfigure(_ context.Context, pages []*rod.Page, fn func(*browser.Emulation) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.emu
	if err := fn(&next); err != nil {
		return err
	}
	w.emu = next
	w.pages = pages
	w.calls++
	return nil
}

// staticResolver answers from a fixed table so tests never touch DNS.
type staticResolver map[string]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func newTestDispatcher(t *testing.T, window pool.Context) (*Dispatcher, *fakeSessions) {
	t.Helper()
	fs := &fakeSessions{window: window}
	guard := netguard.NewWithResolver(netguard.Policy{}, staticResolver{
		"example.com":  "93.184.215.14",
		"internal.lan": "192.168.1.20",
	})
	d := NewDispatcher(Config{Timeout: time.Second, DownloadsDir: t.TempDir()}, fs, guard)
	return d, fs
}

func TestExecuteRejectsBeforeTouchingBrowser(t *testing.T) {
	d, fs := newTestDispatcher(t, plainWindow{})
	ctx := context.Background()

	tests := []struct {
		name   string
		id     string
		caller string
		action Action
		want   error
	}{
		{"invalid action", "s1", "alice", Action{Type: Click}, errs.ErrInvalidArgument},
		{"unknown type", "s1", "alice", Action{Type: "teleport"}, errs.ErrInvalidArgument},
		{"unknown session", "nope", "alice", Action{Type: Reload}, errs.ErrNotFound},
		{"foreign session", "s1", "bob", Action{Type: Reload}, errs.ErrForbidden},
		{"blocked url", "s1", "alice", Action{Type: Navigate, URL: "http://10.0.0.1/admin"}, errs.ErrPolicyViolation},
		{"blocked scheme", "s1", "alice", Action{Type: Navigate, URL: "file:///etc/passwd"}, errs.ErrPolicyViolation},
		{"private name", "s1", "alice", Action{Type: Navigate, URL: "http://internal.lan/"}, errs.ErrPolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Execute(ctx, tt.id, tt.caller, tt.action)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}
	assert.Empty(t, fs.navigated)
}

func TestExecuteNavigate(t *testing.T) {
	d, fs := newTestDispatcher(t, plainWindow{})
	res, err := d.Execute(context.Background(), "s1", "alice", Action{Type: Navigate, URL: "https://example.com/"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, Navigate, res.Type)
	assert.Equal(t, &browser.PageInfo{URL: "https://example.com/", Title: "ok"}, res.Value)
	assert.Equal(t, []string{"https://example.com/"}, fs.navigated)
}

func TestBrowserFailureIsAResult(t *testing.T) {
	d, _ := newTestDispatcher(t, plainWindow{})
	res, err := d.Execute(context.Background(), "s1", "alice", Action{Type: SetOffline, Offline: boolPtr(true)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Value)
	require.NotNil(t, res.Error)
	assert.Equal(t, errs.KindNotAllowed, res.Error.Kind)
	assert.Equal(t, errs.CodeUnknown, res.Error.Code)
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	d, _ := newTestDispatcher(t, plainWindow{})
	batch := []Action{
		{Type: Wait, WaitMS: 1},
		{Type: SetOffline, Offline: boolPtr(true)},
		{Type: Wait, WaitMS: 1},
	}

	results, err := d.Run(context.Background(), "s1", "alice", batch, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)

	results, err = d.Run(context.Background(), "s1", "alice", batch, BatchOptions{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []bool{true, false, true}, []bool{results[0].Success, results[1].Success, results[2].Success})
}

func TestRunValidatesWholeBatchFirst(t *testing.T) {
	w := &tunableWindow{}
	d, _ := newTestDispatcher(t, w)
	batch := []Action{
		{Type: SetOffline, Offline: boolPtr(true)},
		{Type: Fill},
	}
	results, err := d.Run(context.Background(), "s1", "alice", batch, BatchOptions{})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "action 1")
	assert.Nil(t, results)
	assert.Zero(t, w.calls, "nothing runs when any action is invalid")
}

func TestRunHonoursCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t, plainWindow{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := d.Run(ctx, "s1", "alice", []Action{{Type: Wait, WaitMS: 1}, {Type: Wait, WaitMS: 1}}, BatchOptions{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, errs.CodeTimeout, results[0].Error.Code)
}

func TestWaitOutlastsDefaultTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, plainWindow{})
	res, err := d.Execute(context.Background(), "s1", "alice", Action{Type: Wait, WaitMS: 30, TimeoutMS: 5})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.DurationMs, int64(30))
}

func TestMutationsReconfigureWindow(t *testing.T) {
	phone := devices.IPhoneX
	w := &tunableWindow{}
	w.emu.Device = &phone
	d, _ := newTestDispatcher(t, w)
	ctx := context.Background()
	run := func(a Action) {
		t.Helper()
		res, err := d.Execute(ctx, "s1", "alice", a)
		require.NoError(t, err)
		require.True(t, res.Success, "%s: %+v", a.Type, res.Error)
	}

	run(Action{Type: SetViewport, Viewport: &pool.Viewport{Width: 800, Height: 600}})
	assert.Nil(t, w.emu.Device)
	assert.Equal(t, pool.Viewport{Width: 800, Height: 600, DeviceScaleFactor: 1}, w.emu.Viewport)
	assert.Len(t, w.pages, 2, "every tab of the window is reconfigured")

	run(Action{Type: SetCredentials, Credentials: &pool.Credentials{Username: "user", Password: "pass"}})
	run(Action{Type: SetHeaders, Headers: map[string]string{"X-Trace": "1"}})
	assert.Equal(t, map[string]string{"X-Trace": "1", "Authorization": "Basic dXNlcjpwYXNz"}, w.emu.Headers)

	run(Action{Type: SetCredentials})
	assert.Equal(t, map[string]string{"X-Trace": "1"}, w.emu.Headers)

	run(Action{Type: SetMedia, ColorScheme: "dark"})
	assert.Equal(t, "dark", w.emu.ColorScheme)
	run(Action{Type: SetMedia, ColorScheme: "no-preference"})
	assert.Empty(t, w.emu.ColorScheme)

	run(Action{Type: SetGeolocation, Geolocation: &pool.Geolocation{Latitude: 52.5, Longitude: 13.4}})
	require.NotNil(t, w.emu.Geolocation)
	assert.InDelta(t, 52.5, w.emu.Geolocation.Latitude, 0.0001)

	run(Action{Type: SetOffline, Offline: boolPtr(true)})
	assert.True(t, w.emu.Offline)

	run(Action{Type: GrantPermissions, Permissions: []string{"geolocation"}})
	assert.Len(t, w.emu.Permissions, 1)

	res, err := d.Execute(ctx, "s1", "alice", Action{Type: GrantPermissions, Permissions: []string{"telepathy"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, errs.CodeInvalid, res.Error.Code)
	assert.Len(t, w.emu.Permissions, 1, "a failed change leaves the window as it was")
}

func TestDownloadNeedsBrowserHandle(t *testing.T) {
	d, _ := newTestDispatcher(t, plainWindow{})
	res, err := d.Execute(context.Background(), "s1", "alice", Action{Type: WaitForDownload})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindNotAllowed, res.Error.Kind)
}

func boolPtr(b bool) *bool { return &b }
