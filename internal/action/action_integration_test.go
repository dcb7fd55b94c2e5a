//go:build integration

package action_test

import (
	"context"
	"testing"
	"time"

	"browserd/internal/action"
	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/intercept"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickFirstRefThroughDispatcher(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DownloadsDir = t.TempDir()
	guard := netguard.New(netguard.Policy{})
	factory := browser.NewFactory(browser.OptionsFrom(cfg), guard)

	p := pool.New(pool.Config{MaxInstances: 1, MaxPagesPerInstance: 2, AcquireTimeout: time.Minute}, factory)
	defer p.Close()
	m := session.NewManager(session.Config{TTL: time.Minute}, p, nil, guard, intercept.New(guard, intercept.DefaultHistorySize), snapshot.New(time.Minute))
	defer m.Shutdown(context.Background())
	d := action.NewDispatcher(action.ConfigFrom(cfg), m, guard)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	info, err := m.Create(ctx, "e2e", session.Options{URL: "https://example.com"})
	require.NoError(t, err)
	instanceID := info.Windows[0].InstanceID
	before := leases(p, instanceID)

	snap, err := m.Snapshot(ctx, info.ID, "e2e", snapshot.Options{Interactive: true})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Refs)
	require.Equal(t, "link", snap.Refs[0].Role)

	results, err := d.Run(ctx, info.ID, "e2e", []action.Action{
		{Type: action.GetText, Selector: "h1"},
		{Type: action.Click, Selector: "@e1"},
	}, action.BatchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Example Domain", results[0].Value)
	assert.True(t, results[1].Success, "%+v", results[1].Error)

	require.NoError(t, m.Close(ctx, info.ID, "e2e"))
	assert.Equal(t, before-1, leases(p, instanceID))
}

func TestExtractionAndEnvironment(t *testing.T) {
	cfg := config.DefaultConfig()
	guard := netguard.New(netguard.Policy{})
	p := pool.New(pool.Config{MaxInstances: 1, MaxPagesPerInstance: 2, AcquireTimeout: time.Minute}, browser.NewFactory(browser.OptionsFrom(cfg), guard))
	defer p.Close()
	m := session.NewManager(session.Config{TTL: time.Minute}, p, nil, guard, nil, snapshot.New(time.Minute))
	defer m.Shutdown(context.Background())
	d := action.NewDispatcher(action.Config{Timeout: 20 * time.Second, DownloadsDir: t.TempDir()}, m, guard)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	info, err := m.Create(ctx, "", session.Options{URL: "https://example.com"})
	require.NoError(t, err)

	run := func(a action.Action) action.Result {
		t.Helper()
		r, err := d.Execute(ctx, info.ID, "", a)
		require.NoError(t, err)
		require.True(t, r.Success, "%s: %+v", a.Type, r.Error)
		return *r
	}

	text := run(action.Action{Type: action.Content, Format: "text"})
	assert.Contains(t, text.Value, "Example Domain")

	shot := run(action.Action{Type: action.Screenshot})
	assert.Equal(t, "image/png", shot.Value.(action.Artifact).MimeType)

	run(action.Action{Type: action.SetViewport, Viewport: &pool.Viewport{Width: 500, Height: 400}})
	width := run(action.Action{Type: action.Evaluate, Script: "window.innerWidth"})
	assert.EqualValues(t, 500, width.Value)

	run(action.Action{Type: action.SetMedia, ColorScheme: "dark"})
	dark := run(action.Action{Type: action.Evaluate, Script: "matchMedia('(prefers-color-scheme: dark)').matches"})
	assert.Equal(t, true, dark.Value)

	missing, err := d.Execute(ctx, info.ID, "", action.Action{Type: action.Click, Selector: "#missing", TimeoutMS: 500})
	require.NoError(t, err)
	assert.False(t, missing.Success)
	assert.Equal(t, "timeout", missing.Error.Code)
	assert.NotEmpty(t, missing.Error.Suggestion)
}

func leases(p *pool.Pool, instanceID string) int {
	for _, inst := range p.Status().Instances {
		if inst.ID == instanceID {
			return inst.Leases
		}
	}
	return 0
}
