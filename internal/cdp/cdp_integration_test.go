//go:build integration

package cdp_test

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"browserd/internal/browser"
	"browserd/internal/cdp"
	"browserd/internal/config"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachLeavesExternalBrowserRunning(t *testing.T) {
	l := launcher.New().Headless(true)
	defer l.Cleanup()
	wsURL, err := l.Launch()
	require.NoError(t, err)
	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	guard := netguard.New(netguard.Policy{})
	c := cdp.New(cdp.Config{AllowLocalPort: true, ConnectTimeout: 30 * time.Second}, browser.OptionsFrom(cfg).Defaults(), guard)
	defer c.Close()
	m := session.NewManager(session.Config{TTL: time.Minute}, nil, nil, guard, nil, snapshot.New(time.Minute))
	defer m.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	conn, err := c.Connect(ctx, cdp.Options{Port: port})
	require.NoError(t, err)
	assert.Equal(t, cdp.ModeLocalPort, conn.Mode)

	ext, err := c.External(ctx, conn.ID, pool.ContextOptions{})
	require.NoError(t, err)
	info, err := m.Attach(ctx, "ext", ext)
	require.NoError(t, err)
	assert.Equal(t, "cdp:local_port", info.Source)

	page, err := m.Navigate(ctx, info.ID, "ext", session.NavigateOptions{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", page.Title)

	require.NoError(t, m.Close(ctx, info.ID, "ext"))
	assert.Empty(t, c.List())

	// The process is not ours to stop.
	other := rod.New().ControlURL(wsURL)
	require.NoError(t, other.Connect())
	defer other.Close()
	_, err = other.Version()
	require.NoError(t, err)
}
