package main

import (
	"context"
	"fmt"

	"browserd/internal/action"
	"browserd/internal/browser"
	"browserd/internal/cdp"
	"browserd/internal/config"
	"browserd/internal/intercept"
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"
	"browserd/internal/store"
	"browserd/internal/stream"
)

// app is the wired runtime shared by serve and run.
type app struct {
	cfg        *config.Config
	guard      *netguard.Guard
	pool       *pool.Pool
	intercept  *intercept.Interceptor
	snapshots  *snapshot.Engine
	sessions   *session.Manager
	dispatcher *action.Dispatcher
	connector  *cdp.Connector
	relay      *stream.Relay
	profiles   *store.Profiles
	storage    *store.Service
}

func policyFrom(c *config.Config) netguard.Policy {
	return netguard.Policy{
		AllowPrivate:     c.Network.AllowPrivate,
		AllowedHosts:     c.Network.AllowedHosts,
		BlockedProtocols: c.Network.BlockedProtocols,
	}
}

// newApp wires every component. Nothing is started: no browser is launched
// until the pool warms up or a session asks for one.
func newApp(c *config.Config) (*app, error) {
	a := &app{cfg: c}
	a.guard = netguard.New(policyFrom(c))

	opts := browser.OptionsFrom(c)
	a.pool = pool.New(pool.ConfigFrom(c), browser.NewFactory(opts, a.guard))
	a.intercept = intercept.New(a.guard, c.Network.HistorySize)
	a.snapshots = snapshot.New(c.GetSnapshotCacheTTL())
	a.sessions = session.NewManager(session.ConfigFrom(c), a.pool, nil, a.guard, a.intercept, a.snapshots)
	a.dispatcher = action.NewDispatcher(action.ConfigFrom(c), a.sessions, a.guard)
	a.connector = cdp.New(cdp.ConfigFrom(c), opts.Defaults(), a.guard)
	a.relay = stream.NewRelay(stream.ConfigFrom(c),
		a.sessions,
		stream.NewTokens(c.Stream.Secret, c.Stream.PublicURL, c.GetTokenTTL()),
		nil)

	profiles, err := store.OpenProfiles(c.Storage.DatabasePath)
	if err != nil {
		_ = a.pool.Close()
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	a.profiles = profiles
	a.storage = store.NewService(a.sessions, profiles)

	a.sessions.OnClose(a.dispatcher.Purge)
	a.sessions.OnClose(a.relay.CleanupSession)
	return a, nil
}

// start launches background sweeps and warms the pool.
func (a *app) start(ctx context.Context) {
	a.pool.Start(ctx)
	a.sessions.Start()
	a.relay.Start()
}

// reload applies the parts of a changed config that can change at runtime.
func (a *app) reload(c *config.Config) {
	if err := c.Validate(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("ignoring invalid config change: %v", err)
		return
	}
	a.guard.Update(policyFrom(c))
	a.connector.UpdatePolicy(c.CDP.AllowedHosts, c.CDP.AllowPrivate)
	logging.SetCategories(c.Logging.Categories)
	logging.Get(logging.CategoryConfig).Info("applied config change: %d network hosts, %d cdp hosts",
		len(c.Network.AllowedHosts), len(c.CDP.AllowedHosts))
}

// close tears down in reverse dependency order. Each step is attempted even
// if an earlier one fails.
func (a *app) close(ctx context.Context) {
	a.relay.Shutdown()
	if err := a.sessions.Shutdown(ctx); err != nil {
		logging.BootWarn("session shutdown: %v", err)
	}
	a.connector.Close()
	if err := a.pool.Close(); err != nil {
		logging.BootWarn("pool shutdown: %v", err)
	}
	if err := a.profiles.Close(); err != nil {
		logging.BootWarn("profile store close: %v", err)
	}
}
