// Package cdp attaches sessions to browsers the service does not own: a
// DevTools endpoint, a local debug port, or a remote-browser provider.
package cdp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mode is how a connection found its endpoint.
type Mode string

const (
	ModeEndpoint  Mode = "endpoint"
	ModeLocalPort Mode = "local_port"
	ModeProvider  Mode = "provider"
)

var (
	metricConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "cdp",
		Name:      "connects_total",
		Help:      "Connection attempts by mode and outcome.",
	}, []string{"mode", "result"})
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "cdp",
		Name:      "connections",
		Help:      "Open external browser connections.",
	})
)

// Options selects exactly one endpoint source.
type Options struct {
	Endpoint        string         `json:"endpoint,omitempty"`
	Port            int            `json:"port,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	ProviderOptions map[string]any `json:"providerOptions,omitempty"`
	// Isolated opens sessions in a fresh incognito context instead of the
	// browser's default one.
	Isolated bool `json:"isolated,omitempty"`
}

func (o Options) mode() (Mode, error) {
	var modes []Mode
	if o.Endpoint != "" {
		modes = append(modes, ModeEndpoint)
	}
	if o.Port != 0 {
		modes = append(modes, ModeLocalPort)
	}
	if o.Provider != "" {
		modes = append(modes, ModeProvider)
	}
	switch len(modes) {
	case 0:
		return "", errs.Invalid("cdp.connect", "one of endpoint, port or provider is required")
	case 1:
		return modes[0], nil
	default:
		return "", errs.Invalid("cdp.connect", "endpoint, port and provider are mutually exclusive")
	}
}

// Connection is one live protocol connection to an external browser.
type Connection struct {
	ID                string    `json:"id"`
	Mode              Mode      `json:"mode"`
	Host              string    `json:"host"`
	Provider          string    `json:"provider,omitempty"`
	ProviderSessionID string    `json:"providerSessionId,omitempty"`
	Isolated          bool      `json:"isolated,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`

	instance *browser.Instance
	provider *providerClient
	once     sync.Once
}

// Config holds the connector settings.
type Config struct {
	AllowedHosts   []string
	AllowPrivate   bool
	AllowLocalPort bool
	ConnectTimeout time.Duration
	Providers      map[string]config.ProviderConfig
	// Resolver overrides DNS for the SSRF check.
	Resolver netguard.Resolver
}

// ConfigFrom extracts connector settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		AllowedHosts:   c.CDP.AllowedHosts,
		AllowPrivate:   c.CDP.AllowPrivate,
		AllowLocalPort: c.CDP.AllowLocalPort,
		ConnectTimeout: c.GetConnectTimeout(),
		Providers:      c.CDP.Providers,
	}
}

// Connector owns every external connection.
type Connector struct {
	cfg       Config
	defaults  browser.Defaults
	pageGuard *netguard.Guard
	ssrf      *netguard.Guard
	http      *resty.Client
	providers map[string]*providerClient

	mu           sync.RWMutex
	allowed      netguard.HostList
	allowPrivate bool
	conns        map[string]*Connection

	now func() time.Time
}

// New creates a connector. pageGuard polices navigation inside attached
// contexts, the same way it does for pooled ones.
func New(cfg Config, defaults browser.Defaults, pageGuard *netguard.Guard) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	var resolver netguard.Resolver = net.DefaultResolver
	if cfg.Resolver != nil {
		resolver = cfg.Resolver
	}
	c := &Connector{
		cfg:          cfg,
		defaults:     defaults,
		pageGuard:    pageGuard,
		ssrf:         netguard.NewWithResolver(netguard.Policy{}, resolver),
		http:         newDiscoveryClient(cfg.ConnectTimeout),
		providers:    make(map[string]*providerClient, len(cfg.Providers)),
		allowed:      netguard.NewHostList(cfg.AllowedHosts),
		allowPrivate: cfg.AllowPrivate,
		conns:        make(map[string]*Connection),
		now:          time.Now,
	}
	for name, p := range cfg.Providers {
		c.providers[name] = newProviderClient(name, p)
	}
	return c
}

// UpdatePolicy swaps the host allow-list and the private-host switch.
// Open connections are not re-checked.
func (c *Connector) UpdatePolicy(allowedHosts []string, allowPrivate bool) {
	c.mu.Lock()
	c.allowed = netguard.NewHostList(allowedHosts)
	c.allowPrivate = allowPrivate
	c.mu.Unlock()
	logging.CDP("policy updated: %d allowed hosts, allow_private=%v", len(allowedHosts), allowPrivate)
}

// Connect resolves the endpoint, checks it against policy and dials it.
func (c *Connector) Connect(ctx context.Context, opts Options) (*Connection, error) {
	mode, err := opts.mode()
	if err != nil {
		return nil, err
	}
	conn, err := c.connect(ctx, mode, opts)
	if err != nil {
		metricConnects.WithLabelValues(string(mode), "failure").Inc()
		logging.Audit().CDPConnect(string(mode), describe(opts), false, err.Error())
		return nil, err
	}
	metricConnects.WithLabelValues(string(mode), "success").Inc()
	metricConnections.Inc()
	logging.Audit().CDPConnect(string(mode), conn.Host, true, "")
	logging.CDP("connected %s via %s to %s", conn.ID, mode, conn.Host)
	return conn, nil
}

func (c *Connector) connect(ctx context.Context, mode Mode, opts Options) (*Connection, error) {
	conn := &Connection{
		ID:       uuid.NewString(),
		Mode:     mode,
		Isolated: opts.Isolated,
	}

	var wsURL string
	var err error
	switch mode {
	case ModeEndpoint:
		wsURL, err = c.resolveEndpoint(ctx, opts.Endpoint)
	case ModeLocalPort:
		wsURL, err = c.resolveLocalPort(ctx, opts.Port)
	case ModeProvider:
		wsURL, err = c.createProviderSession(ctx, conn, opts)
	}
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(wsURL)
	conn.Host = u.Host

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	b, stop, err := browser.Connect(dialCtx, wsURL)
	if err != nil {
		if conn.provider != nil {
			c.terminate(conn)
		}
		return nil, fmt.Errorf("cdp connect %s: %w", redact(wsURL), err)
	}
	conn.instance = browser.NewInstance(b, stop, c.defaults, c.pageGuard)
	conn.ConnectedAt = c.now()

	c.mu.Lock()
	c.conns[conn.ID] = conn
	c.mu.Unlock()
	go c.watch(conn)
	return conn, nil
}

func (c *Connector) createProviderSession(ctx context.Context, conn *Connection, opts Options) (string, error) {
	p, ok := c.providers[opts.Provider]
	if !ok {
		return "", errs.NotFound("cdp.provider", "provider %q is not configured", opts.Provider)
	}
	ps, err := p.create(ctx, opts.ProviderOptions)
	if err != nil {
		return "", err
	}
	conn.Provider = p.name
	conn.ProviderSessionID = ps.ID
	conn.provider = p

	u, err := parseWS(ps.endpoint())
	if err == nil {
		err = c.checkHost(ctx, u)
	}
	if err != nil {
		c.terminate(conn)
		return "", err
	}
	return u.String(), nil
}

// watch releases a connection whose websocket dropped on its own.
func (c *Connector) watch(conn *Connection) {
	<-conn.instance.Disconnected()
	c.mu.RLock()
	_, open := c.conns[conn.ID]
	c.mu.RUnlock()
	if open {
		logging.CDPWarn("connection %s to %s dropped", conn.ID, conn.Host)
	}
	_ = c.release(context.Background(), conn)
}

// Get returns an open connection.
func (c *Connector) Get(id string) (*Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[id]
	if !ok {
		return nil, errs.NotFound("cdp", "connection %s not found", id)
	}
	return conn, nil
}

// List returns open connections, oldest first.
func (c *Connector) List() []*Connection {
	c.mu.RLock()
	out := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CreateContext opens a browser context on the connection with the given
// emulation. Non-isolated connections share the browser's default context,
// so its existing pages are visible; closing that context leaves it intact.
func (c *Connector) CreateContext(ctx context.Context, id string, opts pool.ContextOptions) (pool.Context, error) {
	conn, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	emu, err := browser.ResolveEmulation(opts, c.defaults)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := conn.instance.Browser().Context(ctx)
	dispose := false
	if conn.Isolated {
		if b, err = b.Incognito(); err != nil {
			return nil, fmt.Errorf("incognito context: %w", err)
		}
		dispose = true
	}
	if err := browser.GrantPermissions(b, emu.Permissions, ""); err != nil {
		if dispose {
			_ = b.Close()
		}
		return nil, err
	}
	return browser.NewContext(b.Context(context.Background()), opts, emu, c.pageGuard, dispose), nil
}

// External creates a context and packages it for session.Manager.Attach.
// Detaching the session disconnects.
func (c *Connector) External(ctx context.Context, id string, opts pool.ContextOptions) (session.External, error) {
	bctx, err := c.CreateContext(ctx, id, opts)
	if err != nil {
		return session.External{}, err
	}
	conn, err := c.Get(id)
	if err != nil {
		_ = bctx.Close()
		return session.External{}, err
	}
	source := "cdp:" + string(conn.Mode)
	if conn.Provider != "" {
		source += ":" + conn.Provider
	}
	return session.External{
		Context: bctx,
		Source:  source,
		Detach: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			defer cancel()
			return c.Disconnect(ctx, id)
		},
	}, nil
}

// Disconnect closes the local protocol connection, leaving the remote
// browser running, and ends the provider session if there is one.
func (c *Connector) Disconnect(ctx context.Context, id string) error {
	conn, err := c.Get(id)
	if err != nil {
		return err
	}
	return c.release(ctx, conn)
}

func (c *Connector) release(ctx context.Context, conn *Connection) error {
	var err error
	conn.once.Do(func() {
		c.mu.Lock()
		delete(c.conns, conn.ID)
		c.mu.Unlock()

		_ = conn.instance.Close()
		if conn.provider != nil {
			err = conn.provider.terminate(ctx, conn.ProviderSessionID)
		}
		metricConnections.Dec()
		logging.Audit().CDPDisconnect(string(conn.Mode), conn.Host, c.now().Sub(conn.ConnectedAt))
		logging.CDP("disconnected %s from %s", conn.ID, conn.Host)
	})
	return err
}

// terminate ends a provider session for a connection that never opened.
func (c *Connector) terminate(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.provider.terminate(ctx, conn.ProviderSessionID); err != nil {
		logging.CDPWarn("provider %s: end session %s: %v", conn.Provider, conn.ProviderSessionID, err)
	}
}

// Close disconnects everything.
func (c *Connector) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	for _, conn := range c.List() {
		if err := c.release(ctx, conn); err != nil {
			logging.CDPWarn("close %s: %v", conn.ID, err)
		}
	}
}

func describe(o Options) string {
	switch {
	case o.Endpoint != "":
		return redact(o.Endpoint)
	case o.Port != 0:
		return fmt.Sprintf("127.0.0.1:%d", o.Port)
	default:
		return "provider:" + o.Provider
	}
}
