package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/netguard"
	"browserd/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]string

func (r fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.IPAddr{IP: net.ParseIP(a)})
	}
	return out, nil
}

func newTestConnector(cfg Config) *Connector {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	return New(cfg, browser.Defaults{}, netguard.NewWithResolver(netguard.Policy{}, fakeResolver{}))
}

// discoveryServer serves /json/version pointing at ws.
func discoveryServer(t *testing.T, ws func(host string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "HeadlessChrome/126.0",
			"webSocketDebuggerUrl": ws(r.Host),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestOptionsMode(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want Mode
		ok   bool
	}{
		{"endpoint", Options{Endpoint: "ws://h/devtools/browser/1"}, ModeEndpoint, true},
		{"port", Options{Port: 9222}, ModeLocalPort, true},
		{"provider", Options{Provider: "acme"}, ModeProvider, true},
		{"none", Options{}, "", false},
		{"two", Options{Endpoint: "ws://h", Port: 9222}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.mode()
			if !tt.ok {
				require.ErrorIs(t, err, errs.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectEnforcesHostPolicy(t *testing.T) {
	resolver := fakeResolver{
		"chrome.browsers.test": {"10.1.2.3"},
		"edge.browsers.test":   {"203.0.113.7", "192.168.1.4"},
	}
	tests := []struct {
		name     string
		endpoint string
		want     error
	}{
		{"off the allow-list", "ws://evil.test:9222/devtools/browser/x", errs.ErrPolicyViolation},
		{"resolves private", "ws://chrome.browsers.test:9222/devtools/browser/x", errs.ErrPolicyViolation},
		{"any private address", "wss://edge.browsers.test/devtools/browser/x", errs.ErrPolicyViolation},
		{"loopback literal", "ws://127.0.0.1:9222/devtools/browser/x", errs.ErrPolicyViolation},
		{"bad scheme", "ftp://chrome.browsers.test/", errs.ErrInvalidArgument},
		{"not a url", "::nope", errs.ErrInvalidArgument},
	}
	c := newTestConnector(Config{AllowedHosts: []string{"*.browsers.test", "127.0.0.1"}, Resolver: resolver})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := c.Connect(context.Background(), Options{Endpoint: tt.endpoint})
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, conn)
		})
	}
	assert.Empty(t, c.List())
}

func TestAllowPrivateSkipsOnlySSRF(t *testing.T) {
	c := newTestConnector(Config{AllowedHosts: []string{"chrome.browsers.test"}, AllowPrivate: true})
	ctx := context.Background()

	ok, _ := url.Parse("ws://chrome.browsers.test:9222/devtools/browser/x")
	require.NoError(t, c.checkHost(ctx, ok))

	off, _ := url.Parse("ws://10.0.0.1:9222/devtools/browser/x")
	require.ErrorIs(t, c.checkHost(ctx, off), errs.ErrPolicyViolation)

	c.UpdatePolicy([]string{"10.0.0.1"}, true)
	require.NoError(t, c.checkHost(ctx, off))
	require.ErrorIs(t, c.checkHost(ctx, ok), errs.ErrPolicyViolation)
}

func TestLocalPort(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		c := newTestConnector(Config{})
		_, err := c.Connect(ctx, Options{Port: 9222})
		require.ErrorIs(t, err, errs.ErrPolicyViolation)
	})

	t.Run("out of range", func(t *testing.T) {
		c := newTestConnector(Config{AllowLocalPort: true})
		_, err := c.Connect(ctx, Options{Port: 70000})
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
	})

	t.Run("pins loopback", func(t *testing.T) {
		srv := discoveryServer(t, func(string) string { return "ws://localhost/devtools/browser/abc" })
		port := serverPort(t, srv)
		c := newTestConnector(Config{AllowLocalPort: true})
		ws, err := c.resolveLocalPort(ctx, port)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/abc", port), ws)
	})

	t.Run("refuses remote debugger", func(t *testing.T) {
		srv := discoveryServer(t, func(string) string { return "ws://203.0.113.9:9222/devtools/browser/abc" })
		c := newTestConnector(Config{AllowLocalPort: true})
		_, err := c.resolveLocalPort(ctx, serverPort(t, srv))
		require.ErrorIs(t, err, errs.ErrPolicyViolation)
	})
}

func TestResolveEndpoint(t *testing.T) {
	ctx := context.Background()
	cfg := Config{AllowedHosts: []string{"127.0.0.1"}, AllowPrivate: true}

	t.Run("websocket passes through", func(t *testing.T) {
		c := newTestConnector(cfg)
		ws, err := c.resolveEndpoint(ctx, "ws://127.0.0.1:9222/devtools/browser/abc?token=s3cret")
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc?token=s3cret", ws)
	})

	t.Run("http is discovered", func(t *testing.T) {
		srv := discoveryServer(t, func(host string) string { return "ws://" + host + "/devtools/browser/abc" })
		c := newTestConnector(cfg)
		ws, err := c.resolveEndpoint(ctx, srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "ws://"+srv.Listener.Addr().String()+"/devtools/browser/abc", ws)
	})

	t.Run("bare websocket is discovered", func(t *testing.T) {
		srv := discoveryServer(t, func(host string) string { return "ws://" + host + "/devtools/browser/abc" })
		c := newTestConnector(cfg)
		ws, err := c.resolveEndpoint(ctx, "ws://"+srv.Listener.Addr().String())
		require.NoError(t, err)
		assert.Contains(t, ws, "/devtools/browser/abc")
	})

	t.Run("discovered host is checked", func(t *testing.T) {
		srv := discoveryServer(t, func(string) string { return "ws://elsewhere.test/devtools/browser/abc" })
		c := newTestConnector(cfg)
		_, err := c.resolveEndpoint(ctx, srv.URL)
		require.ErrorIs(t, err, errs.ErrPolicyViolation)
	})

	t.Run("redirects are not followed", func(t *testing.T) {
		srv := httptest.NewServer(http.RedirectHandler("http://10.0.0.1/json/version", http.StatusFound))
		defer srv.Close()
		c := newTestConnector(cfg)
		_, err := c.resolveEndpoint(ctx, srv.URL)
		require.Error(t, err)
	})
}

// fakeProvider implements the provider session API.
type fakeProvider struct {
	mu      sync.Mutex
	connect string
	auth    []string
	created []map[string]any
	deleted []string
	status  int
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"message":"quota exceeded"}`))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body)
		_, _ = w.Write([]byte(fmt.Sprintf(`{"id":"p-%d","connectUrl":%q}`, len(f.created), f.connect)))
	case r.Method == http.MethodDelete:
		f.deleted = append(f.deleted, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newProviderConnector(t *testing.T, f *fakeProvider, allowed ...string) *Connector {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return newTestConnector(Config{
		AllowedHosts: allowed,
		AllowPrivate: true,
		Providers: map[string]config.ProviderConfig{
			"acme": {BaseURL: srv.URL + "/v1", APIKey: "k-123", Timeout: "2s"},
		},
	})
}

func TestProviderSessionEndsWhenDialFails(t *testing.T) {
	f := &fakeProvider{connect: "ws://127.0.0.1:1/devtools/browser/x?apiKey=secret"}
	c := newProviderConnector(t, f, "127.0.0.1")

	_, err := c.Connect(context.Background(), Options{Provider: "acme", ProviderOptions: map[string]any{"region": "eu"}})
	require.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 1)
	assert.Equal(t, map[string]any{"options": map[string]any{"region": "eu"}}, f.created[0])
	assert.Equal(t, []string{"/v1/sessions/p-1"}, f.deleted)
	for _, a := range f.auth {
		assert.Equal(t, "Bearer k-123", a)
	}
}

func TestProviderEndpointMustBeAllowed(t *testing.T) {
	f := &fakeProvider{connect: "wss://rogue.test/devtools/browser/x"}
	c := newProviderConnector(t, f, "*.acme.test")

	_, err := c.Connect(context.Background(), Options{Provider: "acme"})
	require.ErrorIs(t, err, errs.ErrPolicyViolation)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"/v1/sessions/p-1"}, f.deleted)
}

func TestProviderErrors(t *testing.T) {
	f := &fakeProvider{status: http.StatusTooManyRequests}
	c := newProviderConnector(t, f, "*.acme.test")

	_, err := c.Connect(context.Background(), Options{Provider: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	_, err = c.Connect(context.Background(), Options{Provider: "other"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProviderTerminateToleratesUnknownSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions/gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	p := newProviderClient("acme", config.ProviderConfig{BaseURL: srv.URL})

	require.NoError(t, p.terminate(context.Background(), "gone"))
	require.Error(t, p.terminate(context.Background(), "broken"))
}

func TestDisconnectUnknown(t *testing.T) {
	c := newTestConnector(Config{})
	require.ErrorIs(t, c.Disconnect(context.Background(), "nope"), errs.ErrNotFound)
	_, err := c.External(context.Background(), "nope", pool.ContextOptions{})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "wss://h.test/devtools/browser/1", redact("wss://user:pw@h.test/devtools/browser/1?token=abc#x"))
	assert.Equal(t, "<invalid url>", redact("::"))
}
