package cdp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/go-resty/resty/v2"
)

// version is the subset of /json/version the connector needs.
type version struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func newDiscoveryClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("Accept", "application/json")
}

// resolveEndpoint turns a caller-supplied endpoint into a browser websocket
// URL. Every host on the way is checked, including the one the discovery
// document points at.
func (c *Connector) resolveEndpoint(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", errs.Invalid("cdp.endpoint", "endpoint %q is not a URL", redact(raw))
	}
	switch u.Scheme {
	case "ws", "wss":
		if u.Path != "" && u.Path != "/" {
			if err := c.checkHost(ctx, u); err != nil {
				return "", err
			}
			return u.String(), nil
		}
		u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	case "http", "https":
	default:
		return "", errs.Invalid("cdp.endpoint", "scheme %q is not supported", u.Scheme)
	}
	if err := c.checkHost(ctx, u); err != nil {
		return "", err
	}
	ws, err := c.discover(ctx, u)
	if err != nil {
		return "", err
	}
	if err := c.checkHost(ctx, ws); err != nil {
		return "", err
	}
	return ws.String(), nil
}

// resolveLocalPort reads the discovery document of a browser listening on a
// loopback port. The allow-list and SSRF rules do not apply; the mode must be
// enabled and the endpoint must stay on loopback.
func (c *Connector) resolveLocalPort(ctx context.Context, port int) (string, error) {
	if !c.cfg.AllowLocalPort {
		logging.Audit().PolicyBlock(fmt.Sprintf("127.0.0.1:%d", port), "local port connections are disabled")
		return "", errs.Policy("cdp.local_port", "local port connections are disabled")
	}
	if port < 1 || port > 65535 {
		return "", errs.Invalid("cdp.local_port", "port %d out of range", port)
	}
	base := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	ws, err := c.discover(ctx, base)
	if err != nil {
		return "", err
	}
	if !isLoopback(ws.Hostname()) {
		return "", errs.Policy("cdp.local_port", "debugger on port %d points at %s", port, ws.Host)
	}
	// Chrome reports the host it was asked on; pin it to the port we checked.
	ws.Host = base.Host
	return ws.String(), nil
}

func (c *Connector) discover(ctx context.Context, base *url.URL) (*url.URL, error) {
	endpoint := base.JoinPath("json", "version").String()
	var v version
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&v).
		ForceContentType("application/json").
		Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("cdp discovery %s: %w", redact(endpoint), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("cdp discovery %s: status %d", redact(endpoint), resp.StatusCode())
	}
	logging.CDPDebug("discovered %s at %s", v.Browser, redact(endpoint))
	return parseWS(v.WebSocketDebuggerURL)
}

// checkHost applies the allow-list, then the SSRF rules unless private
// hosts are permitted.
func (c *Connector) checkHost(ctx context.Context, u *url.URL) error {
	c.mu.RLock()
	allowed, allowPrivate := c.allowed, c.allowPrivate
	c.mu.RUnlock()

	if !allowed.Contains(u.Hostname()) && !allowed.Contains(u.Host) {
		logging.Audit().PolicyBlock(u.Host, "not on the cdp allow-list")
		return errs.Policy("cdp.host", "host %s is not on the allow-list", u.Host)
	}
	if allowPrivate {
		return nil
	}
	if err := c.ssrf.CheckHost(ctx, u.Host); err != nil {
		logging.Audit().PolicyBlock(u.Host, err.Error())
		return err
	}
	return nil
}

func parseWS(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errs.Invalid("cdp.endpoint", "%q is not a websocket debugger URL", redact(raw))
	}
	return u, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// redact drops query strings and credentials, where providers put tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
