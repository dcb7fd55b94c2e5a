// Package netguard decides whether the browser may reach a URL: a scheme
// allowlist, an SSRF check against private address space, and operator host
// allow-lists with wildcard subdomain entries.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"browserd/internal/errs"
)

// LookupTimeout bounds the DNS lookup done for a single check.
const LookupTimeout = 5 * time.Second

// verdictTTL is how long a resolved host verdict is reused.
const verdictTTL = 30 * time.Second

// Resolver is the subset of net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy is the mutable part of the guard, reloadable at runtime.
type Policy struct {
	// AllowPrivate disables the private address check entirely.
	AllowPrivate bool
	// AllowedHosts bypass the private address check. Entries are host names,
	// host:port pairs, IP literals, or "*.example.com" wildcards.
	AllowedHosts []string
	// BlockedProtocols removes schemes from the default allowlist.
	BlockedProtocols []string
}

type verdict struct {
	err     error
	expires time.Time
}

// Guard evaluates URLs against a Policy. It is safe for concurrent use.
type Guard struct {
	mu       sync.RWMutex
	policy   Policy
	allowed  HostList
	blocked  map[string]bool
	resolver Resolver

	cacheMu sync.Mutex
	cache   map[string]verdict
	now     func() time.Time
}

// New creates a guard using the system resolver.
func New(p Policy) *Guard {
	return NewWithResolver(p, net.DefaultResolver)
}

// NewWithResolver creates a guard with a custom resolver.
func NewWithResolver(p Policy, r Resolver) *Guard {
	g := &Guard{
		resolver: r,
		cache:    make(map[string]verdict),
		now:      time.Now,
	}
	g.Update(p)
	return g
}

// Update swaps the policy and drops cached verdicts.
func (g *Guard) Update(p Policy) {
	blocked := make(map[string]bool, len(p.BlockedProtocols))
	for _, s := range p.BlockedProtocols {
		blocked[strings.ToLower(strings.TrimSuffix(s, ":"))] = true
	}

	g.mu.Lock()
	g.policy = p
	g.allowed = NewHostList(p.AllowedHosts)
	g.blocked = blocked
	g.mu.Unlock()

	g.cacheMu.Lock()
	g.cache = make(map[string]verdict)
	g.cacheMu.Unlock()
}

// Policy returns a copy of the active policy.
func (g *Guard) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p := g.policy
	p.AllowedHosts = append([]string(nil), g.policy.AllowedHosts...)
	p.BlockedProtocols = append([]string(nil), g.policy.BlockedProtocols...)
	return p
}

// CheckProtocol rejects schemes outside the allowlist without touching the network.
func (g *Guard) CheckProtocol(raw string) (*url.URL, error) {
	u, err := ParseProtocol(raw)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	blocked := g.blocked[u.Scheme]
	g.mu.RUnlock()
	if blocked {
		return nil, errs.Policy("netguard.protocol", "scheme %q is disabled", u.Scheme)
	}
	return u, nil
}

// Check validates a URL the browser is about to load.
func (g *Guard) Check(ctx context.Context, raw string) error {
	u, err := g.CheckProtocol(raw)
	if err != nil {
		return err
	}
	if !NeedsHostCheck(u.Scheme) {
		return nil
	}
	return g.CheckHost(ctx, u.Host)
}

// CheckHost validates a host or host:port against the SSRF rules.
func (g *Guard) CheckHost(ctx context.Context, hostport string) error {
	host, port := splitHostPort(hostport)
	if host == "" {
		return errs.Policy("netguard.host", "empty host")
	}

	g.mu.RLock()
	allowPrivate := g.policy.AllowPrivate
	listed := g.allowed.Contains(host) || (port != "" && g.allowed.Contains(net.JoinHostPort(host, port)))
	g.mu.RUnlock()
	if allowPrivate || listed {
		return nil
	}

	if ip := parseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return errs.Policy("netguard.host", "host %s is a private address", host)
		}
		return nil
	}

	key := strings.ToLower(host)
	if v, ok := g.cached(key); ok {
		return v.err
	}
	err := g.resolve(ctx, host)
	g.store(key, err)
	return err
}

func (g *Guard) resolve(ctx context.Context, host string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		e := errs.Wrap(errs.KindPolicyViolation, "netguard.resolve", err)
		e.Msg = fmt.Sprintf("cannot resolve %q", host)
		return e
	}
	if len(addrs) == 0 {
		return errs.Policy("netguard.resolve", "host %q has no addresses", host)
	}
	// A host with any private address is rejected. Browsers pick their own
	// address from the set, so one public answer is not enough.
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return errs.Policy("netguard.resolve", "host %q resolves to private address %s", host, a.IP)
		}
	}
	return nil
}

func (g *Guard) cached(key string) (verdict, bool) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	v, ok := g.cache[key]
	if !ok || g.now().After(v.expires) {
		return verdict{}, false
	}
	return v, true
}

func (g *Guard) store(key string, err error) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if len(g.cache) > 4096 {
		g.cache = make(map[string]verdict)
	}
	g.cache[key] = verdict{err: err, expires: g.now().Add(verdictTTL)}
}

func splitHostPort(hostport string) (string, string) {
	hostport = strings.TrimSpace(hostport)
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		return strings.TrimSuffix(host, "."), port
	}
	host := strings.TrimPrefix(strings.TrimSuffix(hostport, "]"), "[")
	return strings.TrimSuffix(host, "."), ""
}

func parseIP(host string) net.IP {
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx]
	}
	return net.ParseIP(host)
}
