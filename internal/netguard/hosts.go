package netguard

import (
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/idna"
)

// HostList is a normalized host allow-list. Entries are exact hosts,
// host:port pairs, or "*.domain" wildcards. A wildcard matches any depth of
// subdomain and the bare domain itself.
type HostList []string

// NewHostList normalizes entries, dropping those that cannot be parsed.
func NewHostList(entries []string) HostList {
	out := make(HostList, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if n, ok := normalizePattern(e); ok {
			out = append(out, n)
		}
	}
	return out
}

// Contains reports whether host (optionally host:port) is on the list.
func (l HostList) Contains(host string) bool {
	if len(l) == 0 {
		return false
	}
	h, ok := NormalizeHost(host)
	if !ok {
		return false
	}
	for _, pattern := range l {
		if matchHost(pattern, h) {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases and punycode-encodes a host, keeping any port.
func NormalizeHost(host string) (string, bool) {
	host = strings.TrimSpace(host)
	name, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		name, port = h, p
	}
	name = strings.TrimSuffix(strings.Trim(name, "[]"), ".")
	if name == "" {
		return "", false
	}
	if ip := net.ParseIP(name); ip != nil {
		name = ip.String()
	} else {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return "", false
		}
		name = strings.ToLower(ascii)
	}
	if port != "" {
		return net.JoinHostPort(name, port), true
	}
	return name, true
}

func normalizePattern(p string) (string, bool) {
	if rest, ok := strings.CutPrefix(p, "*."); ok {
		n, ok := NormalizeHost(rest)
		if !ok {
			return "", false
		}
		return "*." + n, true
	}
	return NormalizeHost(p)
}

func matchHost(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		if host == rest {
			return true
		}
		matched, err := doublestar.Match(pattern, host)
		return err == nil && matched
	}
	return false
}
