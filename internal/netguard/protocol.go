package netguard

import (
	"net"
	"net/url"
	"strings"

	"browserd/internal/errs"
)

// allowedSchemes is the protocol allowlist applied to every page request.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
	"about": true,
	"data":  true,
	"blob":  true,
}

// privateRanges is parsed once at init.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"169.254.0.0/16", // link-local / cloud metadata
		"100.64.0.0/10",  // carrier-grade NAT
		"0.0.0.0/8",      // unspecified (routes to localhost)
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
		"64:ff9b::/96",   // NAT64, can embed private IPv4
	} {
		_, ipNet, _ := net.ParseCIDR(cidr)
		privateRanges = append(privateRanges, ipNet)
	}
}

// IsPrivateIP returns true if the IP is loopback, private, link-local, or unspecified.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseProtocol parses raw and rejects schemes outside the allowlist.
func ParseProtocol(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.Policy("netguard.protocol", "empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Policy("netguard.protocol", "malformed url %q", truncate(raw))
	}
	scheme := strings.ToLower(u.Scheme)
	if !allowedSchemes[scheme] {
		if scheme == "" {
			return nil, errs.Policy("netguard.protocol", "url %q has no scheme", truncate(raw))
		}
		return nil, errs.Policy("netguard.protocol", "scheme %q is not allowed", scheme)
	}
	u.Scheme = scheme
	return u, nil
}

// NeedsHostCheck reports whether requests with this scheme reach a network host.
func NeedsHostCheck(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
