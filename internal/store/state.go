// Package store exports and imports the storage state of a browsing context
// (cookies, localStorage, sessionStorage) and keeps named profiles of that
// state in SQLite.
package store

import (
	"bytes"
	"encoding/json"
	"math"
	"net/url"
	"sort"
	"strings"

	"browserd/internal/errs"
	"browserd/internal/netguard"
)

// FormatVersion is written into every payload. Decode rejects others.
const FormatVersion = 1

// Cookie is one exported cookie. Expires is whole seconds since the epoch,
// or -1 for a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin holds web storage for one scheme://host[:port].
type Origin struct {
	Origin         string            `json:"origin"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
}

// State is an exported storage snapshot.
type State struct {
	Version int      `json:"version"`
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Encode renders s in its canonical form: cookies ordered by domain, path and
// name, origins by origin, storage keys sorted. Equal states encode to equal
// bytes, and Encode(Decode(b)) == b for any b produced by Encode.
func Encode(s *State) ([]byte, error) {
	c := s.normalized()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, errs.StorageIO("store.encode", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses and validates a payload.
func Decode(data []byte) (*State, error) {
	var s State
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, errs.Invalid("store.decode", "malformed storage payload: %v", err)
	}
	if dec.More() {
		return nil, errs.Invalid("store.decode", "trailing data after storage payload")
	}
	if s.Version != FormatVersion {
		return nil, errs.Invalid("store.decode", "unsupported storage payload version %d", s.Version)
	}
	for i, c := range s.Cookies {
		if c.Name == "" || c.Domain == "" {
			return nil, errs.Invalid("store.decode", "cookie %d needs a name and a domain", i)
		}
		if c.Expires != -1 && (c.Expires < 0 || c.Expires != math.Trunc(c.Expires)) {
			return nil, errs.Invalid("store.decode", "cookie %q has invalid expiry %v", c.Name, c.Expires)
		}
	}
	seen := make(map[string]bool, len(s.Origins))
	for _, o := range s.Origins {
		canon, ok := canonicalOrigin(o.Origin)
		if !ok || canon != o.Origin {
			return nil, errs.Invalid("store.decode", "invalid origin %q", o.Origin)
		}
		if seen[o.Origin] {
			return nil, errs.Invalid("store.decode", "duplicate origin %q", o.Origin)
		}
		seen[o.Origin] = true
	}
	return &s, nil
}

// Scope returns the part of s belonging to domains. An entry matches the
// domain itself and every subdomain; "*.example.com" is accepted as a
// synonym for "example.com". An empty list keeps everything.
func (s *State) Scope(domains []string) *State {
	out := s.normalized()
	if len(domains) == 0 {
		return out
	}
	list := domainList(domains)
	cookies := out.Cookies[:0]
	for _, c := range out.Cookies {
		if list.Contains(strings.TrimPrefix(c.Domain, ".")) {
			cookies = append(cookies, c)
		}
	}
	out.Cookies = cookies
	origins := out.Origins[:0]
	for _, o := range out.Origins {
		if u, err := url.Parse(o.Origin); err == nil && list.Contains(u.Hostname()) {
			origins = append(origins, o)
		}
	}
	out.Origins = origins
	return out
}

// Empty reports whether s carries no cookies and no storage.
func (s *State) Empty() bool {
	return len(s.Cookies) == 0 && len(s.Origins) == 0
}

func (s *State) normalized() *State {
	out := &State{
		Version: FormatVersion,
		Cookies: append([]Cookie{}, s.Cookies...),
		Origins: make([]Origin, 0, len(s.Origins)),
	}
	sort.Slice(out.Cookies, func(i, j int) bool {
		a, b := out.Cookies[i], out.Cookies[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Name < b.Name
	})
	for _, o := range s.Origins {
		if len(o.LocalStorage) == 0 && len(o.SessionStorage) == 0 {
			continue
		}
		out.Origins = append(out.Origins, Origin{
			Origin:         o.Origin,
			LocalStorage:   nonEmpty(o.LocalStorage),
			SessionStorage: nonEmpty(o.SessionStorage),
		})
	}
	sort.Slice(out.Origins, func(i, j int) bool { return out.Origins[i].Origin < out.Origins[j].Origin })
	return out
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func domainList(domains []string) netguard.HostList {
	patterns := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(d), "*."), ".")
		if d != "" {
			patterns = append(patterns, "*."+d)
		}
	}
	return netguard.NewHostList(patterns)
}

// canonicalOrigin reduces an http(s) URL to scheme://host[:port], dropping
// default ports.
func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
