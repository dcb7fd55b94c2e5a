package store

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"browserd/internal/logging"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const dumpStorageJS = `() => {
	const dump = (name) => {
		const out = {};
		try {
			const s = window[name];
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				out[k] = s.getItem(k);
			}
		} catch (e) {}
		return out;
	};
	return JSON.stringify({origin: location.origin, local: dump("localStorage"), session: dump("sessionStorage")});
}`

const restoreStorageJS = `(local, session) => {
	const l = JSON.parse(local || "{}");
	Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
	const s = JSON.parse(session || "{}");
	Object.entries(s).forEach(([k, v]) => sessionStorage.setItem(k, v));
}`

// scratchTimeout bounds loading a blank document for an origin no tab has
// open.
const scratchTimeout = 10 * time.Second

type pageDump struct {
	Origin  string            `json:"origin"`
	Local   map[string]string `json:"local"`
	Session map[string]string `json:"session"`
}

// capture reads every cookie in bctx and web storage for the origins its
// pages have open. When tabs share an origin the first tab's sessionStorage
// is kept.
func capture(ctx context.Context, bctx pool.Context, pages []*rod.Page) (*State, error) {
	b := bctx.Browser()
	if b == nil {
		return nil, errNoBrowser
	}
	res, err := proto.StorageGetCookies{BrowserContextID: b.BrowserContextID}.Call(b.Context(ctx))
	if err != nil {
		return nil, err
	}
	st := &State{Version: FormatVersion}
	for _, c := range res.Cookies {
		st.Cookies = append(st.Cookies, fromProto(c))
	}

	seen := make(map[string]bool)
	for _, p := range pages {
		d, err := dumpPage(ctx, p)
		if err != nil {
			logging.StoreDebug("skip storage of page %s: %v", p.TargetID, err)
			continue
		}
		origin, ok := canonicalOrigin(d.Origin)
		if !ok || seen[origin] {
			continue
		}
		seen[origin] = true
		st.Origins = append(st.Origins, Origin{Origin: origin, LocalStorage: d.Local, SessionStorage: d.Session})
	}
	return st, nil
}

func dumpPage(ctx context.Context, p *rod.Page) (*pageDump, error) {
	res, err := p.Context(ctx).Evaluate(rod.Eval(dumpStorageJS))
	if err != nil {
		return nil, err
	}
	var d pageDump
	if err := json.Unmarshal([]byte(res.Value.Str()), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// apply writes st into bctx. Storage for an origin one of pages has open is
// written there; any other origin's localStorage goes through a scratch tab
// whose requests are answered locally, so nothing leaves the browser. The
// sessionStorage of such origins is dropped since it would die with the tab.
func apply(ctx context.Context, bctx pool.Context, pages []*rod.Page, st *State) error {
	b := bctx.Browser()
	if b == nil {
		return errNoBrowser
	}
	if len(st.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(st.Cookies))
		for _, c := range st.Cookies {
			params = append(params, toProto(c))
		}
		err := proto.StorageSetCookies{Cookies: params, BrowserContextID: b.BrowserContextID}.Call(b.Context(ctx))
		if err != nil {
			return err
		}
	}

	open := make(map[string]*rod.Page)
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if origin, ok := canonicalOrigin(info.URL); ok {
			if _, dup := open[origin]; !dup {
				open[origin] = p
			}
		}
	}

	var pending []Origin
	for _, o := range st.Origins {
		p, ok := open[o.Origin]
		if !ok {
			pending = append(pending, o)
			continue
		}
		if err := restorePage(ctx, p, o.LocalStorage, o.SessionStorage); err != nil {
			return err
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return restoreScratch(ctx, b, pending)
}

func restoreScratch(ctx context.Context, b *rod.Browser, origins []Origin) error {
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return err
	}
	defer func() {
		if err := page.Close(); err != nil {
			logging.StoreDebug("close scratch page: %v", err)
		}
	}()

	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		h.Response.SetHeader("Content-Type", "text/html")
		h.Response.SetBody("<!doctype html><title></title>")
	}); err != nil {
		return err
	}
	go router.Run()
	defer func() { _ = router.Stop() }()

	dropped := 0
	for _, o := range origins {
		if len(o.LocalStorage) == 0 {
			dropped += len(o.SessionStorage)
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, scratchTimeout)
		p := page.Context(nctx)
		err := p.Navigate(o.Origin + "/")
		if err == nil {
			err = p.WaitLoad()
		}
		if err == nil {
			err = restorePage(nctx, page, o.LocalStorage, nil)
		}
		cancel()
		if err != nil {
			return err
		}
		dropped += len(o.SessionStorage)
	}
	if dropped > 0 {
		logging.StoreDebug("dropped %d sessionStorage items for origins with no open tab", dropped)
	}
	return nil
}

func restorePage(ctx context.Context, p *rod.Page, local, session map[string]string) error {
	l, err := json.Marshal(local)
	if err != nil {
		return err
	}
	s, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = p.Context(ctx).Evaluate(rod.Eval(restoreStorageJS, string(l), string(s)).ByUser())
	return err
}

// fromProto truncates the expiry to whole seconds so a cookie set from an
// export reads back with the same value.
func fromProto(c *proto.NetworkCookie) Cookie {
	expires := float64(-1)
	if !c.Session && c.Expires > 0 {
		expires = math.Trunc(float64(c.Expires))
	}
	return Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
}

func toProto(c Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
	}
	if c.Expires > 0 {
		p.Expires = proto.TimeSinceEpoch(c.Expires)
	}
	return p
}

// sortedOrigins lists the origins in st, for logging.
func sortedOrigins(st *State) []string {
	out := make([]string, 0, len(st.Origins))
	for _, o := range st.Origins {
		out = append(out, o.Origin)
	}
	sort.Strings(out)
	return out
}
