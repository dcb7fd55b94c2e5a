package browser

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"browserd/internal/errs"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Region is the locale bundle implied by a region hint.
type Region struct {
	Locale         string
	Timezone       string
	AcceptLanguage string
}

var regions = map[string]Region{
	"us": {"en-US", "America/New_York", "en-US,en;q=0.9"},
	"gb": {"en-GB", "Europe/London", "en-GB,en;q=0.9"},
	"de": {"de-DE", "Europe/Berlin", "de-DE,de;q=0.9,en;q=0.8"},
	"fr": {"fr-FR", "Europe/Paris", "fr-FR,fr;q=0.9,en;q=0.8"},
	"es": {"es-ES", "Europe/Madrid", "es-ES,es;q=0.9,en;q=0.8"},
	"it": {"it-IT", "Europe/Rome", "it-IT,it;q=0.9,en;q=0.8"},
	"nl": {"nl-NL", "Europe/Amsterdam", "nl-NL,nl;q=0.9,en;q=0.8"},
	"jp": {"ja-JP", "Asia/Tokyo", "ja-JP,ja;q=0.9,en;q=0.8"},
	"kr": {"ko-KR", "Asia/Seoul", "ko-KR,ko;q=0.9,en;q=0.8"},
	"cn": {"zh-CN", "Asia/Shanghai", "zh-CN,zh;q=0.9,en;q=0.8"},
	"in": {"en-IN", "Asia/Kolkata", "en-IN,en;q=0.9,hi;q=0.8"},
	"br": {"pt-BR", "America/Sao_Paulo", "pt-BR,pt;q=0.9,en;q=0.8"},
	"ca": {"en-CA", "America/Toronto", "en-CA,en;q=0.9,fr-CA;q=0.8"},
	"au": {"en-AU", "Australia/Sydney", "en-AU,en;q=0.9"},
	"sg": {"en-SG", "Asia/Singapore", "en-SG,en;q=0.9,zh;q=0.8"},
}

// LookupRegion returns the bundle for a two-letter region hint.
func LookupRegion(code string) (Region, bool) {
	r, ok := regions[strings.ToLower(strings.TrimSpace(code))]
	return r, ok
}

// Regions lists the supported region hints.
func Regions() []string {
	out := make([]string, 0, len(regions))
	for k := range regions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var devicePresets = map[string]devices.Device{
	"iphone-x":     devices.IPhoneX,
	"iphone-8":     devices.IPhone6or7or8,
	"iphone-se":    devices.IPhone5orSE,
	"pixel-2":      devices.Pixel2,
	"pixel-2-xl":   devices.Pixel2XL,
	"galaxy-s5":    devices.GalaxyS5,
	"galaxy-fold":  devices.GalaxyFold,
	"ipad":         devices.IPad,
	"ipad-mini":    devices.IPadMini,
	"ipad-pro":     devices.IPadPro,
	"nexus-7":      devices.Nexus7,
	"surface-duo":  devices.SurfaceDuo,
	"moto-g4":      devices.MotoG4,
	"laptop-hidpi": devices.LaptopWithHiDPIScreen,
	"laptop-mdpi":  devices.LaptopWithMDPIScreen,
	"laptop-touch": devices.LaptopWithTouch,
}

// LookupDevice resolves a preset name. A "-landscape" suffix rotates it.
func LookupDevice(name string) (devices.Device, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	base, landscape := strings.CutSuffix(name, "-landscape")
	d, ok := devicePresets[base]
	if !ok {
		return devices.Device{}, false
	}
	if landscape {
		d = d.Landscape()
	}
	return d, true
}

var permissionAliases = map[string]proto.BrowserPermissionType{
	"geolocation":      proto.BrowserPermissionTypeGeolocation,
	"notifications":    proto.BrowserPermissionTypeNotifications,
	"camera":           proto.BrowserPermissionTypeVideoCapture,
	"microphone":       proto.BrowserPermissionTypeAudioCapture,
	"clipboard-read":   proto.BrowserPermissionTypeClipboardReadWrite,
	"clipboard-write":  proto.BrowserPermissionTypeClipboardSanitizedWrite,
	"midi":             proto.BrowserPermissionTypeMidi,
	"midi-sysex":       proto.BrowserPermissionTypeMidiSysex,
	"background-sync":  proto.BrowserPermissionTypeBackgroundSync,
	"sensors":          proto.BrowserPermissionTypeSensors,
	"payment-handler":  proto.BrowserPermissionTypePaymentHandler,
	"storage-access":   proto.BrowserPermissionTypeStorageAccess,
	"idle-detection":   proto.BrowserPermissionTypeIdleDetection,
	"local-fonts":      proto.BrowserPermissionTypeLocalFonts,
	"screen-wake-lock": proto.BrowserPermissionTypeWakeLockScreen,
}

// ParsePermissions maps caller permission names onto protocol permission types.
func ParsePermissions(names []string) ([]proto.BrowserPermissionType, error) {
	out := make([]proto.BrowserPermissionType, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		p, ok := permissionAliases[key]
		if !ok {
			return nil, errs.Invalid("permissions", "unknown permission %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}

// Emulation is the resolved per-page environment for a context.
type Emulation struct {
	Locale         string
	Timezone       string
	AcceptLanguage string
	UserAgent      string
	Headers        map[string]string
	Device         *devices.Device
	Viewport       pool.Viewport
	Geolocation    *pool.Geolocation
	ColorScheme    string
	Permissions    []proto.BrowserPermissionType
	Offline        bool
	Stealth        bool
}

func (e Emulation) clone() Emulation {
	out := e
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	if e.Geolocation != nil {
		g := *e.Geolocation
		out.Geolocation = &g
	}
	out.Permissions = append([]proto.BrowserPermissionType(nil), e.Permissions...)
	return out
}

// Defaults fill in what the options leave unset.
type Defaults struct {
	Viewport pool.Viewport
	Stealth  bool
}

// ResolveEmulation merges a region hint with explicit options. Explicit
// locale and timezone win over the region.
func ResolveEmulation(opts pool.ContextOptions, def Defaults) (Emulation, error) {
	e := Emulation{
		Locale:      opts.Locale,
		Timezone:    opts.Timezone,
		UserAgent:   opts.UserAgent,
		Viewport:    def.Viewport,
		Geolocation: opts.Geolocation,
		Stealth:     def.Stealth,
	}
	if opts.Stealth != nil {
		e.Stealth = *opts.Stealth
	}

	if opts.Region != "" {
		r, ok := LookupRegion(opts.Region)
		if !ok {
			return Emulation{}, errs.Invalid("emulation", "unknown region %q", opts.Region)
		}
		if e.Locale == "" {
			e.Locale = r.Locale
		}
		if e.Timezone == "" {
			e.Timezone = r.Timezone
		}
		e.AcceptLanguage = r.AcceptLanguage
	}
	if e.AcceptLanguage == "" && e.Locale != "" {
		lang, _, _ := strings.Cut(e.Locale, "-")
		if lang != e.Locale {
			e.AcceptLanguage = fmt.Sprintf("%s,%s;q=0.9", e.Locale, lang)
		} else {
			e.AcceptLanguage = e.Locale
		}
	}

	if opts.Device != "" {
		d, ok := LookupDevice(opts.Device)
		if !ok {
			return Emulation{}, errs.Invalid("emulation", "unknown device %q", opts.Device)
		}
		e.Device = &d
	}
	if opts.Viewport != nil {
		if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
			return Emulation{}, errs.Invalid("emulation", "viewport must be positive, got %dx%d", opts.Viewport.Width, opts.Viewport.Height)
		}
		e.Viewport = *opts.Viewport
	}
	if e.Viewport.DeviceScaleFactor == 0 {
		e.Viewport.DeviceScaleFactor = 1
	}

	switch strings.ToLower(opts.ColorScheme) {
	case "", "no-preference":
	case "light", "dark":
		e.ColorScheme = strings.ToLower(opts.ColorScheme)
	default:
		return Emulation{}, errs.Invalid("emulation", "color scheme must be light or dark, got %q", opts.ColorScheme)
	}

	if g := opts.Geolocation; g != nil {
		if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
			return Emulation{}, errs.Invalid("emulation", "geolocation out of range")
		}
	}

	perms, err := ParsePermissions(opts.Permissions)
	if err != nil {
		return Emulation{}, err
	}
	e.Permissions = perms

	if len(opts.Headers) > 0 || opts.Credentials != nil {
		e.Headers = make(map[string]string, len(opts.Headers)+1)
		for k, v := range opts.Headers {
			e.Headers[k] = v
		}
		if c := opts.Credentials; c != nil {
			e.Headers["Authorization"] = BasicAuth(c.Username, c.Password)
		}
	}
	return e, nil
}

// BasicAuth renders an Authorization header value.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Apply configures one page. It must run before the page navigates.
func (e Emulation) Apply(page *rod.Page) error {
	if e.Device != nil {
		if err := page.Emulate(*e.Device); err != nil {
			return fmt.Errorf("emulate device: %w", err)
		}
	} else if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             e.Viewport.Width,
		Height:            e.Viewport.Height,
		DeviceScaleFactor: e.Viewport.DeviceScaleFactor,
		Mobile:            e.Viewport.Mobile,
	}).Call(page); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if ua := e.userAgent(page); ua != nil {
		if err := ua.Call(page); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	if e.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: e.Locale}).Call(page); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
	}
	if e.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: e.Timezone}).Call(page); err != nil {
			return fmt.Errorf("set timezone %s: %w", e.Timezone, err)
		}
	}
	if g := e.Geolocation; g != nil {
		if err := SetGeolocation(page, g); err != nil {
			return err
		}
	}
	if e.ColorScheme != "" {
		if err := SetColorScheme(page, e.ColorScheme); err != nil {
			return err
		}
	}
	if len(e.Headers) > 0 {
		if err := SetHeaders(page, e.Headers); err != nil {
			return err
		}
	}
	if e.Offline {
		if err := SetOffline(page, true); err != nil {
			return err
		}
	}
	return nil
}

// userAgent builds the override, or nil when nothing needs changing.
func (e Emulation) userAgent(page *rod.Page) *proto.NetworkSetUserAgentOverride {
	var req *proto.NetworkSetUserAgentOverride
	if e.Device != nil {
		req = e.Device.UserAgentEmulation()
	}
	if req == nil && (e.UserAgent != "" || e.AcceptLanguage != "" || e.Stealth) {
		req = &proto.NetworkSetUserAgentOverride{}
	}
	if req == nil {
		return nil
	}
	if e.UserAgent != "" {
		req.UserAgent = e.UserAgent
	}
	if e.AcceptLanguage != "" {
		req.AcceptLanguage = e.AcceptLanguage
	}
	if req.UserAgent == "" {
		v, err := proto.BrowserGetVersion{}.Call(page)
		if err != nil {
			return nil
		}
		req.UserAgent = v.UserAgent
	}
	if e.Stealth {
		req.UserAgent = strings.ReplaceAll(req.UserAgent, "HeadlessChrome", "Chrome")
	}
	return req
}

// SetGeolocation overrides the page's reported position.
func SetGeolocation(page *rod.Page, g *pool.Geolocation) error {
	acc := g.Accuracy
	if acc <= 0 {
		acc = 10
	}
	err := proto.EmulationSetGeolocationOverride{
		Latitude:  gson.Num(g.Latitude),
		Longitude: gson.Num(g.Longitude),
		Accuracy:  gson.Num(acc),
	}.Call(page)
	if err != nil {
		return fmt.Errorf("set geolocation: %w", err)
	}
	return nil
}

// SetColorScheme emulates prefers-color-scheme.
func SetColorScheme(page *rod.Page, scheme string) error {
	err := proto.EmulationSetEmulatedMedia{
		Features: []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: scheme}},
	}.Call(page)
	if err != nil {
		return fmt.Errorf("set color scheme: %w", err)
	}
	return nil
}

// SetHeaders sets extra headers sent with every request from the page.
func SetHeaders(page *rod.Page, headers map[string]string) error {
	h := proto.NetworkHeaders{}
	for k, v := range headers {
		h[k] = gson.New(v)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: h}).Call(page); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

// SetOffline toggles network emulation for the page.
func SetOffline(page *rod.Page, offline bool) error {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	err := proto.NetworkEmulateNetworkConditions{
		Offline:            offline,
		Latency:            0,
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	return nil
}

// GrantPermissions grants permissions for the browser context, optionally
// scoped to one origin.
func GrantPermissions(b *rod.Browser, perms []proto.BrowserPermissionType, origin string) error {
	if len(perms) == 0 {
		return nil
	}
	err := proto.BrowserGrantPermissions{
		Permissions:      perms,
		Origin:           origin,
		BrowserContextID: b.BrowserContextID,
	}.Call(b)
	if err != nil {
		return fmt.Errorf("grant permissions: %w", err)
	}
	return nil
}
