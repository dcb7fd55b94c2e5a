package pool

import (
	"context"
	"time"

	"github.com/go-rod/rod"
)

// Viewport is the emulated window size.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty"`
	Mobile            bool    `json:"mobile,omitempty"`
}

// Geolocation overrides the reported position.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Credentials are sent as HTTP basic auth on every request of the context.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ContextOptions describe the browsing environment a lease is created with.
// Every page opened in the context, popups included, gets the same settings.
type ContextOptions struct {
	Region      string            `json:"region,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Viewport    *Viewport         `json:"viewport,omitempty"`
	Device      string            `json:"device,omitempty"`
	Geolocation *Geolocation      `json:"geolocation,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	ColorScheme string            `json:"color_scheme,omitempty"`
	Credentials *Credentials      `json:"credentials,omitempty"`
	// Stealth overrides the configured anti-fingerprint default when set.
	Stealth *bool `json:"stealth,omitempty"`
}

// PageSetup installs request routing on a fresh page before it loads
// anything and returns the running router. A nil PageSetup gets the default
// policy guard.
type PageSetup func(page *rod.Page) (*rod.HijackRouter, error)

// Factory creates browser instances. ctx bounds startup only; the instance
// outlives it.
type Factory interface {
	Create(ctx context.Context) (Instance, error)
}

// Instance is one live browser process.
type Instance interface {
	ID() string
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	// Disconnected is closed when the protocol connection to the process drops.
	Disconnected() <-chan struct{}
	Close() error
}

// Context is one isolated browsing environment carved from an Instance.
type Context interface {
	ID() string
	Options() ContextOptions
	// Browser is the context-scoped handle, or nil for fakes.
	Browser() *rod.Browser
	NewPage(ctx context.Context, setup PageSetup) (*rod.Page, error)
	// Adopt applies the context's emulation to a page the browser opened on
	// its own, such as a popup.
	Adopt(page *rod.Page, setup PageSetup) error
	// ClosePage stops the page's router and closes it.
	ClosePage(page *rod.Page) error
	Close() error
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	ID       string    `json:"id"`
	Leases   int       `json:"leases"`
	Healthy  bool      `json:"healthy"`
	LastUsed time.Time `json:"last_used"`
}

// Status is a point-in-time view of the pool.
type Status struct {
	Total      int              `json:"total"`
	Healthy    int              `json:"healthy"`
	TotalPages int              `json:"total_pages"`
	Waiting    int              `json:"waiting"`
	Pending    int              `json:"pending"`
	Instances  []InstanceStatus `json:"instances"`
}
