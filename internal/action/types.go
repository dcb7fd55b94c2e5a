// Package action executes the closed vocabulary of page operations against a
// session's active tab: navigation, pointer and keyboard input, waits,
// extraction and environment changes. Browser-level failures come back as
// structured results, never as panics or raised errors, so callers can run
// batches that stop on the first failure or keep going.
package action

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"browserd/internal/errs"
	"browserd/internal/pool"
	"browserd/internal/session"

	"github.com/bmatcuk/doublestar/v4"
)

// Type names one kind of action.
type Type string

const (
	Navigate  Type = "navigate"
	Reload    Type = "reload"
	GoBack    Type = "go_back"
	GoForward Type = "go_forward"

	Click    Type = "click"
	DblClick Type = "dblclick"
	Hover    Type = "hover"
	Focus    Type = "focus"
	TypeText Type = "type"
	Fill     Type = "fill"
	Clear    Type = "clear"
	Press    Type = "press"
	Select   Type = "select"
	Check    Type = "check"
	Uncheck  Type = "uncheck"

	Scroll         Type = "scroll"
	ScrollIntoView Type = "scroll_into_view"
	Drag           Type = "drag"
	Upload         Type = "upload"

	Wait               Type = "wait"
	WaitForSelector    Type = "wait_for_selector"
	WaitForURL         Type = "wait_for_url"
	WaitForText        Type = "wait_for_text"
	WaitForNetworkIdle Type = "wait_for_network_idle"
	WaitForFunction    Type = "wait_for_function"
	WaitForDownload    Type = "wait_for_download"

	Evaluate   Type = "evaluate"
	Content    Type = "content"
	PDF        Type = "pdf"
	Screenshot Type = "screenshot"
	Download   Type = "download"

	GetAttribute Type = "get_attribute"
	GetText      Type = "get_text"
	GetValue     Type = "get_value"
	IsVisible    Type = "is_visible"
	IsEnabled    Type = "is_enabled"
	IsChecked    Type = "is_checked"

	SetViewport      Type = "set_viewport"
	SetGeolocation   Type = "set_geolocation"
	GrantPermissions Type = "grant_permissions"
	SetMedia         Type = "set_media"
	SetOffline       Type = "set_offline"
	SetHeaders       Type = "set_headers"
	SetCredentials   Type = "set_credentials"
)

// UploadFile is one file handed to a file input.
type UploadFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Action is one operation. Which fields are required depends on Type.
type Action struct {
	Type     Type             `json:"type"`
	Selector string           `json:"selector,omitempty"`
	Locator  *session.Locator `json:"locator,omitempty"`

	URL       string   `json:"url,omitempty"`
	WaitUntil string   `json:"waitUntil,omitempty"`
	Text      string   `json:"text,omitempty"`
	Key       string   `json:"key,omitempty"`
	Values    []string `json:"values,omitempty"`
	Button    string   `json:"button,omitempty"`

	// Scroll offsets in CSS pixels, or a direction.
	DeltaX    float64 `json:"deltaX,omitempty"`
	DeltaY    float64 `json:"deltaY,omitempty"`
	Direction string  `json:"direction,omitempty"`

	// Drop target for drag.
	To *session.Target `json:"to,omitempty"`

	Files     []UploadFile `json:"files,omitempty"`
	Script    string       `json:"script,omitempty"`
	Args      []any        `json:"args,omitempty"`
	Format    string       `json:"format,omitempty"`
	FullPage  bool         `json:"fullPage,omitempty"`
	Attribute string       `json:"attribute,omitempty"`

	Viewport    *pool.Viewport    `json:"viewport,omitempty"`
	Geolocation *pool.Geolocation `json:"geolocation,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	ColorScheme string            `json:"colorScheme,omitempty"`
	Offline     *bool             `json:"offline,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials *pool.Credentials `json:"credentials,omitempty"`

	// WaitMS is the pause for wait and the quiet window for
	// wait_for_network_idle.
	WaitMS int `json:"waitMs,omitempty"`
	// State is what wait_for_selector waits for: attached, visible or hidden.
	State string `json:"state,omitempty"`

	// TimeoutMS bounds this action; zero uses the configured default.
	TimeoutMS int `json:"timeoutMs,omitempty"`
}

// Target is the element the action addresses.
func (a Action) Target() session.Target {
	return session.Target{Selector: a.Selector, Locator: a.Locator}
}

func (a Action) timeout(def time.Duration) time.Duration {
	d := def
	if a.TimeoutMS > 0 {
		d = time.Duration(a.TimeoutMS) * time.Millisecond
	}
	if a.Type == Wait {
		if w := time.Duration(a.WaitMS) * time.Millisecond; w >= d {
			d = w + time.Second
		}
	}
	return d
}

const maxWait = 5 * time.Minute

type requirement uint16

const (
	needTarget requirement = 1 << iota
	optTarget
	needURL
	needText
	needKey
	needValues
	needScript
	needFiles
	needAttribute
	needTo
)

var vocabulary = map[Type]requirement{
	Navigate:  needURL,
	Reload:    0,
	GoBack:    0,
	GoForward: 0,

	Click:    needTarget,
	DblClick: needTarget,
	Hover:    needTarget,
	Focus:    needTarget,
	TypeText: needTarget | needText,
	Fill:     needTarget,
	Clear:    needTarget,
	Press:    optTarget | needKey,
	Select:   needTarget | needValues,
	Check:    needTarget,
	Uncheck:  needTarget,

	Scroll:         optTarget,
	ScrollIntoView: needTarget,
	Drag:           needTarget | needTo,
	Upload:         needTarget | needFiles,

	Wait:               0,
	WaitForSelector:    needTarget,
	WaitForURL:         needURL,
	WaitForText:        optTarget | needText,
	WaitForNetworkIdle: 0,
	WaitForFunction:    needScript,
	WaitForDownload:    optTarget,

	Evaluate:   needScript,
	Content:    optTarget,
	PDF:        0,
	Screenshot: optTarget,
	Download:   needTarget,

	GetAttribute: needTarget | needAttribute,
	GetText:      needTarget,
	GetValue:     needTarget,
	IsVisible:    needTarget,
	IsEnabled:    needTarget,
	IsChecked:    needTarget,

	SetViewport:      0,
	SetGeolocation:   0,
	GrantPermissions: 0,
	SetMedia:         0,
	SetOffline:       0,
	SetHeaders:       0,
	SetCredentials:   0,
}

// Types lists the vocabulary.
func Types() []Type {
	out := make([]Type, 0, len(vocabulary))
	for t := range vocabulary {
		out = append(out, t)
	}
	return out
}

func invalid(t Type, format string, args ...any) error {
	return errs.Invalid("action."+string(t), format, args...)
}

// Validate checks the action's fields before any browser work.
func (a Action) Validate() error {
	req, ok := vocabulary[a.Type]
	if !ok {
		return errs.Invalid("action", "unknown action type %q", a.Type)
	}
	if a.TimeoutMS < 0 || a.WaitMS < 0 {
		return invalid(a.Type, "timeoutMs and waitMs must be >= 0")
	}

	target := a.Target()
	switch {
	case req&needTarget != 0:
		if err := target.Validate(); err != nil {
			return invalid(a.Type, "%s needs a selector or locator: %v", a.Type, err)
		}
	case req&optTarget != 0 && !target.Empty():
		if err := target.Validate(); err != nil {
			return err
		}
	case !target.Empty():
		return invalid(a.Type, "%s does not take a selector", a.Type)
	}

	if req&needURL != 0 && strings.TrimSpace(a.URL) == "" {
		return invalid(a.Type, "%s needs url", a.Type)
	}
	if req&needText != 0 && a.Text == "" {
		return invalid(a.Type, "%s needs text", a.Type)
	}
	if req&needKey != 0 && a.Key == "" {
		return invalid(a.Type, "%s needs key", a.Type)
	}
	if req&needValues != 0 && len(a.Values) == 0 {
		return invalid(a.Type, "%s needs values", a.Type)
	}
	if req&needScript != 0 && strings.TrimSpace(a.Script) == "" {
		return invalid(a.Type, "%s needs script", a.Type)
	}
	if req&needAttribute != 0 && a.Attribute == "" {
		return invalid(a.Type, "%s needs attribute", a.Type)
	}
	if req&needTo != 0 {
		if a.To == nil {
			return invalid(a.Type, "%s needs a drop target", a.Type)
		}
		if err := a.To.Validate(); err != nil {
			return err
		}
	}
	if req&needFiles != 0 {
		if len(a.Files) == 0 {
			return invalid(a.Type, "%s needs files", a.Type)
		}
		for _, f := range a.Files {
			if f.Name == "" || strings.ContainsAny(f.Name, `/\`) || f.Name == "." || f.Name == ".." {
				return invalid(a.Type, "bad file name %q", f.Name)
			}
		}
	}
	return a.validateSpecific()
}

func (a Action) validateSpecific() error {
	switch a.Type {
	case Navigate:
		if _, err := url.Parse(a.URL); err != nil {
			return invalid(a.Type, "bad url %q", a.URL)
		}
	case Click, DblClick:
		if _, err := mouseButton(a.Button); err != nil {
			return err
		}
	case Press:
		if _, err := parseKeys(a.Key); err != nil {
			return err
		}
	case WaitForURL:
		if !doublestar.ValidatePattern(strings.ToLower(a.URL)) {
			return invalid(a.Type, "invalid url pattern %q", a.URL)
		}
	case Wait:
		if a.WaitMS == 0 || a.WaitMS > int(maxWait/time.Millisecond) {
			return invalid(a.Type, "waitMs must be between 1 and %d", maxWait/time.Millisecond)
		}
	case WaitForSelector:
		switch a.State {
		case "", "attached", "visible", "hidden":
		default:
			return invalid(a.Type, "state must be attached, visible or hidden")
		}
	case Scroll:
		switch a.Direction {
		case "", "up", "down", "left", "right", "top", "bottom":
		default:
			return invalid(a.Type, "direction must be up, down, left, right, top or bottom")
		}
	case Content:
		switch a.Format {
		case "", "html", "text":
		default:
			return invalid(a.Type, "format must be html or text")
		}
	case Screenshot:
		switch a.Format {
		case "", "png", "jpeg", "webp":
		default:
			return invalid(a.Type, "format must be png, jpeg or webp")
		}
	case SetViewport:
		if a.Viewport == nil || a.Viewport.Width <= 0 || a.Viewport.Height <= 0 {
			return invalid(a.Type, "viewport needs a positive width and height")
		}
	case SetGeolocation:
		g := a.Geolocation
		if g == nil {
			return invalid(a.Type, "geolocation is required")
		}
		if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
			return invalid(a.Type, "geolocation out of range")
		}
	case GrantPermissions:
		if len(a.Permissions) == 0 {
			return invalid(a.Type, "permissions are required")
		}
	case SetMedia:
		switch a.ColorScheme {
		case "light", "dark", "no-preference":
		default:
			return invalid(a.Type, "colorScheme must be light, dark or no-preference")
		}
	case SetOffline:
		if a.Offline == nil {
			return invalid(a.Type, "offline is required")
		}
	case SetHeaders:
		if a.Headers == nil {
			return invalid(a.Type, "headers are required")
		}
	case SetCredentials:
		if a.Credentials != nil && a.Credentials.Username == "" {
			return invalid(a.Type, "credentials need a username")
		}
	}
	return nil
}

func (a Action) String() string {
	t := a.Target()
	if !t.Empty() {
		return fmt.Sprintf("%s %s", a.Type, t)
	}
	if a.URL != "" {
		return fmt.Sprintf("%s %s", a.Type, a.URL)
	}
	return string(a.Type)
}
