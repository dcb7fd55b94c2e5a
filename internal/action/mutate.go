package action

import (
	"context"
	"strings"

	"browserd/internal/browser"
	"browserd/internal/errs"

	"github.com/go-rod/rod"
)

// reconfigurer is a window context whose emulation can change after
// creation. *browser.Context implements it.
type reconfigurer interface {
	Reconfigure(ctx context.Context, pages []*rod.Page, fn func(*browser.Emulation) error) error
}

const authorization = "Authorization"

// doMutate changes the active window's environment. The change covers
// every open tab of the window and the tabs it opens later.
func doMutate(ctx context.Context, x *execution) (any, error) {
	bctx, pages, err := x.d.sessions.WindowPages(x.id, x.caller)
	if err != nil {
		return nil, err
	}
	rc, ok := bctx.(reconfigurer)
	if !ok {
		return nil, errs.NotAllowed("action."+string(x.a.Type), "window environment cannot be changed")
	}
	return nil, rc.Reconfigure(ctx, pages, x.mutation())
}

func (x *execution) mutation() func(*browser.Emulation) error {
	a := x.a
	return func(e *browser.Emulation) error {
		switch a.Type {
		case SetViewport:
			v := *a.Viewport
			if v.DeviceScaleFactor == 0 {
				v.DeviceScaleFactor = 1
			}
			e.Device = nil
			e.Viewport = v
		case SetGeolocation:
			g := *a.Geolocation
			e.Geolocation = &g
		case GrantPermissions:
			perms, err := browser.ParsePermissions(a.Permissions)
			if err != nil {
				return err
			}
			e.Permissions = perms
		case SetMedia:
			e.ColorScheme = a.ColorScheme
			if a.ColorScheme == "no-preference" {
				e.ColorScheme = ""
			}
		case SetOffline:
			e.Offline = *a.Offline
		case SetHeaders:
			// Replaces caller headers; credentials set separately survive.
			auth, hasAuth := lookupHeader(e.Headers, authorization)
			e.Headers = make(map[string]string, len(a.Headers)+1)
			for k, v := range a.Headers {
				e.Headers[k] = v
			}
			if _, set := lookupHeader(a.Headers, authorization); hasAuth && !set {
				e.Headers[authorization] = auth
			}
		case SetCredentials:
			for k := range e.Headers {
				if strings.EqualFold(k, authorization) {
					delete(e.Headers, k)
				}
			}
			if c := a.Credentials; c != nil {
				if e.Headers == nil {
					e.Headers = make(map[string]string, 1)
				}
				e.Headers[authorization] = browser.BasicAuth(c.Username, c.Password)
			}
		default:
			return errs.Invalid("action", "%s is not an environment change", a.Type)
		}
		return nil
	}
}

func lookupHeader(h map[string]string, name string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
