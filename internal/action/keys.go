package action

import (
	"strings"

	"browserd/internal/errs"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"insert":     input.Insert,
	"space":      input.Space,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"up":         input.ArrowUp,
	"down":       input.ArrowDown,
	"left":       input.ArrowLeft,
	"right":      input.ArrowRight,
	"shift":      input.ShiftLeft,
	"control":    input.ControlLeft,
	"ctrl":       input.ControlLeft,
	"alt":        input.AltLeft,
	"meta":       input.MetaLeft,
	"cmd":        input.MetaLeft,
	"f1":         input.F1,
	"f2":         input.F2,
	"f3":         input.F3,
	"f4":         input.F4,
	"f5":         input.F5,
	"f6":         input.F6,
	"f7":         input.F7,
	"f8":         input.F8,
	"f9":         input.F9,
	"f10":        input.F10,
	"f11":        input.F11,
	"f12":        input.F12,
}

// chord is a key with the modifiers held while it is pressed.
type chord struct {
	modifiers []input.Key
	key       input.Key
}

// parseKeys reads "Enter", "a" or "Control+Shift+K".
func parseKeys(s string) (chord, error) {
	parts := strings.Split(s, "+")
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		// "Control++" presses the plus key.
		parts = append(parts[:len(parts)-2], "+")
	}
	var c chord
	for i, p := range parts {
		k, err := lookupKey(p)
		if err != nil {
			return chord{}, err
		}
		if i < len(parts)-1 {
			if k.Modifier() == 0 {
				return chord{}, errs.Invalid("action.press", "%q is not a modifier", p)
			}
			c.modifiers = append(c.modifiers, k)
			continue
		}
		c.key = k
	}
	return c, nil
}

func lookupKey(name string) (input.Key, error) {
	if len(name) == 1 && name[0] >= 0x20 && name[0] <= 0x7e {
		return input.Key(name[0]), nil
	}
	if k, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return 0, errs.Invalid("action.press", "unknown key %q", name)
}

func mouseButton(s string) (proto.InputMouseButton, error) {
	switch strings.ToLower(s) {
	case "", "left":
		return proto.InputMouseButtonLeft, nil
	case "right":
		return proto.InputMouseButtonRight, nil
	case "middle":
		return proto.InputMouseButtonMiddle, nil
	}
	return "", errs.Invalid("action.click", "button must be left, right or middle")
}
