package stream

import (
	"encoding/json"
	"math"

	"browserd/internal/errs"
)

// Inbound message types.
const (
	InputMouse    = "input_mouse"
	InputKeyboard = "input_keyboard"
	InputTouch    = "input_touch"
)

// Status states sent to viewers.
const (
	StateStarted      = "started"
	StateStopped      = "stopped"
	StateViewerJoined = "viewer_joined"
	StateViewerLeft   = "viewer_left"
	StateError        = "error"
)

const maxTouchPoints = 10

var inputEvents = map[string]map[string]bool{
	InputMouse:    {"mousePressed": true, "mouseReleased": true, "mouseMoved": true, "mouseWheel": true},
	InputKeyboard: {"keyDown": true, "keyUp": true, "rawKeyDown": true, "char": true},
	InputTouch:    {"touchStart": true, "touchMove": true, "touchEnd": true, "touchCancel": true},
}

var mouseButtons = map[string]bool{"": true, "none": true, "left": true, "middle": true, "right": true, "back": true, "forward": true}

// Input is one viewer input event, replayed as-is.
type Input struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Modifiers int    `json:"modifiers,omitempty"`

	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	Button     string  `json:"button,omitempty"`
	ClickCount int     `json:"clickCount,omitempty"`
	DeltaX     float64 `json:"deltaX,omitempty"`
	DeltaY     float64 `json:"deltaY,omitempty"`

	Key     string `json:"key,omitempty"`
	Code    string `json:"code,omitempty"`
	Text    string `json:"text,omitempty"`
	KeyCode int    `json:"keyCode,omitempty"`

	TouchPoints []TouchPoint `json:"touchPoints,omitempty"`
}

// TouchPoint is one finger of a touch event.
type TouchPoint struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	ID *int    `json:"id,omitempty"`
}

// ParseInput decodes and validates an inbound message.
func ParseInput(data []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return in, errs.Invalid("stream.input", "malformed message: %v", err)
	}
	return in, in.Validate()
}

// Validate accepts only the known event shapes.
func (in Input) Validate() error {
	events, ok := inputEvents[in.Type]
	if !ok {
		return errs.Invalid("stream.input", "unknown message type %q", in.Type)
	}
	if !events[in.Event] {
		return errs.Invalid("stream.input", "%s does not support event %q", in.Type, in.Event)
	}
	if in.Modifiers < 0 || in.Modifiers > 15 {
		return errs.Invalid("stream.input", "modifiers out of range")
	}
	switch in.Type {
	case InputMouse:
		if !coord(in.X) || !coord(in.Y) || !finite(in.DeltaX) || !finite(in.DeltaY) {
			return errs.Invalid("stream.input", "mouse coordinates out of range")
		}
		if !mouseButtons[in.Button] {
			return errs.Invalid("stream.input", "unknown mouse button %q", in.Button)
		}
		if in.ClickCount < 0 || in.ClickCount > 3 {
			return errs.Invalid("stream.input", "click count out of range")
		}
	case InputKeyboard:
		if in.Key == "" && in.Code == "" && in.Text == "" {
			return errs.Invalid("stream.input", "keyboard event needs key, code or text")
		}
		if len(in.Text) > 16 || in.KeyCode < 0 || in.KeyCode > 255 {
			return errs.Invalid("stream.input", "keyboard event out of range")
		}
	case InputTouch:
		if len(in.TouchPoints) > maxTouchPoints {
			return errs.Invalid("stream.input", "too many touch points")
		}
		if in.Event != "touchEnd" && in.Event != "touchCancel" && len(in.TouchPoints) == 0 {
			return errs.Invalid("stream.input", "%s needs touch points", in.Event)
		}
		for _, tp := range in.TouchPoints {
			if !coord(tp.X) || !coord(tp.Y) {
				return errs.Invalid("stream.input", "touch coordinates out of range")
			}
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
func coord(f float64) bool  { return finite(f) && f >= 0 && f <= 100000 }

type frameMessage struct {
	Type     string        `json:"type"`
	Seq      uint64        `json:"seq"`
	Data     []byte        `json:"data"`
	Metadata FrameMetadata `json:"metadata"`
}

// Status is a control message sent to viewers.
type Status struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Viewers int    `json:"viewers"`
	Message string `json:"message,omitempty"`
}

func statusMessage(state string, viewers int, msg string) []byte {
	b, _ := json.Marshal(Status{Type: "status", State: state, Viewers: viewers, Message: msg})
	return b
}

func encodeFrame(seq uint64, f Frame) ([]byte, error) {
	return json.Marshal(frameMessage{Type: "frame", Seq: seq, Data: f.Data, Metadata: f.Metadata})
}
