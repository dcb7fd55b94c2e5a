package stream

import (
	"encoding/json"
	"testing"

	"browserd/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		ok   bool
	}{
		{"mouse click", `{"type":"input_mouse","event":"mousePressed","x":10,"y":20,"button":"left","clickCount":1}`, true},
		{"mouse wheel", `{"type":"input_mouse","event":"mouseWheel","x":10,"y":20,"deltaY":-120}`, true},
		{"mouse negative", `{"type":"input_mouse","event":"mouseMoved","x":-1,"y":20}`, false},
		{"mouse odd button", `{"type":"input_mouse","event":"mousePressed","x":1,"y":1,"button":"thumb"}`, false},
		{"mouse unknown event", `{"type":"input_mouse","event":"mouseTeleported","x":1,"y":1}`, false},
		{"key down", `{"type":"input_keyboard","event":"keyDown","key":"Enter","code":"Enter","keyCode":13}`, true},
		{"char", `{"type":"input_keyboard","event":"char","text":"a"}`, true},
		{"key empty", `{"type":"input_keyboard","event":"keyUp"}`, false},
		{"key modifiers", `{"type":"input_keyboard","event":"keyDown","key":"a","modifiers":99}`, false},
		{"touch start", `{"type":"input_touch","event":"touchStart","touchPoints":[{"x":5,"y":5,"id":1}]}`, true},
		{"touch end empty", `{"type":"input_touch","event":"touchEnd","touchPoints":[]}`, true},
		{"touch move empty", `{"type":"input_touch","event":"touchMove"}`, false},
		{"eval smuggling", `{"type":"evaluate","event":"run","text":"alert(1)"}`, false},
		{"not json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInput([]byte(tt.msg))
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}
}

func TestOutboundShapes(t *testing.T) {
	var status map[string]any
	require.NoError(t, json.Unmarshal(statusMessage(StateViewerJoined, 2, ""), &status))
	assert.Equal(t, map[string]any{"type": "status", "state": "viewer_joined", "viewers": float64(2)}, status)

	raw, err := encodeFrame(7, Frame{Data: []byte{0xff, 0xd8}, Metadata: FrameMetadata{DeviceWidth: 800}})
	require.NoError(t, err)
	var frame struct {
		Type     string        `json:"type"`
		Seq      uint64        `json:"seq"`
		Data     []byte        `json:"data"`
		Metadata FrameMetadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "frame", frame.Type)
	assert.Equal(t, uint64(7), frame.Seq)
	assert.Equal(t, []byte{0xff, 0xd8}, frame.Data)
	assert.InDelta(t, 800, frame.Metadata.DeviceWidth, 0)
}
