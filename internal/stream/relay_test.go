package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"browserd/internal/errs"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSessions struct {
	mu        sync.Mutex
	pages     map[string]*rod.Page
	recording bool
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{pages: make(map[string]*rod.Page)}
	for _, id := range ids {
		f.pages[id] = &rod.Page{TargetID: proto.TargetTargetID(id + "-tab-1")}
	}
	return f
}

func (f *fakeSessions) PageOf(id string) (*rod.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return nil, errs.NotFound("session", "session %s not found", id)
	}
	return p, nil
}

func (f *fakeSessions) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pages[id]
	return ok
}

func (f *fakeSessions) Recording(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeSessions) set(id string, p *rod.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p == nil {
		delete(f.pages, id)
		return
	}
	f.pages[id] = p
}

// fakeCaster hands frames to the relay on demand.
type fakeCaster struct {
	mu       sync.Mutex
	onFrame  func(Frame)
	started  []proto.TargetTargetID
	stops    int
	inputs   []Input
	startErr error
	input    chan Input
}

type fakeCapture struct{ f *fakeCaster }

func newFakeCaster() *fakeCaster { return &fakeCaster{input: make(chan Input, 16)} }

func (f *fakeCaster) Start(page *rod.Page, _ CaptureOptions, onFrame func(Frame)) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.onFrame = onFrame
	f.started = append(f.started, page.TargetID)
	return fakeCapture{f}, nil
}

func (c fakeCapture) Stop() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.onFrame = nil
	c.f.stops++
	return nil
}

func (f *fakeCaster) Dispatch(_ *rod.Page, in Input) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	f.input <- in
	return nil
}

func (f *fakeCaster) emit(frame Frame) bool {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(frame)
	return true
}

func (f *fakeCaster) stats() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), f.stops
}

type harness struct {
	relay    *Relay
	sessions *fakeSessions
	caster   *fakeCaster
	srv      *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{sessions: newFakeSessions("s1"), caster: newFakeCaster()}
	h.relay = NewRelay(cfg, h.sessions, NewTokens(testSecret, "", time.Minute), h.caster)
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.relay.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, streamPath))
	}))
	t.Cleanup(func() {
		h.srv.Close()
		h.relay.Shutdown()
	})
	return h
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	tok, err := h.relay.CreateToken("s1", 0)
	require.NoError(t, err)
	return tok.Token
}

func (h *harness) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + streamPath + token
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// await reads messages until one has the given type and, for status
// messages, state.
func await(t *testing.T, conn *websocket.Conn, typ, state string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ && (state == "" || msg["state"] == state) {
			return msg
		}
	}
}

func TestRelayFansOutFramesAndReplaysInput(t *testing.T) {
	h := newHarness(t, Config{MaxViewers: 2})

	a, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	await(t, a, "status", StateStarted)

	b, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	joined := await(t, b, "status", StateViewerJoined)
	assert.EqualValues(t, 2, joined["viewers"])

	require.True(t, h.caster.emit(Frame{Data: []byte("jpeg"), Metadata: FrameMetadata{DeviceWidth: 1280}}))
	for _, conn := range []*websocket.Conn{a, b} {
		frame := await(t, conn, "frame", "")
		assert.EqualValues(t, 1, frame["seq"])
		assert.Equal(t, "anBlZw==", frame["data"])
	}

	require.NoError(t, b.WriteJSON(Input{Type: InputMouse, Event: "mousePressed", X: 10, Y: 20, Button: "left", ClickCount: 1}))
	select {
	case in := <-h.caster.input:
		assert.Equal(t, "mousePressed", in.Event)
		assert.InDelta(t, 20, in.Y, 0)
	case <-time.After(5 * time.Second):
		t.Fatal("input was not dispatched")
	}

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"evaluate","event":"run"}`)))
	bad := await(t, b, "status", StateError)
	assert.Contains(t, bad["message"], "unknown message type")

	require.NoError(t, b.Close())
	left := await(t, a, "status", StateViewerLeft)
	assert.EqualValues(t, 1, left["viewers"])

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		starts, stops := h.caster.stats()
		return starts == 1 && stops == 1
	}, 5*time.Second, 10*time.Millisecond, "the last viewer leaving stops the capture")
	assert.Zero(t, h.relay.Viewers("s1"))
	h.relay.mu.Lock()
	assert.Empty(t, h.relay.streams)
	h.relay.mu.Unlock()
}

func TestRelayRejections(t *testing.T) {
	h := newHarness(t, Config{MaxViewers: 1})

	tok := h.token(t)
	first, _, err := h.dial(t, tok)
	require.NoError(t, err)
	await(t, first, "status", StateStarted)

	_, resp, err := h.dial(t, tok)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "tokens are single use")

	_, resp, err = h.dial(t, h.token(t))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, resp, err = h.dial(t, "garbage")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = h.relay.CreateToken("nope", 0)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSweepDisposesOrphanedStreams(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	await(t, conn, "status", StateStarted)

	assert.Zero(t, h.relay.Sweep(), "live sessions are kept")

	h.sessions.set("s1", nil)
	assert.Equal(t, 1, h.relay.Sweep())
	stopped := await(t, conn, "status", StateStopped)
	assert.Equal(t, "session closed", stopped["message"])

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	_, stops := h.caster.stats()
	assert.Equal(t, 1, stops)
}

func TestSweepFollowsActiveTab(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	await(t, conn, "status", StateStarted)

	h.sessions.set("s1", &rod.Page{TargetID: "s1-tab-2"})
	assert.Zero(t, h.relay.Sweep())
	await(t, conn, "status", StateStarted)

	h.caster.mu.Lock()
	defer h.caster.mu.Unlock()
	assert.Equal(t, []proto.TargetTargetID{"s1-tab-1", "s1-tab-2"}, h.caster.started)
	assert.Equal(t, 1, h.caster.stops)
}

func TestCaptureFailureIsReported(t *testing.T) {
	h := newHarness(t, Config{})
	h.caster.startErr = errors.New("target closed")
	conn, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	msg := await(t, conn, "status", StateError)
	assert.Equal(t, "capture unavailable", msg["message"])
}

func TestSlowViewerIsDropped(t *testing.T) {
	r := NewRelay(Config{QueueSize: 1}, newFakeSessions("s1"), NewTokens(testSecret, "", time.Minute), newFakeCaster())
	slow := r.newViewer("test")
	s, err := r.join("s1", slow)
	require.NoError(t, err)

	r.broadcast(s, []byte(`{}`))
	select {
	case <-slow.closed:
		t.Fatal("one queued message is within bounds")
	default:
	}
	r.broadcast(s, []byte(`{}`))
	select {
	case <-slow.closed:
	default:
		t.Fatal("viewer with a full queue should be closed")
	}
}

func TestLastViewerLeavingRemovesStream(t *testing.T) {
	r := NewRelay(Config{MaxViewers: 2}, newFakeSessions("s1"), NewTokens(testSecret, "", time.Minute), newFakeCaster())
	a, b := r.newViewer("a"), r.newViewer("b")
	s, err := r.join("s1", a)
	require.NoError(t, err)
	_, err = r.join("s1", b)
	require.NoError(t, err)

	r.leave(s, a, "closed")
	assert.Equal(t, 1, r.Viewers("s1"))
	r.mu.Lock()
	assert.Contains(t, r.streams, "s1")
	r.mu.Unlock()

	r.leave(s, b, "closed")
	r.mu.Lock()
	assert.NotContains(t, r.streams, "s1")
	r.mu.Unlock()

	again, err := r.join("s1", r.newViewer("c"))
	require.NoError(t, err)
	assert.NotSame(t, s, again, "a returning viewer starts a fresh stream")
}

func TestRecordingWritesFrames(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{RecordingsDir: dir})
	h.sessions.recording = true

	conn, _, err := h.dial(t, h.token(t))
	require.NoError(t, err)
	await(t, conn, "status", StateStarted)
	require.True(t, h.caster.emit(Frame{Data: []byte("jpeg-1")}))
	await(t, conn, "frame", "")

	data, err := os.ReadFile(filepath.Join(dir, "s1", "00000001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-1", string(data))

	index, err := os.ReadFile(filepath.Join(dir, "s1", "frames.jsonl"))
	require.NoError(t, err)
	var entry recordEntry
	require.NoError(t, json.Unmarshal(index, &entry))
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, "00000001.jpg", entry.File)
}
