// Package stream relays a session's screencast to websocket viewers and
// replays their input into the page.
package stream

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/go-rod/rod"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	metricViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "stream",
		Name:      "viewers",
		Help:      "Connected live-view viewers.",
	})
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "stream",
		Name:      "frames_total",
		Help:      "Frames received from the browser.",
	})
	metricSlowViewers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "stream",
		Name:      "slow_viewers_dropped_total",
		Help:      "Viewers disconnected because their send queue filled.",
	})
	metricInputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "stream",
		Name:      "inputs_total",
		Help:      "Viewer input events by outcome.",
	}, []string{"result"})
)

// Sessions is what the relay needs from the session manager. None of these
// refresh a session's idle timer.
type Sessions interface {
	PageOf(id string) (*rod.Page, error)
	Exists(id string) bool
	Recording(id string) bool
}

// Config tunes the relay.
type Config struct {
	MaxViewers    int
	Quality       int
	EveryNthFrame int
	InputRate     float64
	SweepInterval time.Duration
	RecordingsDir string
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	QueueSize     int
}

// ConfigFrom extracts relay settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxViewers:    c.Stream.MaxViewers,
		Quality:       c.Stream.Quality,
		EveryNthFrame: c.Stream.EveryNthFrame,
		InputRate:     c.Stream.InputRatePerSec,
		SweepInterval: c.GetStreamSweepInterval(),
		RecordingsDir: c.Stream.RecordingsDir,
	}
}

// Relay fans one capture per session out to its viewers.
type Relay struct {
	cfg      Config
	sessions Sessions
	caster   Screencaster
	tokens   *Tokens
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[string]*stream

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWG  sync.WaitGroup
	pumps    sync.WaitGroup
	now      func() time.Time
}

type stream struct {
	sessionID string
	viewers   map[*viewer]struct{}
	seq       atomic.Uint64

	// capMu serializes starting and stopping the capture. The frame
	// callback never takes it.
	capMu   sync.Mutex
	capture Capture
	page    atomic.Pointer[rod.Page]
	rec     atomic.Pointer[recorder]
}

// NewRelay creates a relay. A nil caster uses the rod screencaster.
func NewRelay(cfg Config, sessions Sessions, tokens *Tokens, caster Screencaster) *Relay {
	if cfg.MaxViewers <= 0 {
		cfg.MaxViewers = 3
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 70
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = 60
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if caster == nil {
		caster = RodScreencaster{}
	}
	return &Relay{
		cfg:      cfg,
		sessions: sessions,
		caster:   caster,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// The single-use token is the credential; browsers send
			// arbitrary origins for embedded viewers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[string]*stream),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// CreateToken issues a live-view token for an existing session.
func (r *Relay) CreateToken(sessionID string, ttl time.Duration) (*Token, error) {
	if !r.sessions.Exists(sessionID) {
		return nil, errs.NotFound("stream", "session %s not found", sessionID)
	}
	return r.tokens.Create(sessionID, ttl)
}

// Viewers reports how many viewers a session has.
func (r *Relay) Viewers(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[sessionID]; ok {
		return len(s.viewers)
	}
	return 0
}

// ServeWS redeems token and serves one viewer until it disconnects.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request, token string) {
	select {
	case <-r.stopCh:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	sessionID, err := r.tokens.Consume(token)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if !r.sessions.Exists(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	v := r.newViewer(req.RemoteAddr)
	s, err := r.join(sessionID, v)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.StreamDebug("upgrade for session %s: %v", sessionID, err)
		r.leave(s, v, "upgrade failed")
		return
	}
	v.conn = conn
	r.pumps.Add(2)
	defer r.pumps.Done()
	go func() {
		defer r.pumps.Done()
		v.writePump(r.cfg.PingInterval, r.cfg.WriteTimeout)
	}()

	metricViewers.Inc()
	logging.AuditWithSession(sessionID, "").ViewerJoin(v.id, v.remote)
	logging.Stream("viewer %s joined session %s", v.id, sessionID)
	r.broadcast(s, statusMessage(StateViewerJoined, r.Viewers(sessionID), ""))

	if err := r.ensureCapture(s); err != nil {
		logging.StreamWarn("start capture for session %s: %v", sessionID, err)
		v.enqueue(statusMessage(StateError, r.Viewers(sessionID), "capture unavailable"))
	}

	reason := r.readPump(s, v)
	r.leave(s, v, reason)
	metricViewers.Dec()
}

func (r *Relay) newViewer(remote string) *viewer {
	return &viewer{
		id:      ulid.Make().String(),
		remote:  remote,
		send:    make(chan []byte, r.cfg.QueueSize),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.InputRate), max(int(r.cfg.InputRate), 1)),
		joined:  r.now(),
	}
}

// join reserves a viewer slot.
func (r *Relay) join(sessionID string, v *viewer) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	if !ok {
		s = &stream{sessionID: sessionID, viewers: make(map[*viewer]struct{})}
		r.streams[sessionID] = s
	}
	if len(s.viewers) >= r.cfg.MaxViewers {
		return nil, errs.Capacity("stream", "session %s already has %d viewers", sessionID, len(s.viewers))
	}
	s.viewers[v] = struct{}{}
	return s, nil
}

// leave drops a viewer. The last viewer out stops the capture and removes
// the stream.
func (r *Relay) leave(s *stream, v *viewer, reason string) {
	v.close()
	r.mu.Lock()
	_, present := s.viewers[v]
	delete(s.viewers, v)
	remaining := len(s.viewers)
	if remaining == 0 && r.streams[s.sessionID] == s {
		delete(r.streams, s.sessionID)
	}
	r.mu.Unlock()
	if !present {
		return
	}
	if v.conn != nil {
		logging.AuditWithSession(s.sessionID, "").ViewerLeave(v.id, reason, r.now().Sub(v.joined))
		logging.Stream("viewer %s left session %s: %s", v.id, s.sessionID, reason)
	}
	if remaining == 0 {
		r.stopCapture(s, false)
		return
	}
	r.broadcast(s, statusMessage(StateViewerLeft, remaining, ""))
}

func (r *Relay) ensureCapture(s *stream) error {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.capture != nil {
		return nil
	}
	page, err := r.sessions.PageOf(s.sessionID)
	if err != nil {
		return err
	}
	if r.sessions.Recording(s.sessionID) && r.cfg.RecordingsDir != "" {
		rec, err := newRecorder(r.cfg.RecordingsDir, s.sessionID)
		if err != nil {
			logging.StreamWarn("session %s: %v", s.sessionID, err)
		} else {
			s.rec.Store(rec)
		}
	}
	c, err := r.caster.Start(page, CaptureOptions{Quality: r.cfg.Quality, EveryNthFrame: r.cfg.EveryNthFrame}, func(f Frame) {
		r.onFrame(s, f)
	})
	if err != nil {
		r.closeRecorder(s)
		return err
	}
	s.capture = c
	s.page.Store(page)
	logging.StreamDebug("capture started for session %s on %s", s.sessionID, page.TargetID)
	r.broadcast(s, statusMessage(StateStarted, r.Viewers(s.sessionID), ""))
	return nil
}

// stopCapture stops the capture. Unless forced it leaves a capture alone
// that a newly joined viewer is using.
func (r *Relay) stopCapture(s *stream, force bool) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if !force {
		r.mu.Lock()
		busy := len(s.viewers) > 0
		r.mu.Unlock()
		if busy {
			return
		}
	}
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			logging.StreamDebug("stop capture for session %s: %v", s.sessionID, err)
		}
		s.capture = nil
		logging.StreamDebug("capture stopped for session %s", s.sessionID)
	}
	s.page.Store(nil)
	r.closeRecorder(s)
}

func (r *Relay) closeRecorder(s *stream) {
	if rec := s.rec.Swap(nil); rec != nil {
		if err := rec.close(); err != nil {
			logging.StreamWarn("close recording for session %s: %v", s.sessionID, err)
		}
	}
}

func (r *Relay) onFrame(s *stream, f Frame) {
	metricFrames.Inc()
	seq := s.seq.Add(1)
	if rec := s.rec.Load(); rec != nil {
		if err := rec.write(seq, f, r.now()); err != nil {
			logging.StreamDebug("record frame %d of session %s: %v", seq, s.sessionID, err)
		}
	}
	msg, err := encodeFrame(seq, f)
	if err != nil {
		return
	}
	r.broadcast(s, msg)
}

// broadcast queues msg for every viewer. A viewer whose queue is full is
// disconnected rather than allowed to stall the others.
func (r *Relay) broadcast(s *stream, msg []byte) {
	r.mu.Lock()
	viewers := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	r.mu.Unlock()
	for _, v := range viewers {
		if !v.enqueue(msg) {
			metricSlowViewers.Inc()
			logging.StreamWarn("dropping slow viewer %s of session %s", v.id, s.sessionID)
			v.close()
		}
	}
}

func (r *Relay) readPump(s *stream, v *viewer) string {
	conn := v.conn
	wait := 2 * r.cfg.PingInterval
	conn.SetReadLimit(16 * 1024)
	_ = conn.SetReadDeadline(r.now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(r.now().Add(wait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-v.closed:
				return "closed"
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.StreamDebug("viewer %s read: %v", v.id, err)
			}
			return "disconnected"
		}
		_ = conn.SetReadDeadline(r.now().Add(wait))
		if !v.limiter.Allow() {
			metricInputs.WithLabelValues("rate_limited").Inc()
			continue
		}
		in, err := ParseInput(data)
		if err != nil {
			metricInputs.WithLabelValues("invalid").Inc()
			v.enqueue(statusMessage(StateError, r.Viewers(s.sessionID), err.Error()))
			continue
		}
		page := s.page.Load()
		if page == nil {
			if page, err = r.sessions.PageOf(s.sessionID); err != nil {
				return "session closed"
			}
		}
		if err := r.caster.Dispatch(page, in); err != nil {
			metricInputs.WithLabelValues("failed").Inc()
			logging.StreamDebug("dispatch %s for session %s: %v", in.Type, s.sessionID, err)
			continue
		}
		metricInputs.WithLabelValues("ok").Inc()
	}
}

// CleanupSession disconnects every viewer of a session and stops its
// capture.
func (r *Relay) CleanupSession(sessionID string) {
	r.mu.Lock()
	s, ok := r.streams[sessionID]
	delete(r.streams, sessionID)
	var viewers []*viewer
	if ok {
		for v := range s.viewers {
			viewers = append(viewers, v)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	stopped := statusMessage(StateStopped, 0, "session closed")
	for _, v := range viewers {
		v.enqueue(stopped)
		v.close()
	}
	r.stopCapture(s, true)
	logging.StreamDebug("stream for session %s cleaned up", sessionID)
}

// Start runs the sweeper until Shutdown.
func (r *Relay) Start() {
	if r.cfg.SweepInterval <= 0 {
		return
	}
	r.sweepWG.Add(1)
	go r.sweepLoop()
}

func (r *Relay) sweepLoop() {
	defer r.sweepWG.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logging.Stream("sweep disposed %d orphaned streams", n)
			}
		}
	}
}

// Sweep disposes streams whose session is gone and moves running captures
// to the session's current active page. It returns how many streams were
// disposed.
func (r *Relay) Sweep() int {
	r.tokens.Prune()
	r.mu.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range streams {
		if !r.sessions.Exists(s.sessionID) {
			r.CleanupSession(s.sessionID)
			n++
			continue
		}
		r.followActivePage(s)
	}
	return n
}

func (r *Relay) followActivePage(s *stream) {
	cur := s.page.Load()
	if cur == nil {
		return
	}
	page, err := r.sessions.PageOf(s.sessionID)
	if err != nil || page.TargetID == cur.TargetID {
		return
	}
	logging.StreamDebug("session %s switched tabs, moving capture", s.sessionID)
	r.stopCapture(s, true)
	if r.Viewers(s.sessionID) == 0 {
		return
	}
	if err := r.ensureCapture(s); err != nil {
		logging.StreamWarn("restart capture for session %s: %v", s.sessionID, err)
	}
}

// Shutdown stops the sweeper and disconnects every viewer.
func (r *Relay) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.sweepWG.Wait()

	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.CleanupSession(id)
	}
	r.pumps.Wait()
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrExpired):
		return http.StatusGone
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrCapacityUnavailable):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
