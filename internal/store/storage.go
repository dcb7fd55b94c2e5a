package store

import (
	"context"
	"errors"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var errNoBrowser = errors.New("context has no browser handle")

var (
	metricOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Storage export, import and profile operations by outcome.",
	}, []string{"op", "result"})
	metricPayload = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browserd",
		Subsystem: "store",
		Name:      "payload_bytes",
		Help:      "Size of exported and imported storage payloads.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"op"})
)

// Sessions is the part of the session manager storage works against: the
// context and tabs of a session's active window.
type Sessions interface {
	WindowPages(id, caller string) (pool.Context, []*rod.Page, error)
}

// Service exports and imports session storage and moves it in and out of
// profiles. profiles may be nil, in which case the profile operations fail.
type Service struct {
	sessions Sessions
	profiles *Profiles
}

// NewService creates a storage service.
func NewService(sessions Sessions, profiles *Profiles) *Service {
	return &Service{sessions: sessions, profiles: profiles}
}

// Export captures the storage of a session's active window, limited to
// domains when given, in canonical form.
func (s *Service) Export(ctx context.Context, id, caller string, domains []string) (payload []byte, err error) {
	defer func() { observe("export", len(payload), err) }()
	st, err := s.capture(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return Encode(st.Scope(domains))
}

// Import applies a payload produced by Export to a session's active window,
// limited to domains when given.
func (s *Service) Import(ctx context.Context, id, caller string, payload []byte, domains []string) (err error) {
	defer func() { observe("import", len(payload), err) }()
	st, err := Decode(payload)
	if err != nil {
		return err
	}
	return s.apply(ctx, id, caller, st.Scope(domains))
}

// SaveProfile exports a session's storage into the caller's profile id.
func (s *Service) SaveProfile(ctx context.Context, id, caller, profileID string, domains []string) (meta *ProfileMeta, err error) {
	audit := logging.AuditWithSession(id, caller)
	size := 0
	defer func() {
		observe("profile_save", size, err)
		audit.ProfileSave(profileID, size, err == nil, errString(err))
	}()
	if s.profiles == nil {
		return nil, errs.NotAllowed("store.profile", "profile storage is not configured")
	}
	st, err := s.capture(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	payload, err := Encode(st.Scope(domains))
	if err != nil {
		return nil, err
	}
	size = len(payload)
	return s.profiles.Save(ctx, caller, profileID, payload, domains)
}

// LoadProfile applies the caller's profile id to a session.
func (s *Service) LoadProfile(ctx context.Context, id, caller, profileID string) (err error) {
	audit := logging.AuditWithSession(id, caller)
	size := 0
	defer func() {
		observe("profile_load", size, err)
		audit.ProfileLoad(profileID, err == nil, errString(err))
	}()
	if s.profiles == nil {
		return errs.NotAllowed("store.profile", "profile storage is not configured")
	}
	payload, _, err := s.profiles.Load(ctx, caller, profileID)
	if err != nil {
		return err
	}
	size = len(payload)
	st, err := Decode(payload)
	if err != nil {
		return errs.StorageIO("store.profile", err)
	}
	return s.apply(ctx, id, caller, st)
}

// Profiles returns the caller's stored profiles.
func (s *Service) Profiles(ctx context.Context, caller string) ([]ProfileMeta, error) {
	if s.profiles == nil {
		return nil, errs.NotAllowed("store.profile", "profile storage is not configured")
	}
	return s.profiles.List(ctx, caller)
}

// DeleteProfile removes one of the caller's profiles.
func (s *Service) DeleteProfile(ctx context.Context, caller, profileID string) error {
	if s.profiles == nil {
		return errs.NotAllowed("store.profile", "profile storage is not configured")
	}
	return s.profiles.Delete(ctx, caller, profileID)
}

func (s *Service) capture(ctx context.Context, id, caller string) (*State, error) {
	bctx, pages, err := s.sessions.WindowPages(id, caller)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	st, err := capture(ctx, bctx, pages)
	if err != nil {
		return nil, errs.StorageIO("store.export", err)
	}
	logging.StoreDebug("Captured %d cookies and %d origins from %s in %v",
		len(st.Cookies), len(st.Origins), id, time.Since(start))
	return st, nil
}

func (s *Service) apply(ctx context.Context, id, caller string, st *State) error {
	bctx, pages, err := s.sessions.WindowPages(id, caller)
	if err != nil {
		return err
	}
	if st.Empty() {
		return nil
	}
	if err := apply(ctx, bctx, pages, st); err != nil {
		return errs.StorageIO("store.import", err)
	}
	logging.StoreDebug("Restored %d cookies into %s, origins %v", len(st.Cookies), id, sortedOrigins(st))
	return nil
}

func observe(op string, size int, err error) {
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	metricOps.WithLabelValues(op, result).Inc()
	if err == nil && size > 0 {
		metricPayload.WithLabelValues(op).Observe(float64(size))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
