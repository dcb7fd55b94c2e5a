package store

import (
	"context"
	"testing"

	"browserd/internal/errs"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/require"
)

type detachedWindow struct{}

func (detachedWindow) ID() string                                                 { return "ctx-1" }
func (detachedWindow) Options() pool.ContextOptions                               { return pool.ContextOptions{} }
func (detachedWindow) Browser() *rod.Browser                                      { return nil }
func (detachedWindow) NewPage(context.Context, pool.PageSetup) (*rod.Page, error) { return nil, nil }
func (detachedWindow) Adopt(*rod.Page, pool.PageSetup) error                      { return nil }
func (detachedWindow) ClosePage(*rod.Page) error                                  { return nil }
func (detachedWindow) Close() error                                               { return nil }

type fakeSessions struct{ owner string }

func (f fakeSessions) WindowPages(id, caller string) (pool.Context, []*rod.Page, error) {
	if id != "s1" {
		return nil, nil, errs.NotFound("session", "session %s not found", id)
	}
	if caller != f.owner {
		return nil, nil, errs.Forbidden("session", "session %s is not yours", id)
	}
	return detachedWindow{}, nil, nil
}

func TestServiceErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(fakeSessions{owner: "alice"}, openTestProfiles(t))

	_, err := svc.Export(ctx, "nope", "alice", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = svc.Export(ctx, "s1", "bob", nil)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = svc.Export(ctx, "s1", "alice", nil)
	require.ErrorIs(t, err, errs.ErrStorageIO, "browser failures surface as storage errors")

	err = svc.Import(ctx, "s1", "alice", []byte("{"), nil)
	require.ErrorIs(t, err, errs.ErrInvalidArgument, "payloads are validated before touching the session")

	payload, err := Encode(sampleState())
	require.NoError(t, err)
	require.ErrorIs(t, svc.Import(ctx, "s1", "alice", payload, nil), errs.ErrStorageIO)
	require.NoError(t, svc.Import(ctx, "s1", "alice", payload, []string{"unrelated.org"}), "nothing in scope is a no-op")
}

func TestServiceProfiles(t *testing.T) {
	ctx := context.Background()
	profiles := openTestProfiles(t)
	svc := NewService(fakeSessions{owner: "alice"}, profiles)

	_, err := profiles.Save(ctx, "alice", "blank", []byte(`{"version":1,"cookies":[],"origins":[]}`), nil)
	require.NoError(t, err)
	require.NoError(t, svc.LoadProfile(ctx, "s1", "alice", "blank"))
	require.ErrorIs(t, svc.LoadProfile(ctx, "s1", "alice", "missing"), errs.ErrNotFound)

	_, err = profiles.Save(ctx, "alice", "corrupt", []byte(`not a payload`), nil)
	require.NoError(t, err)
	require.ErrorIs(t, svc.LoadProfile(ctx, "s1", "alice", "corrupt"), errs.ErrStorageIO)

	_, err = svc.SaveProfile(ctx, "s1", "alice", "p1", nil)
	require.ErrorIs(t, err, errs.ErrStorageIO)

	list, err := svc.Profiles(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NoError(t, svc.DeleteProfile(ctx, "alice", "corrupt"))

	bare := NewService(fakeSessions{owner: "alice"}, nil)
	_, err = bare.SaveProfile(ctx, "s1", "alice", "p1", nil)
	require.ErrorIs(t, err, errs.ErrNotAllowed)
	require.ErrorIs(t, bare.LoadProfile(ctx, "s1", "alice", "p1"), errs.ErrNotAllowed)
}
