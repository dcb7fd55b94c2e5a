//go:build integration

package store_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"
	"browserd/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedPage = `<!doctype html><script>
document.cookie = "sid=abc123; max-age=3600; path=/";
document.cookie = "pref=compact; path=/";
localStorage.setItem("cart", JSON.stringify({items: 2}));
sessionStorage.setItem("step", "checkout");
</script>`

func TestStorageRoundTripsThroughBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/seed" {
			fmt.Fprint(w, seedPage)
			return
		}
		fmt.Fprint(w, "<!doctype html><p>blank</p>")
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	guard := netguard.New(netguard.Policy{AllowPrivate: true})
	p := pool.New(pool.Config{MaxInstances: 1, MaxPagesPerInstance: 3, AcquireTimeout: time.Minute}, browser.NewFactory(browser.OptionsFrom(cfg), guard))
	defer p.Close()
	m := session.NewManager(session.Config{TTL: time.Minute}, p, nil, guard, nil, snapshot.New(time.Minute))
	defer m.Shutdown(context.Background())

	profiles, err := store.OpenProfiles(t.TempDir() + "/profiles.db")
	require.NoError(t, err)
	defer profiles.Close()
	svc := store.NewService(m, profiles)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	src, err := m.Create(ctx, "owner", session.Options{URL: srv.URL + "/seed"})
	require.NoError(t, err)
	exported, err := svc.Export(ctx, src.ID, "owner", nil)
	require.NoError(t, err)
	assert.Contains(t, string(exported), `"name":"sid"`)
	assert.Contains(t, string(exported), `"step":"checkout"`)

	dst, err := m.Create(ctx, "owner", session.Options{URL: srv.URL + "/blank"})
	require.NoError(t, err)
	require.NoError(t, svc.Import(ctx, dst.ID, "owner", exported, nil))
	again, err := svc.Export(ctx, dst.ID, "owner", nil)
	require.NoError(t, err)
	assert.Equal(t, string(exported), string(again))

	// A session with no tab on the origin gets localStorage through a
	// scratch tab; its sessionStorage cannot outlive that tab.
	_, err = svc.SaveProfile(ctx, src.ID, "owner", "seeded", nil)
	require.NoError(t, err)
	fresh, err := m.Create(ctx, "owner", session.Options{})
	require.NoError(t, err)
	require.NoError(t, svc.LoadProfile(ctx, fresh.ID, "owner", "seeded"))
	_, err = m.Navigate(ctx, fresh.ID, "owner", session.NavigateOptions{URL: srv.URL + "/blank"})
	require.NoError(t, err)
	restored, err := svc.Export(ctx, fresh.ID, "owner", nil)
	require.NoError(t, err)
	assert.Contains(t, string(restored), `"cart":"{\"items\":2}"`)
	assert.Contains(t, string(restored), `"name":"sid"`)
	assert.NotContains(t, string(restored), "checkout")

	_, err = svc.Export(ctx, src.ID, "intruder", nil)
	require.Error(t, err)
}
