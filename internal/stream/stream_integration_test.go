//go:build integration

package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/netguard"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"
	"browserd/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveViewReceivesFrames(t *testing.T) {
	cfg := config.DefaultConfig()
	guard := netguard.New(netguard.Policy{})
	p := pool.New(pool.Config{MaxInstances: 1, MaxPagesPerInstance: 2, AcquireTimeout: time.Minute}, browser.NewFactory(browser.OptionsFrom(cfg), guard))
	defer p.Close()
	m := session.NewManager(session.Config{TTL: time.Minute}, p, nil, guard, nil, snapshot.New(time.Minute))
	defer m.Shutdown(context.Background())

	relay := stream.NewRelay(stream.ConfigFrom(cfg), m, stream.NewTokens("", "", time.Minute), nil)
	defer relay.Shutdown()
	m.OnClose(relay.CleanupSession)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/v1/stream/"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	info, err := m.Create(ctx, "viewer", session.Options{URL: "https://example.com"})
	require.NoError(t, err)

	tok, err := relay.CreateToken(info.ID, 0)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+tok.URL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Type string `json:"type"`
			Data []byte `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == "frame" {
			assert.Equal(t, []byte{0xff, 0xd8}, msg.Data[:2], "frames are JPEG")
			break
		}
	}

	require.NoError(t, m.Close(ctx, info.ID, "viewer"))
	assert.Zero(t, relay.Viewers(info.ID))
}
