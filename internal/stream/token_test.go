package stream

import (
	"strings"
	"testing"
	"time"

	"browserd/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenIsSingleUse(t *testing.T) {
	tokens := NewTokens(testSecret, "", time.Minute)
	tok, err := tokens.Create("sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "/v1/stream/"+tok.Token, tok.URL)

	id, err := tokens.Consume(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	_, err = tokens.Consume(tok.Token)
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestTokenRejections(t *testing.T) {
	tokens := NewTokens(testSecret, "", time.Minute)
	base := time.Now()

	tokens.now = func() time.Time { return base.Add(-2 * time.Minute) }
	old, err := tokens.Create("sess-1", time.Minute)
	require.NoError(t, err)
	tokens.now = func() time.Time { return base }
	_, err = tokens.Consume(old.Token)
	require.ErrorIs(t, err, errs.ErrExpired)

	foreign, err := NewTokens("another-secret-of-16+", "", time.Minute).Create("sess-1", 0)
	require.NoError(t, err)
	_, err = tokens.Consume(foreign.Token)
	require.ErrorIs(t, err, errs.ErrForbidden)

	good, err := tokens.Create("sess-1", 0)
	require.NoError(t, err)
	parts := strings.Split(good.Token, ".")
	require.Len(t, parts, 3)
	_, err = tokens.Consume(parts[0] + "." + parts[1] + ".AAAA")
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = tokens.Consume("not-a-token")
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = tokens.Create("", 0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestTokenLifetime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens := NewTokens(testSecret, "https://view.example.com/", 45*time.Second)
	tokens.now = func() time.Time { return now }

	tok, err := tokens.Create("sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(45*time.Second), tok.ExpiresAt)
	assert.True(t, strings.HasPrefix(tok.URL, "wss://view.example.com/v1/stream/"))

	long, err := tokens.Create("sess-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(maxTokenTTL), long.ExpiresAt)
}

func TestTokenPrune(t *testing.T) {
	now := time.Now()
	tokens := NewTokens("", "", time.Minute)
	tokens.now = func() time.Time { return now }

	tok, err := tokens.Create("sess-1", 0)
	require.NoError(t, err)
	_, err = tokens.Consume(tok.Token)
	require.NoError(t, err)

	assert.Zero(t, tokens.Prune())
	tokens.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, 1, tokens.Prune())
}
