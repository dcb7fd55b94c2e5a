package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("session.get", "session %q not found", "abc"))

	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrExpired))
	require.Equal(t, KindNotFound, KindOf(err))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	require.Contains(t, err.Error(), `session.get: session "abc" not found`)
}

func TestCapacityIsRetryable(t *testing.T) {
	err := fmt.Errorf("acquire: %w", Capacity("pool.acquire", "no capacity after %s", "30s"))
	require.True(t, IsRetryable(err))
	require.True(t, errors.Is(err, ErrCapacityUnavailable))
	require.False(t, IsRetryable(Forbidden("x", "y")))
}

func TestWrapUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := StorageIO("profile.save", inner)
	require.ErrorIs(t, err, inner)
	require.ErrorIs(t, err, ErrStorageIO)
}

func TestTranslateActionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		suggests bool
	}{
		{"stale ref", StaleRef("e9"), CodeStaleReference, true},
		{"ambiguous", Invalid("resolve", "selector %q matched 3 elements", "button"), CodeAmbiguousSelector, true},
		{"not interactable", fmt.Errorf("click: %w", &rod.NotInteractableError{}), CodeNotInteractable, true},
		{"not found", &rod.ElementNotFoundError{}, CodeNotFound, true},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), CodeTimeout, true},
		{"ctx destroyed", fmt.Errorf("eval: %w", cdp.ErrCtxDestroyed), CodeContextDestroyed, true},
		{"page closed", errors.New("websocket: target closed"), CodePageClosed, true},
		{"policy", Policy("navigate", "blocked host"), CodePolicy, true},
		{"unknown", errors.New("boom"), CodeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := TranslateActionError(tt.err)
			require.NotNil(t, f)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.suggests, f.Suggestion != "")
			assert.NotEmpty(t, f.Message)
		})
	}
	require.Nil(t, TranslateActionError(nil))
}
