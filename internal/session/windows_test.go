package session

import (
	"context"
	"testing"
	"time"

	"browserd/internal/errs"
	"browserd/internal/pool"
	"browserd/internal/snapshot"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastTabAndWindowCannotClose(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{})
	require.NoError(t, err)

	require.ErrorIs(t, h.m.CloseTab(ctx, info.ID, "", 0), errs.ErrNotAllowed)
	require.ErrorIs(t, h.m.CloseWindow(ctx, info.ID, "", 0), errs.ErrNotAllowed)
	require.ErrorIs(t, h.m.CloseTab(ctx, info.ID, "", 3), errs.ErrNotFound)
	require.ErrorIs(t, h.m.CloseWindow(ctx, info.ID, "", -1), errs.ErrNotFound)

	st, err := h.m.Status(info.ID, "")
	require.NoError(t, err)
	require.Len(t, st.Windows, 1)
	require.Len(t, st.Windows[0].Tabs, 1)
}

func TestTabs(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{URL: "https://example.com/"})
	require.NoError(t, err)

	tab, err := h.m.NewTab(ctx, info.ID, "", "https://example.com/two")
	require.NoError(t, err)
	assert.Equal(t, 1, tab.Index)
	assert.True(t, tab.Active)
	_, err = h.m.NewTab(ctx, info.ID, "", "")
	require.NoError(t, err)

	tabs, err := h.m.ListTabs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, tabs, 3)
	assert.Equal(t, "https://example.com/two", tabs[1].URL)
	assert.True(t, tabs[2].Active)

	_, err = h.m.SwitchTab(ctx, info.ID, "", 0)
	require.NoError(t, err)
	page, err := h.m.ActivePage(info.ID, "")
	require.NoError(t, err)
	assert.Contains(t, h.driver.activated, page.TargetID)

	// Closing a tab before the active one keeps the same tab active.
	_, err = h.m.SwitchTab(ctx, info.ID, "", 2)
	require.NoError(t, err)
	active, err := h.m.ActivePage(info.ID, "")
	require.NoError(t, err)
	require.NoError(t, h.m.CloseTab(ctx, info.ID, "", 1))
	still, err := h.m.ActivePage(info.ID, "")
	require.NoError(t, err)
	assert.Equal(t, active.TargetID, still.TargetID)

	tabs, err = h.m.ListTabs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.True(t, tabs[1].Active)

	_, err = h.m.NewTab(ctx, info.ID, "", "http://10.0.0.1/")
	require.ErrorIs(t, err, errs.ErrPolicyViolation)
	_, err = h.m.SwitchTab(ctx, info.ID, "", 9)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWindows(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{Context: pool.ContextOptions{Locale: "en-US"}})
	require.NoError(t, err)

	w, err := h.m.NewWindow(ctx, info.ID, "", &pool.ContextOptions{Locale: "ja-JP"}, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Index)
	assert.True(t, w.Active)
	assert.Equal(t, 2, h.pool.Status().TotalPages)

	ctxs := h.factory.all()
	require.Len(t, ctxs, 2)
	assert.Equal(t, "ja-JP", ctxs[1].Options().Locale)

	wins, err := h.m.ListWindows(info.ID, "")
	require.NoError(t, err)
	require.Len(t, wins, 2)
	assert.False(t, wins[0].Active)
	assert.True(t, wins[1].Active)

	_, err = h.m.SwitchWindow(ctx, info.ID, "", 0)
	require.NoError(t, err)
	require.NoError(t, h.m.CloseWindow(ctx, info.ID, "", 1))
	assert.Equal(t, 1, h.pool.Status().TotalPages)
	assert.Equal(t, int32(1), ctxs[1].closes.Load())

	st, err := h.m.Status(info.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveWindow)
	require.Len(t, st.Windows, 1)
}

func TestClosingOnlyTabOfWindowIsRejected(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{})
	require.NoError(t, err)
	_, err = h.m.NewWindow(ctx, info.ID, "", nil, "")
	require.NoError(t, err)

	require.ErrorIs(t, h.m.CloseTab(ctx, info.ID, "", 0), errs.ErrNotAllowed)
	st, err := h.m.Status(info.ID, "")
	require.NoError(t, err)
	require.Len(t, st.Windows, 2)
	assert.Equal(t, 1, st.ActiveWindow)
	assert.Equal(t, 2, h.pool.Status().TotalPages)

	// The other window is unaffected too.
	_, err = h.m.SwitchWindow(ctx, info.ID, "", 0)
	require.NoError(t, err)
	require.ErrorIs(t, h.m.CloseTab(ctx, info.ID, "", 0), errs.ErrNotAllowed)
	require.NoError(t, h.m.CloseWindow(ctx, info.ID, "", 1))
	assert.Equal(t, 1, h.pool.Status().TotalPages)
}

func TestSwitchInvalidatesRefs(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{})
	require.NoError(t, err)
	_, err = h.m.NewTab(ctx, info.ID, "", "")
	require.NoError(t, err)

	table := snapshot.RefTable{Refs: map[string]snapshot.Ref{"e1": {Key: "e1", Role: "button"}}}
	require.NoError(t, h.m.UpdateRefs(info.ID, "", table))
	refs, err := h.m.Refs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, refs.Refs, 1)

	_, err = h.m.SwitchTab(ctx, info.ID, "", 0)
	require.NoError(t, err)
	refs, err = h.m.Refs(info.ID, "")
	require.NoError(t, err)
	assert.Empty(t, refs.Refs)

	_, err = h.m.Resolve(ctx, info.ID, "", Target{Selector: "@e1"})
	require.ErrorIs(t, err, errs.ErrStaleReference)
}

func TestNavigateInvalidatesRefs(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{URL: "https://example.com/"})
	require.NoError(t, err)

	table := snapshot.RefTable{Refs: map[string]snapshot.Ref{"e1": {Key: "e1", Role: "link"}}}
	require.NoError(t, h.m.UpdateRefs(info.ID, "", table))
	_, err = h.m.Navigate(ctx, info.ID, "", NavigateOptions{URL: "https://example.com/next"})
	require.NoError(t, err)

	_, err = h.m.Resolve(ctx, info.ID, "", Target{Selector: "@e1"})
	require.ErrorIs(t, err, errs.ErrStaleReference)
}

func TestPageClosingActiveTabInvalidatesRefs(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{})
	require.NoError(t, err)
	_, err = h.m.NewTab(ctx, info.ID, "", "")
	require.NoError(t, err)
	first, err := h.m.SwitchTab(ctx, info.ID, "", 0)
	require.NoError(t, err)
	_, err = h.m.SwitchTab(ctx, info.ID, "", 1)
	require.NoError(t, err)
	active, err := h.m.ActivePage(info.ID, "")
	require.NoError(t, err)

	table := snapshot.RefTable{Refs: map[string]snapshot.Ref{"e1": {Key: "e1", Role: "button"}}}
	require.NoError(t, h.m.UpdateRefs(info.ID, "", table))

	// Targets outside the session leave the refs alone.
	ctxs := h.factory.all()
	watch := h.driver.watch(ctxs[0].ID())
	watch.onGone("unknown-target")
	refs, err := h.m.Refs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, refs.Refs, 1)

	watch.onGone(active.TargetID)
	refs, err = h.m.Refs(info.ID, "")
	require.NoError(t, err)
	assert.Empty(t, refs.Refs)
	_, err = h.m.Resolve(ctx, info.ID, "", Target{Selector: "@e1"})
	require.ErrorIs(t, err, errs.ErrStaleReference)

	tabs, err := h.m.ListTabs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, tabs, 1)
	assert.Equal(t, first.ID, tabs[0].ID)
	assert.True(t, tabs[0].Active)
}

func TestPageClosingOnlyTab(t *testing.T) {
	t.Run("last window gets a blank tab", func(t *testing.T) {
		h := newHarness(t, Config{TTL: time.Minute})
		ctx := context.Background()
		info, err := h.m.Create(ctx, "", Options{})
		require.NoError(t, err)
		page, err := h.m.ActivePage(info.ID, "")
		require.NoError(t, err)

		h.driver.watch(h.factory.all()[0].ID()).onGone(page.TargetID)
		require.Eventually(t, func() bool {
			p, err := h.m.ActivePage(info.ID, "")
			return err == nil && p.TargetID != page.TargetID
		}, time.Second, 5*time.Millisecond)

		st, err := h.m.Status(info.ID, "")
		require.NoError(t, err)
		require.Len(t, st.Windows, 1)
		require.Len(t, st.Windows[0].Tabs, 1)
		assert.Equal(t, 1, h.pool.Status().TotalPages)
	})

	t.Run("other windows remain", func(t *testing.T) {
		h := newHarness(t, Config{TTL: time.Minute})
		ctx := context.Background()
		info, err := h.m.Create(ctx, "", Options{})
		require.NoError(t, err)
		_, err = h.m.NewWindow(ctx, info.ID, "", nil, "")
		require.NoError(t, err)
		page, err := h.m.ActivePage(info.ID, "")
		require.NoError(t, err)
		ctxs := h.factory.all()
		require.Len(t, ctxs, 2)

		h.driver.watch(ctxs[1].ID()).onGone(page.TargetID)
		st, err := h.m.Status(info.ID, "")
		require.NoError(t, err)
		require.Len(t, st.Windows, 1)
		assert.Equal(t, 0, st.ActiveWindow)
		require.Eventually(t, func() bool {
			return h.pool.Status().TotalPages == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestPopupsBecomeTabs(t *testing.T) {
	h := newHarness(t, Config{TTL: time.Minute})
	ctx := context.Background()
	info, err := h.m.Create(ctx, "", Options{})
	require.NoError(t, err)
	ctxs := h.factory.all()
	require.Len(t, ctxs, 1)

	watch := h.driver.watch(ctxs[0].ID())
	require.NotNil(t, watch.onPopup)
	popup := &rod.Page{TargetID: "popup-1"}
	watch.onPopup(popup)
	watch.onPopup(popup)

	tabs, err := h.m.ListTabs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, tabs, 2, "a popup is adopted once")
	assert.True(t, tabs[1].Popup)
	assert.True(t, tabs[1].Active)
	assert.Equal(t, []string{"popup-1"}, targetIDs(ctxs[0]))

	watch.onGone("popup-1")
	tabs, err = h.m.ListTabs(info.ID, "")
	require.NoError(t, err)
	require.Len(t, tabs, 1)
	assert.True(t, tabs[0].Active)
}

func targetIDs(c *fakeContext) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.adopt))
	for _, id := range c.adopt {
		out = append(out, string(id))
	}
	return out
}
