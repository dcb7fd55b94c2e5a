package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, opts Options) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Initialize(zap.New(core), opts)
	t.Cleanup(func() { Initialize(nil, Options{Level: "info"}) })
	return logs
}

// TestAllCategoriesLog tests that every category writes through the shared logger
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t, Options{Level: "debug"})

	categories := []Category{
		CategoryBoot, CategoryConfig, CategoryPool, CategoryBrowser, CategorySession,
		CategorySnapshot, CategoryIntercept, CategoryAction, CategoryCDP, CategoryStream,
		CategoryStore, CategoryHTTP,
	}
	for _, cat := range categories {
		Get(cat).Info("hello %s", cat)
	}

	if got := logs.Len(); got != len(categories) {
		t.Fatalf("expected %d entries, got %d", len(categories), got)
	}
	for i, entry := range logs.All() {
		if entry.ContextMap()["category"] != string(categories[i]) {
			t.Errorf("entry %d: expected category %s, got %v", i, categories[i], entry.ContextMap()["category"])
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	logs := observe(t, Options{Level: "debug", Categories: map[string]bool{"pool": false}})

	Pool("suppressed")
	Session("kept")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	if logs.All()[0].Message != "kept" {
		t.Errorf("unexpected message %q", logs.All()[0].Message)
	}
	if IsCategoryEnabled(CategoryPool) {
		t.Error("pool category should be disabled")
	}
	if !IsCategoryEnabled(CategoryStream) {
		t.Error("unlisted categories should be enabled")
	}
}

func TestLevelGate(t *testing.T) {
	logs := observe(t, Options{Level: "warn"})

	PoolDebug("nope")
	Pool("nope")
	PoolWarn("yes")

	if logs.Len() != 1 {
		t.Fatalf("expected only the warning, got %d entries", logs.Len())
	}
}

func TestAuditFields(t *testing.T) {
	logs := observe(t, Options{Level: "info"})

	AuditWithSession("sess-1", "alice").PolicyBlock("http://127.0.0.1/", "private address")

	entries := logs.FilterField(zap.String("event", string(AuditPolicyBlock))).All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["session"] != "sess-1" || ctx["owner"] != "alice" {
		t.Errorf("unexpected audit context %v", ctx)
	}
}

func TestNoopBeforeInitialize(t *testing.T) {
	Initialize(nil, Options{})
	// Must not panic.
	Get(CategoryStore).Error("dropped %d", 1)
	StartTimer(CategoryStore, "op").Stop()
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abc", 5); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc...(3 more)" {
		t.Errorf("got %q", got)
	}
}
