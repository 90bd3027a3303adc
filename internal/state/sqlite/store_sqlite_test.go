package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "position:closed:ARB_SOLINR_1", `{"trade_id":"ARB_SOLINR_1"}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	store, err = New(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()
	val, ok, err := store.Get(ctx, "position:closed:ARB_SOLINR_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val == "" {
		t.Fatalf("expected value to survive reopen, got %q (ok=%v)", val, ok)
	}
}
