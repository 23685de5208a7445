package memo

import (
	"errors"
	"testing"
)

func TestGetMemoizes(t *testing.T) {
	c := New()
	calls := 0
	load := func() (string, error) {
		calls++
		return "value", nil
	}

	key := Key("assignments.by_id", 1)
	for i := 0; i < 3; i++ {
		v, err := Get(c, key, load)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != "value" {
			t.Fatalf("unexpected value %q", v)
		}
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
}

func TestGetDoesNotCacheErrors(t *testing.T) {
	c := New()
	calls := 0
	failing := func() (int, error) {
		calls++
		return 0, errors.New("db down")
	}

	key := Key("assignments.by_id", 2)
	if _, err := Get(c, key, failing); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Get(c, key, failing); err == nil {
		t.Fatal("expected error on second call")
	}
	if calls != 2 {
		t.Fatalf("loader called %d times, want 2", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("cache holds %d entries, want 0", c.Len())
	}
}

func TestKeyDistinguishesArgs(t *testing.T) {
	if Key("fn", 1) == Key("fn", 2) {
		t.Fatal("different args must produce different keys")
	}
	if Key("fn", 1) == Key("other", 1) {
		t.Fatal("different accessors must produce different keys")
	}
	if Key("fn", 1) != Key("fn", 1) {
		t.Fatal("identical calls must produce identical keys")
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	calls := 0
	load := func() (int, error) {
		calls++
		return calls, nil
	}

	key := Key("assignments.by_id", 3)
	if v, _ := Get(c, key, load); v != 1 {
		t.Fatalf("unexpected value %d", v)
	}

	c.Invalidate(key)
	if v, _ := Get(c, key, load); v != 2 {
		t.Fatalf("expected reload after invalidate, got %d", v)
	}
}

func TestInvalidateFunc(t *testing.T) {
	c := New()
	load := func() (int, error) { return 1, nil }

	_, _ = Get(c, Key("assignments.by_id", 1), load)
	_, _ = Get(c, Key("assignments.by_id", 2), load)
	_, _ = Get(c, Key("assignments.list"), load)
	if c.Len() != 3 {
		t.Fatalf("cache holds %d entries, want 3", c.Len())
	}

	c.InvalidateFunc("assignments.by_id")
	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries after prefix invalidation, want 1", c.Len())
	}
}
