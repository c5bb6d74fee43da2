package secrets

import (
	"errors"
	"testing"
)

func TestNoopStore(t *testing.T) {
	store := &NoopStore{}
	if _, err := store.Get("s", "a"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Get() error = %v", err)
	}
	if err := store.Set("s", "a", "p"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Set() error = %v", err)
	}
	if err := store.Delete("s", "a"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Delete() error = %v", err)
	}
	if store.IsSupported() {
		t.Error("IsSupported() = true, want false")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get("s", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v", err)
	}
	store.Set("s", "a", "one")
	store.Set("s", "a", "two")
	store.Set("s", "b", "other")

	if got, _ := store.Get("s", "a"); got != "two" {
		t.Errorf("Get() = %q, want %q", got, "two")
	}
	if err := store.Delete("s", "a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("s", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
	if got, _ := store.Get("s", "b"); got != "other" {
		t.Errorf("unrelated account = %q", got)
	}
}

func TestAPIKeyHelpers(t *testing.T) {
	restore := SetDefault(NewMemoryStore())
	defer restore()

	if _, err := APIKey(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("APIKey() before login error = %v", err)
	}
	if err := SetAPIKey(""); err == nil {
		t.Error("SetAPIKey(\"\") accepted")
	}
	if err := SetAPIKey("k-123"); err != nil {
		t.Fatal(err)
	}
	if got, _ := Get(ServiceName, AccountAPIKey); got != "k-123" {
		t.Errorf("stored key = %q", got)
	}
	if err := DeleteAPIKey(); err != nil {
		t.Fatal(err)
	}
	if _, err := APIKey(); !errors.Is(err, ErrNotFound) {
		t.Errorf("APIKey() after delete error = %v", err)
	}
}

func TestSetDefault_Restore(t *testing.T) {
	before := Default()
	restore := SetDefault(NewMemoryStore())
	if !IsSupported() {
		t.Error("memory store should be supported")
	}
	restore()
	if Default() != before {
		t.Errorf("Default() = %T after restore, want %T", Default(), before)
	}
}
