//go:build darwin

package secrets

import (
	"errors"
	"testing"
)

const testServiceName = "fullmetal-test-secretstore"

func TestKeychainStore_SetGetUpdateDelete(t *testing.T) {
	store := &KeychainStore{}
	account := "test-account"
	_ = store.Delete(testServiceName, account)
	t.Cleanup(func() { _ = store.Delete(testServiceName, account) })

	for _, secret := range []string{"v1", "v2"} {
		if err := store.Set(testServiceName, account, secret); err != nil {
			t.Fatalf("Set(%q) error = %v", secret, err)
		}
		got, err := store.Get(testServiceName, account)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != secret {
			t.Errorf("Get() = %q, want %q", got, secret)
		}
	}

	if err := store.Delete(testServiceName, account); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := store.Get(testServiceName, account); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want %v", err, ErrNotFound)
	}
}

func TestKeychainStore_NotFound(t *testing.T) {
	store := &KeychainStore{}
	if _, err := store.Get(testServiceName, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrNotFound)
	}
	if err := store.Delete(testServiceName, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want %v", err, ErrNotFound)
	}
}

func TestDefaultIsKeychainStore(t *testing.T) {
	if _, ok := Default().(*KeychainStore); !ok {
		t.Errorf("Default() returned %T, want *KeychainStore on macOS", Default())
	}
}
