// Package secrets stores the fullmetal API key in the platform credential
// store. macOS uses the Keychain; other platforms fall back to a store that
// reports ErrNotSupported, so the key has to come from config or the
// environment.
package secrets

import (
	"errors"
	"sync"
)

// ServiceName is the keychain service for fullmetal credentials.
const ServiceName = "fullmetal"

// AccountAPIKey is the keychain account holding the service API key.
const AccountAPIKey = "api-key"

var (
	// ErrNotFound is returned when a credential is not in the store.
	ErrNotFound = errors.New("credential not found")

	// ErrNotSupported is returned on platforms without a credential store.
	ErrNotSupported = errors.New("secret store not supported on this platform")
)

// SecretStore is a credential store. Implementations are safe for concurrent
// use.
type SecretStore interface {
	// Get returns ErrNotFound when the credential does not exist.
	Get(service, account string) (string, error)
	// Set creates or replaces a credential.
	Set(service, account, secret string) error
	// Delete returns ErrNotFound when the credential does not exist.
	Delete(service, account string) error
	// IsSupported reports whether the store persists anything.
	IsSupported() bool
}

var (
	// store is set by the platform init function.
	store   SecretStore
	storeMu sync.RWMutex
)

// Default returns the platform store.
func Default() SecretStore {
	storeMu.RLock()
	defer storeMu.RUnlock()
	if store == nil {
		return &NoopStore{}
	}
	return store
}

// SetDefault replaces the package store and returns a function restoring the
// previous one.
func SetDefault(s SecretStore) (restore func()) {
	storeMu.Lock()
	prev := store
	store = s
	storeMu.Unlock()
	return func() {
		storeMu.Lock()
		store = prev
		storeMu.Unlock()
	}
}

// IsSupported reports whether the default store persists credentials.
func IsSupported() bool { return Default().IsSupported() }

// Get reads a credential from the default store.
func Get(service, account string) (string, error) { return Default().Get(service, account) }

// Set writes a credential to the default store.
func Set(service, account, secret string) error { return Default().Set(service, account, secret) }

// Delete removes a credential from the default store.
func Delete(service, account string) error { return Default().Delete(service, account) }

// APIKey returns the stored service API key.
func APIKey() (string, error) { return Get(ServiceName, AccountAPIKey) }

// SetAPIKey stores the service API key.
func SetAPIKey(key string) error {
	if key == "" {
		return errors.New("empty api key")
	}
	return Set(ServiceName, AccountAPIKey, key)
}

// DeleteAPIKey removes the stored service API key.
func DeleteAPIKey() error { return Delete(ServiceName, AccountAPIKey) }
