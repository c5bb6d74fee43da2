//go:build darwin

package secrets

import (
	"errors"

	"github.com/keybase/go-keychain"
)

func init() {
	store = &KeychainStore{}
}

// KeychainStore keeps credentials as generic passwords in the macOS Keychain.
type KeychainStore struct{}

func genericPassword(service, account string) keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(service)
	item.SetAccount(account)
	return item
}

func (k *KeychainStore) Get(service, account string) (string, error) {
	query := genericPassword(service, account)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	if errors.Is(err, keychain.ErrorItemNotFound) || (err == nil && len(results) == 0) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(results[0].Data), nil
}

// Set adds the item, or updates its data when it already exists.
func (k *KeychainStore) Set(service, account, secret string) error {
	item := genericPassword(service, account)
	item.SetLabel(service + " " + account)
	item.SetData([]byte(secret))
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)

	err := keychain.AddItem(item)
	if !errors.Is(err, keychain.ErrorDuplicateItem) {
		return err
	}
	update := keychain.NewItem()
	update.SetData([]byte(secret))
	return keychain.UpdateItem(genericPassword(service, account), update)
}

func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(genericPassword(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeychainStore) IsSupported() bool { return true }
