package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringStorage implements KeychainStorage on the host OS keychain
// (macOS Keychain, Windows Credential Manager, libsecret on Linux) via
// github.com/zalando/go-keyring.
type KeyringStorage struct {
	// prefix namespaces service names, letting test-mode runs use a
	// disjoint part of the real keychain.
	prefix string
}

var _ KeychainStorage = (*KeyringStorage)(nil)

// NewKeyringStorage creates an OS-backed keychain store. A non-empty
// prefix is prepended to every service name.
func NewKeyringStorage(prefix string) *KeyringStorage {
	return &KeyringStorage{prefix: prefix}
}

func (k *KeyringStorage) service(service string) string {
	if k.prefix == "" {
		return service
	}
	return k.prefix + "-" + service
}

// Set implements KeychainStorage.
func (k *KeyringStorage) Set(service, account, secret string) error {
	if err := keyring.Set(k.service(service), account, secret); err != nil {
		return storageError(err, "set")
	}
	return nil
}

// Get implements KeychainStorage.
func (k *KeyringStorage) Get(service, account string) (string, error) {
	secret, err := keyring.Get(k.service(service), account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", storageError(err, "get")
	}
	return secret, nil
}

// Delete implements KeychainStorage.
func (k *KeyringStorage) Delete(service, account string) error {
	err := keyring.Delete(k.service(service), account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return storageError(err, "delete")
	}
	return nil
}

// Exists implements KeychainStorage.
func (k *KeyringStorage) Exists(service, account string) (bool, error) {
	_, err := k.Get(service, account)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
