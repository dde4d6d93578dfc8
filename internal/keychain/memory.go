package keychain

import (
	"sync"
)

// MemoryStorage is an in-memory KeychainStorage for tests and for
// platforms without a credential store. Contents do not survive process
// restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ KeychainStorage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]string)}
}

func key(service, account string) string {
	return service + "\x00" + account
}

// Set implements KeychainStorage.
func (m *MemoryStorage) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(service, account)] = secret
	return nil
}

// Get implements KeychainStorage.
func (m *MemoryStorage) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.entries[key(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete implements KeychainStorage.
func (m *MemoryStorage) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(service, account)
	if _, ok := m.entries[k]; !ok {
		return ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

// Exists implements KeychainStorage.
func (m *MemoryStorage) Exists(service, account string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key(service, account)]
	return ok, nil
}
