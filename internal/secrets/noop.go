package secrets

import "sync"

// NoopStore is used where no credential store exists. Every operation
// returns ErrNotSupported.
type NoopStore struct{}

func (n *NoopStore) Get(service, account string) (string, error) { return "", ErrNotSupported }
func (n *NoopStore) Set(service, account, secret string) error   { return ErrNotSupported }
func (n *NoopStore) Delete(service, account string) error        { return ErrNotSupported }
func (n *NoopStore) IsSupported() bool                           { return false }

// MemoryStore keeps credentials in process memory. The CLI tests use it in
// place of the keychain.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func memoryKey(service, account string) string { return service + "\x00" + account }

func (m *MemoryStore) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[memoryKey(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[memoryKey(service, account)] = secret
	return nil
}

func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(service, account)
	if _, ok := m.items[k]; !ok {
		return ErrNotFound
	}
	delete(m.items, k)
	return nil
}

func (m *MemoryStore) IsSupported() bool { return true }
