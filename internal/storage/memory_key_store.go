package storage

import (
	"context"
	"sort"
	"sync"
)

// InMemoryKeyStore holds admin API keys in process memory. It backs tests
// and single-node development deployments; production uses PersistentKeyStore.
type InMemoryKeyStore struct {
	mu   sync.RWMutex
	byID map[string]*Key
	// byKey maps the plaintext key string to its ID, for the lookup every
	// authenticated request performs.
	byKey map[string]string
}

var _ KeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore creates an empty thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byID:  make(map[string]*Key),
		byKey: make(map[string]string),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}

	copied := *s.byID[id]

	return &copied, true
}

// Add stores a new API key. Both the ID and the key string must be unused.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.byKey[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	s.insert(apiKey)

	return nil
}

// Update replaces an existing API key record, matched by ID.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.byID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	// A rotation changes the key string; the old one must stop resolving.
	if current.Key != apiKey.Key {
		delete(s.byKey, current.Key)
	}

	s.insert(apiKey)

	return nil
}

// Delete removes an API key by ID.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.byID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	delete(s.byKey, current.Key)
	delete(s.byID, keyID)

	return nil
}

// ListByTenant returns the keys scoped to a tenant, newest first, the order
// the persistent store produces.
func (s *InMemoryKeyStore) ListByTenant(_ context.Context, tenantID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*Key{}

	for _, key := range s.byID {
		if key.TenantID != tenantID {
			continue
		}

		copied := *key
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}

		return result[i].ID < result[j].ID
	})

	return result, nil
}

// insert stores a copy under both indexes. Callers hold the write lock.
// Copying keeps later mutations of the caller's struct out of the store.
func (s *InMemoryKeyStore) insert(apiKey *Key) {
	copied := *apiKey
	s.byID[copied.ID] = &copied
	s.byKey[copied.Key] = copied.ID
}
