package auth

import (
	"context"
	"sync"
)

// MemoryTokenStore keeps access tokens in-memory. It is safe for concurrent
// use and intended for development and tests.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	tokens  map[string]*Identity
	lookups int
	err     error
}

// NewMemoryTokenStore constructs an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Identity)}
}

// Save registers identity under token.
func (s *MemoryTokenStore) Save(token string, identity *Identity) {
	s.mu.Lock()
	s.tokens[token] = identity
	s.mu.Unlock()
}

// Revoke removes token.
func (s *MemoryTokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// SetError makes every lookup fail with err until cleared with nil.
func (s *MemoryTokenStore) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Lookups returns how many lookups reached the store.
func (s *MemoryTokenStore) Lookups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookups
}

// LookupToken implements Store.
func (s *MemoryTokenStore) LookupToken(_ context.Context, token string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	identity, ok := s.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return identity, nil
}
