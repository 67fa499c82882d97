// Package tokenstore caches short-lived API credentials, primarily GitHub
// App installation tokens, so the poller does not mint a new one per round.
package tokenstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a cached credential with its expiry.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the token is past its expiry.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Store caches tokens by key. Get never returns an expired token.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (*Token, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps tokens in process memory. Losing the cache on restart
// just costs one extra token mint.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = &Token{Key: key, Value: value, ExpiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsExpired() {
		return nil, ErrTokenExpired
	}
	return tok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}
