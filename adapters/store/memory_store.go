package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

// MemoryStore is an in-memory implementation of the Store interface.
// Entries expire lazily against the clock.
type MemoryStore struct {
	invalidatedTokens map[string]time.Time
	mu                sync.RWMutex
	clock             clock.Clock
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{
		invalidatedTokens: make(map[string]time.Time),
		clock:             clk,
	}
}

// InvalidateToken marks a token as invalidated until expiry has elapsed
func (s *MemoryStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, until := range s.invalidatedTokens {
		if now.After(until) {
			delete(s.invalidatedTokens, id)
		}
	}

	expiryTime := now.Add(expiry)
	// Keep the later expiry if the token was already invalidated
	if current, ok := s.invalidatedTokens[tokenID]; !ok || expiryTime.After(current) {
		s.invalidatedTokens[tokenID] = expiryTime
	}
	return nil
}

// IsTokenInvalidated checks if a token is invalidated
func (s *MemoryStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiryTime, exists := s.invalidatedTokens[tokenID]
	if !exists {
		return false, nil
	}
	return !s.clock.Now().After(expiryTime), nil
}
