package store

import (
	"context"
	"sync"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

// MemoryNonceStore keeps nonces in a map. Consumed nonces stay until they
// expire so replays report core.ErrNonceConsumed.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]core.WalletNonce
	clock  clock.Clock
}

var _ ports.NonceStore = (*MemoryNonceStore)(nil)

func NewMemoryNonceStore(clk clock.Clock) *MemoryNonceStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryNonceStore{nonces: make(map[string]core.WalletNonce), clock: clk}
}

func (s *MemoryNonceStore) Put(ctx context.Context, n core.WalletNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, v := range s.nonces {
		if now.After(v.ExpiresAt) {
			delete(s.nonces, k)
		}
	}
	s.nonces[n.Nonce] = n
	return nil
}

func (s *MemoryNonceStore) Consume(ctx context.Context, nonce string) (core.WalletNonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nonces[nonce]
	if !ok {
		return core.WalletNonce{}, core.ErrNonceNotFound
	}
	if s.clock.Now().After(n.ExpiresAt) {
		delete(s.nonces, nonce)
		return core.WalletNonce{}, core.ErrNonceNotFound
	}
	if n.Consumed {
		return core.WalletNonce{}, core.ErrNonceConsumed
	}
	n.Consumed = true
	s.nonces[nonce] = n
	return n, nil
}

// Len reports how many nonces are held, consumed or not.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}
