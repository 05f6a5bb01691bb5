// Package identity provides ports.IdentityBackend implementations.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

// Memory keeps identities in a map keyed by lower-cased email.
type Memory struct {
	clock clock.Clock

	mu      sync.RWMutex
	byEmail map[string]*core.Identity
	byID    map[string]*core.Identity
}

var _ ports.IdentityBackend = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		clock:   clk,
		byEmail: make(map[string]*core.Identity),
		byID:    make(map[string]*core.Identity),
	}
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*core.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	out := *id
	return &out, nil
}

func (m *Memory) Create(_ context.Context, f core.NewIdentity) (*core.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(f.Email))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[email]; ok {
		return nil, core.ErrIdentityConflict
	}
	now := m.clock.Now()
	id := &core.Identity{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          f.Name,
		Role:          f.Role,
		Provider:      f.Provider,
		PasswordHash:  f.PasswordHash,
		WalletAddress: f.WalletAddress,
		CreatedAt:     now,
		LastAccessAt:  now,
	}
	m.byEmail[email] = id
	m.byID[id.ID] = id
	out := *id
	return &out, nil
}

func (m *Memory) Update(_ context.Context, id string, f core.IdentityUpdate) (*core.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, core.ErrIdentityNotFound
	}
	if f.Name != nil {
		rec.Name = *f.Name
	}
	if f.LastAccessAt != nil {
		rec.LastAccessAt = *f.LastAccessAt
	}
	if f.WalletAddress != nil {
		rec.WalletAddress = *f.WalletAddress
	}
	if f.Suspended != nil {
		rec.Suspended = *f.Suspended
	}
	out := *rec
	return &out, nil
}

// Len reports the number of identities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
