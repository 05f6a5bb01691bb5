package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/ports"
)

// consumedMarker prefixes a spent record in place, keeping its TTL.
const consumedMarker = "!"

// consumeScript returns the stored record and marks it spent in one step.
// A spent record yields the marker alone; a missing key yields nil.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
if string.sub(v, 1, 1) == ARGV[1] then
  return ARGV[1]
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1] .. v, 'PX', ttl)
else
  redis.call('DEL', KEYS[1])
end
return v
`)

// RedisNonceStore shares nonces across instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.NonceStore = (*RedisNonceStore)(nil)

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "authflow:nonce:"}
}

type nonceRecord struct {
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *RedisNonceStore) Put(ctx context.Context, n core.WalletNonce) error {
	ttl := time.Until(n.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("nonce already expired")
	}
	payload, err := json.Marshal(nonceRecord{
		Address:   n.Address,
		Message:   n.Message,
		IssuedAt:  n.IssuedAt,
		ExpiresAt: n.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal nonce: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+n.Nonce, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	if !ok {
		return fmt.Errorf("nonce collision")
	}
	return nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce string) (core.WalletNonce, error) {
	raw, err := consumeScript.Run(ctx, s.client, []string{s.prefix + nonce}, consumedMarker).Text()
	if errors.Is(err, redis.Nil) {
		return core.WalletNonce{}, core.ErrNonceNotFound
	}
	if err != nil {
		return core.WalletNonce{}, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if raw == consumedMarker {
		return core.WalletNonce{}, core.ErrNonceConsumed
	}

	var rec nonceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return core.WalletNonce{}, fmt.Errorf("failed to decode nonce: %w", err)
	}
	return core.WalletNonce{
		Address:   rec.Address,
		Nonce:     nonce,
		Message:   rec.Message,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Consumed:  true,
	}, nil
}
