package ports

import (
	"context"
	"time"

	"github.com/layer-3/authflow/core"
)

// Store interface for token invalidation
type Store interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}

// NonceStore holds issued wallet nonces. Consume is an atomic
// check-and-mark: of any number of concurrent calls for one nonce, at most
// one returns the record. Later calls get core.ErrNonceConsumed until the
// record expires, after which core.ErrNonceNotFound.
type NonceStore interface {
	Put(ctx context.Context, nonce core.WalletNonce) error
	Consume(ctx context.Context, nonce string) (core.WalletNonce, error)
}

// IdentityBackend is the system of record for users. FindByEmail returns
// (nil, nil) when no identity exists. Create returns core.ErrIdentityConflict
// when the email is already taken.
type IdentityBackend interface {
	FindByEmail(ctx context.Context, email string) (*core.Identity, error)
	Create(ctx context.Context, fields core.NewIdentity) (*core.Identity, error)
	Update(ctx context.Context, id string, fields core.IdentityUpdate) (*core.Identity, error)
}

// RateLimiter counts hits on key within window.
type RateLimiter interface {
	CheckLimit(ctx context.Context, key string, max int, window time.Duration) (core.RateLimitResult, error)
}
