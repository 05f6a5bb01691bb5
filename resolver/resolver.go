// Package resolver turns a provider proof into exactly one backend identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/eth"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/ports"
)

const (
	DefaultRecentTTL      = 30 * time.Second
	DefaultLookupRetries  = 1
	DefaultInitialBackoff = 150 * time.Millisecond
	DefaultMaxBackoff     = time.Second
)

// Config bounds the eventual-consistency retry and the recent-identity cache.
type Config struct {
	RecentTTL      time.Duration
	LookupRetries  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Password       PasswordParams
}

func (c Config) withDefaults() Config {
	if c.RecentTTL <= 0 {
		c.RecentTTL = DefaultRecentTTL
	}
	if c.LookupRetries < 0 {
		c.LookupRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Password == (PasswordParams{}) {
		c.Password = DefaultPasswordParams
	}
	return c
}

// WalletTokens validates proof tokens issued by the wallet protocol.
type WalletTokens interface {
	ValidateToken(token string) (core.WalletProof, error)
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Identity core.Identity
	Created  bool
}

type Option func(*Resolver)

func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

// Resolver finds or creates identities in an IdentityBackend.
type Resolver struct {
	cfg     Config
	backend ports.IdentityBackend
	wallet  WalletTokens
	recent  *cache.Cache
	group   singleflight.Group
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

var errMiss = errors.New("identity not visible yet")

// New builds a Resolver. wallet may be nil when wallet login is disabled.
func New(cfg Config, backend ports.IdentityBackend, wallet WalletTokens, opts ...Option) *Resolver {
	cfg = cfg.withDefaults()
	r := &Resolver{
		cfg:     cfg,
		backend: backend,
		wallet:  wallet,
		recent:  cache.New(cfg.RecentTTL, 2*cfg.RecentTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	r.log = logger.OrNop(r.log).With(logger.Component("resolver"))
	return r
}

// RememberCreated records an identity that was created elsewhere (for
// instance by an event consumer) so that lookups racing its propagation
// still see it.
func (r *Resolver) RememberCreated(id core.Identity) {
	key, err := core.NormalizeEmail(id.Email)
	if err != nil {
		return
	}
	if addr, ok := strings.CutSuffix(key, "@"+WalletDomain); ok && id.WalletAddress == "" {
		id.WalletAddress = addr
		id.Provider = core.ProviderWallet
	}
	r.recent.SetDefault(key, id)
}

type flight struct {
	identity core.Identity
	created  bool
}

// Resolve checks the provider proof and returns the identity it maps to,
// creating the identity on first sight.
func (r *Resolver) Resolve(ctx context.Context, proof Proof) (Resolution, error) {
	provider := string(proof.Provider())
	res, err := r.resolve(ctx, proof)
	if err != nil {
		r.metrics.Resolution(provider, core.KindOf(err).String())
		logger.From(ctx, r.log).Info("resolve failed",
			logger.Op("Resolve"), logger.Provider(provider), logger.Err(err))
		return Resolution{}, err
	}
	result := "existing"
	if res.Created {
		result = "created"
	}
	r.metrics.Resolution(provider, result)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, proof Proof) (Resolution, error) {
	key, err := proof.Key()
	if err != nil {
		return Resolution{}, err
	}
	if err := r.precheck(proof); err != nil {
		return Resolution{}, err
	}

	// Collapse concurrent creates for one key. Only the caller whose function
	// ran reports Created.
	var leader bool
	v, err, _ := r.group.Do(key, func() (any, error) {
		leader = true
		return r.findOrCreate(ctx, key, proof)
	})
	if err != nil {
		return Resolution{}, err
	}
	f := v.(flight)
	created := f.created && leader
	identity := f.identity

	if p, ok := proof.(CredentialsProof); ok && !created {
		if identity.PasswordHash == "" || !VerifyPassword(p.Password, identity.PasswordHash) {
			return Resolution{}, core.ErrInvalidCredentials
		}
	}
	if p, ok := proof.(WalletProof); ok && !eth.SameAddress(identity.WalletAddress, p.Address) {
		// The key matched an identity that this wallet does not own.
		return Resolution{}, core.ErrInvalidCredentials
	}
	if identity.Suspended {
		return Resolution{}, core.ErrAccountSuspended
	}
	if created {
		return Resolution{Identity: identity, Created: true}, nil
	}

	now := r.clock.Now()
	touched, err := r.backend.Update(ctx, identity.ID, core.IdentityUpdate{LastAccessAt: &now})
	if err != nil {
		return Resolution{}, core.Upstream("touch identity", err)
	}
	return Resolution{Identity: *touched}, nil
}

func (r *Resolver) precheck(proof Proof) error {
	switch p := proof.(type) {
	case OAuthProof:
		if !p.EmailVerified {
			return core.ErrEmailNotVerified
		}
	case CredentialsProof:
		if p.Password == "" {
			return fmt.Errorf("password required: %w", core.ErrInvalidInput)
		}
	case WalletProof:
		if r.wallet == nil {
			return fmt.Errorf("wallet login disabled: %w", core.ErrInvalidInput)
		}
		claims, err := r.wallet.ValidateToken(p.Token)
		if err != nil {
			return err
		}
		if !eth.SameAddress(claims.Address, p.Address) {
			return core.ErrAddressMismatch
		}
	default:
		return fmt.Errorf("unsupported proof %T: %w", proof, core.ErrInvalidInput)
	}
	return nil
}

func (r *Resolver) findOrCreate(ctx context.Context, key string, proof Proof) (flight, error) {
	found, err := r.lookup(ctx, key)
	if err != nil {
		return flight{}, err
	}
	if found != nil {
		return flight{identity: *found}, nil
	}

	fields, err := r.newIdentity(key, proof)
	if err != nil {
		return flight{}, err
	}
	created, err := r.backend.Create(ctx, fields)
	if err == nil {
		r.recent.SetDefault(key, *created)
		logger.From(ctx, r.log).Info("identity created",
			logger.Op("Resolve"), logger.UserID(created.ID), logger.Email(key))
		return flight{identity: *created, created: true}, nil
	}
	if !errors.Is(err, core.ErrIdentityConflict) {
		return flight{}, core.Upstream("create identity", err)
	}

	// Lost a create race against another instance; re-fetch once.
	again, err := r.backend.FindByEmail(ctx, key)
	if err != nil {
		return flight{}, core.Upstream("refetch identity", err)
	}
	if again == nil {
		return flight{}, core.ErrUnresolvableConflict
	}
	return flight{identity: *again}, nil
}

// lookup asks the backend, falls back to the recent cache on a miss and
// retries the backend a bounded number of times before reporting absence
// as (nil, nil).
func (r *Resolver) lookup(ctx context.Context, key string) (*core.Identity, error) {
	op := func() (*core.Identity, error) {
		found, err := r.backend.FindByEmail(ctx, key)
		if err != nil {
			return nil, backoff.Permanent(core.Upstream("find identity", err))
		}
		if found != nil {
			return found, nil
		}
		if v, ok := r.recent.Get(key); ok {
			id := v.(core.Identity)
			return &id, nil
		}
		return nil, errMiss
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.LookupRetries)), ctx)

	found, err := backoff.RetryWithData(op, policy)
	switch {
	case err == nil:
		return found, nil
	case errors.Is(err, errMiss):
		return nil, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, core.Upstream("find identity", err)
	default:
		return nil, err
	}
}

func (r *Resolver) newIdentity(key string, proof Proof) (core.NewIdentity, error) {
	fields := core.NewIdentity{
		Email:    key,
		Role:     core.RoleUser,
		Provider: proof.Provider(),
	}
	switch p := proof.(type) {
	case OAuthProof:
		fields.Name = p.Name
	case CredentialsProof:
		fields.Name = p.Name
		hash, err := HashPassword(r.cfg.Password, p.Password)
		if err != nil {
			return core.NewIdentity{}, fmt.Errorf("hash password: %w", err)
		}
		fields.PasswordHash = hash
	case WalletProof:
		addr, err := eth.NormalizeAddress(p.Address)
		if err != nil {
			return core.NewIdentity{}, core.ErrInvalidAddress
		}
		fields.WalletAddress = addr
	}
	return fields, nil
}
