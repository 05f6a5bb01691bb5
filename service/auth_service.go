package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/events"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/ports"
	"github.com/layer-3/authflow/resolver"
	"github.com/layer-3/authflow/session"
	"github.com/layer-3/authflow/wallet"
)

// Limit is a rate limit budget. Max <= 0 disables the limit.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config tunes token lifetimes and rate limits.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	StartLimit     Limit
	ChallengeLimit Limit
	SignInLimit    Limit
}

// DefaultConfig returns the standard lifetimes and budgets.
func DefaultConfig() Config {
	return Config{
		AccessTTL:      5 * time.Minute,
		RefreshTTL:     5 * 24 * time.Hour, // 5 days
		StartLimit:     Limit{Max: 20, Window: time.Minute},
		ChallengeLimit: Limit{Max: 20, Window: time.Minute},
		SignInLimit:    Limit{Max: 10, Window: time.Minute},
	}
}

// Deps are the collaborators of the service. Limiter and Publisher are
// optional.
type Deps struct {
	Sessions  *session.Store
	Events    *events.Store
	Wallet    *wallet.Protocol
	Resolver  *resolver.Resolver
	Tokenizer ports.Tokenizer
	Store     ports.Store
	Limiter   ports.RateLimiter
	Publisher ports.EventPublisher
}

type Option func(*AuthService)

func WithClock(c clock.Clock) Option { return func(s *AuthService) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *AuthService) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *AuthService) { s.metrics = m } }

// Tokens is the token pair handed to a signed-in client.
type Tokens struct {
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken"`
	AccessExpiry  time.Time `json:"accessExpiresAt"`
	RefreshExpiry time.Time `json:"refreshExpiresAt"`
}

// SignInResult is the outcome of a successful SignIn.
type SignInResult struct {
	Session core.AuthSession `json:"session"`
	Tokens  Tokens           `json:"tokens"`
	Created bool             `json:"created"`
}

// AuthService handles authentication business logic
type AuthService struct {
	cfg Config

	sessions  *session.Store
	events    *events.Store
	wallet    *wallet.Protocol
	resolver  *resolver.Resolver
	tokenizer ports.Tokenizer
	store     ports.Store
	limiter   ports.RateLimiter
	eventPub  ports.EventPublisher

	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config, deps Deps, opts ...Option) *AuthService {
	def := DefaultConfig()
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = def.AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	s := &AuthService{
		cfg:       cfg,
		sessions:  deps.Sessions,
		events:    deps.Events,
		wallet:    deps.Wallet,
		resolver:  deps.Resolver,
		tokenizer: deps.Tokenizer,
		store:     deps.Store,
		limiter:   deps.Limiter,
		eventPub:  deps.Publisher,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.log = logger.OrNop(s.log).With(logger.Component("auth_service"))
	return s
}

// StartSession opens an authentication attempt for identifier, an email or
// a wallet address when meta.Provider is wallet. An unfinished session for
// the same identity that can still take attempts is reused.
func (s *AuthService) StartSession(ctx context.Context, identifier string, meta core.SessionMetadata) (core.AuthSession, error) {
	key, err := identityKey(identifier, meta.Provider)
	if err != nil {
		return core.AuthSession{}, err
	}
	if err := s.limit(ctx, "start", "start:"+clientKey(meta.IP), s.cfg.StartLimit); err != nil {
		return core.AuthSession{}, err
	}

	existing, ok := s.sessions.GetSessionByEmail(key)
	if ok && existing.Status != core.StatusAuthenticated && s.sessions.CanAttemptAuth(existing.ID) {
		logger.From(ctx, s.log).Debug("session reused", logger.SessionID(existing.ID))
		return existing, nil
	}
	meta.UserID = ""
	return s.sessions.CreateSession(key, meta), nil
}

// Session returns a live or failed session.
func (s *AuthService) Session(id string) (core.AuthSession, error) {
	sess, ok := s.sessions.GetSession(id)
	if !ok {
		return core.AuthSession{}, core.ErrSessionNotFound
	}
	return sess, nil
}

// IssueWalletChallenge hands out a nonce for address.
func (s *AuthService) IssueWalletChallenge(ctx context.Context, address, ip string) (wallet.Challenge, error) {
	if err := s.limit(ctx, "challenge", "challenge:"+clientKey(ip), s.cfg.ChallengeLimit); err != nil {
		return wallet.Challenge{}, err
	}
	return s.wallet.IssueNonce(ctx, address)
}

// VerifyWallet checks a signed challenge and returns a wallet proof token to
// be presented to SignIn.
func (s *AuthService) VerifyWallet(ctx context.Context, address, signature, message string) (wallet.Token, error) {
	return s.wallet.Verify(ctx, address, signature, message)
}

// SignIn resolves proof against the session's identity and, on success,
// walks the session to authenticated and issues tokens. Every rejected
// proof costs the session one attempt.
func (s *AuthService) SignIn(ctx context.Context, sessionID string, proof resolver.Proof) (SignInResult, error) {
	log := logger.From(ctx, s.log).With(logger.Op("SignIn"), logger.SessionID(sessionID),
		logger.Provider(string(proof.Provider())))

	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		return SignInResult{}, core.ErrSessionNotFound
	}
	if !s.sessions.CanAttemptAuth(sessionID) {
		return SignInResult{}, core.ErrSessionLocked
	}

	key, err := proof.Key()
	if err != nil {
		return SignInResult{}, err
	}
	scope := "signin:" + string(proof.Provider())
	if err := s.limit(ctx, "signin", scope+":"+key, s.cfg.SignInLimit); err != nil {
		return SignInResult{}, err
	}
	if key != sess.Email {
		s.fail(sessionID, sess.Email, core.ErrInvalidCredentials)
		log.Info("proof does not match session identity")
		return SignInResult{}, core.ErrInvalidCredentials
	}

	res, err := s.resolver.Resolve(ctx, proof)
	if err != nil {
		if core.KindOf(err) != core.KindValidation {
			s.fail(sessionID, sess.Email, err)
		}
		log.Info("sign in rejected", logger.Err(err))
		return SignInResult{}, err
	}

	id := res.Identity
	if !s.sessions.SetSessionUserID(sessionID, id.ID) {
		return SignInResult{}, core.ErrSessionNotFound
	}
	if res.Created {
		s.sessions.UpdateSessionStatus(sessionID, core.StatusReadyForLogin,
			core.UserCreated{UserID: id.ID, Email: id.Email})
	}
	s.sessions.UpdateSessionStatus(sessionID, core.StatusReadyForLogin,
		core.UserVerified{UserID: id.ID, Email: id.Email})
	final, ok := s.sessions.UpdateSessionStatus(sessionID, core.StatusAuthenticated,
		core.AuthSuccess{UserID: id.ID, Email: id.Email, Role: id.Role})
	if !ok {
		return SignInResult{}, core.ErrSessionNotFound
	}
	if final.Status != core.StatusAuthenticated {
		return SignInResult{}, core.ErrSessionLocked
	}

	tokens, err := s.issue(id.ID, id.Email, id.Role, proof.Provider())
	if err != nil {
		return SignInResult{}, err
	}
	log.Info("signed in", logger.UserID(id.ID), zap.Bool("created", res.Created))
	return SignInResult{Session: final, Tokens: tokens, Created: res.Created}, nil
}

// fail spends one attempt and records the failure unless the attempt locked
// the session, in which case the store already recorded the lockout.
func (s *AuthService) fail(sessionID, email string, cause error) {
	after, ok := s.sessions.IncrementAttempts(sessionID)
	if !ok || after.Status == core.StatusFailed {
		return
	}
	s.sessions.RecordEvent(sessionID, core.AuthFailed{Email: email, Reason: core.PublicMessage(cause)})
}

func (s *AuthService) issue(userID, email string, role core.Role, provider core.Provider) (Tokens, error) {
	now := s.clock.Now()
	grant := &core.Grant{
		ID:            uuid.New().String(),
		UserID:        userID,
		Email:         email,
		Role:          role,
		Provider:      provider,
		IssuedAt:      now,
		AccessExpiry:  now.Add(s.cfg.AccessTTL),
		RefreshExpiry: now.Add(s.cfg.RefreshTTL),
		RefreshID:     uuid.New().String(),
	}

	accessToken, err := s.tokenizer.GrantToAccessToken(grant)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to create access token: %w", err)
	}
	refreshToken, err := s.tokenizer.GrantToRefreshToken(grant)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to create refresh token: %w", err)
	}
	return Tokens{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  grant.AccessExpiry,
		RefreshExpiry: grant.RefreshExpiry,
	}, nil
}

// Refresh rotates the refresh token and issues new access and refresh tokens
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	grant, err := s.tokenizer.RefreshTokenToGrant(refreshToken)
	if err != nil {
		return Tokens{}, fmt.Errorf("invalid refresh token: %w", err)
	}
	now := s.clock.Now()
	if now.After(grant.RefreshExpiry) {
		return Tokens{}, core.ErrTokenExpired
	}

	invalidated, err := s.store.IsTokenInvalidated(ctx, grant.RefreshID)
	if err != nil {
		return Tokens{}, core.Upstream("check token invalidation", err)
	}
	if invalidated {
		return Tokens{}, core.ErrTokenInvalidated
	}

	// The old token stays invalid for as long as it would have been valid.
	if err := s.store.InvalidateToken(ctx, grant.RefreshID, grant.RefreshExpiry.Sub(now)); err != nil {
		return Tokens{}, core.Upstream("invalidate old token", err)
	}
	return s.issue(grant.UserID, grant.Email, grant.Role, grant.Provider)
}

// Logout invalidates a refresh token
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	grant, err := s.tokenizer.RefreshTokenToGrant(refreshToken)
	if err != nil {
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	remaining := grant.RefreshExpiry.Sub(s.clock.Now())
	if remaining <= 0 {
		remaining = time.Hour
	}
	if err := s.store.InvalidateToken(ctx, grant.RefreshID, remaining); err != nil {
		return core.Upstream("invalidate token", err)
	}

	// The token is already invalid locally; other instances learn about it
	// on a best-effort basis.
	if s.eventPub != nil {
		if err := s.eventPub.PublishLogout(ctx, grant.UserID, grant.RefreshID); err != nil {
			logger.From(ctx, s.log).Warn("failed to publish logout event",
				logger.UserID(grant.UserID), logger.Err(err))
		}
	}
	return nil
}

// ValidateAccessToken returns the grant behind a live access token whose
// refresh token has not been revoked.
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Grant, error) {
	grant, err := s.tokenizer.AccessTokenToGrant(accessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if s.clock.Now().After(grant.AccessExpiry) {
		return nil, core.ErrTokenExpired
	}

	if grant.RefreshID != "" {
		invalidated, err := s.store.IsTokenInvalidated(ctx, grant.RefreshID)
		if err != nil {
			return nil, core.Upstream("check token invalidation", err)
		}
		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}
	return grant, nil
}

// SessionEvents returns the stored history of a known session.
func (s *AuthService) SessionEvents(sessionID string) ([]core.AuthEvent, error) {
	if !s.known(sessionID) {
		return nil, core.ErrSessionNotFound
	}
	return s.events.GetSessionEvents(sessionID), nil
}

// Subscribe opens a live feed for a known session.
func (s *AuthService) Subscribe(sessionID string) (<-chan core.SSEAuthEvent, func(), error) {
	if !s.known(sessionID) {
		return nil, nil, core.ErrSessionNotFound
	}
	ch, cancel := s.events.Subscribe(sessionID)
	return ch, cancel, nil
}

func (s *AuthService) known(sessionID string) bool {
	if _, ok := s.sessions.Inspect(sessionID); ok {
		return true
	}
	return s.events.HasActiveSession(sessionID)
}

func (s *AuthService) limit(ctx context.Context, scope, key string, l Limit) error {
	if s.limiter == nil || l.Max <= 0 {
		return nil
	}
	res, err := s.limiter.CheckLimit(ctx, key, l.Max, l.Window)
	if err != nil {
		return core.Upstream("rate limit", err)
	}
	if res.Allowed {
		return nil
	}
	s.metrics.Limited(scope)
	retry := res.ResetTime.Sub(s.clock.Now())
	if retry < 0 {
		retry = 0
	}
	return &core.RateLimitError{Key: key, RetryAfter: retry}
}

func identityKey(identifier string, provider core.Provider) (string, error) {
	if provider == core.ProviderWallet {
		return resolver.WalletProof{Address: identifier}.Key()
	}
	return resolver.EmailKey(identifier)
}

func clientKey(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "unknown"
	}
	return ip
}
