// Package wallet implements the nonce challenge that lets a client prove
// control of an Ethereum key without sending it.
//
// A nonce is issued per attempt and bound to one address. Verification
// consumes the nonce before looking at the signature, so a nonce is spent
// whether or not the signature checks out.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/eth"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/ports"
)

const (
	DefaultNonceTTL = 5 * time.Minute
	DefaultTokenTTL = 5 * time.Minute

	nonceBytes = 32
	nonceLine  = "Nonce: "
)

// Config sets the message product name and lifetimes.
type Config struct {
	ProductName string
	NonceTTL    time.Duration
	TokenTTL    time.Duration
}

// Challenge is what a client signs.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Token is the proof handed back after a good signature.
type Token struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Option func(*Protocol)

func WithClock(c clock.Clock) Option { return func(p *Protocol) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Protocol) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Protocol) { p.metrics = m } }

// WithRandom replaces the nonce entropy source.
func WithRandom(r io.Reader) Option { return func(p *Protocol) { p.random = r } }

// Protocol issues and verifies wallet challenges.
type Protocol struct {
	cfg     Config
	nonces  ports.NonceStore
	tokens  ports.Tokenizer
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	random  io.Reader
}

func New(cfg Config, nonces ports.NonceStore, tokens ports.Tokenizer, opts ...Option) *Protocol {
	if cfg.ProductName == "" {
		cfg.ProductName = "Narratives"
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	p := &Protocol{cfg: cfg, nonces: nonces, tokens: tokens}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.random == nil {
		p.random = rand.Reader
	}
	p.log = logger.OrNop(p.log).With(logger.Component("wallet"))
	return p
}

// BuildMessage renders the exact text the wallet signs.
func (p *Protocol) BuildMessage(nonce, address string) string {
	return fmt.Sprintf("Sign in to %s\n%s%s\nAddress: %s", p.cfg.ProductName, nonceLine, nonce, address)
}

// IssueNonce binds a fresh nonce to address. The address does not need to
// belong to a known user.
func (p *Protocol) IssueNonce(ctx context.Context, address string) (Challenge, error) {
	address = strings.TrimSpace(address)
	normalized, err := eth.NormalizeAddress(address)
	if err != nil {
		return Challenge{}, core.ErrInvalidAddress
	}

	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	now := p.clock.Now()
	record := core.WalletNonce{
		Address:   normalized,
		Nonce:     nonce,
		Message:   p.BuildMessage(nonce, address),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.NonceTTL),
	}
	if err := p.nonces.Put(ctx, record); err != nil {
		return Challenge{}, core.Upstream("store nonce", err)
	}

	p.metrics.NonceIssued()
	p.log.Debug("nonce issued", logger.Address(normalized))
	return Challenge{Nonce: nonce, Message: record.Message, ExpiresAt: record.ExpiresAt}, nil
}

// Verify spends the nonce named in message, then checks that signature over
// message recovers to address. Any second call for the same nonce fails with
// core.ErrNonceConsumed.
func (p *Protocol) Verify(ctx context.Context, address, signature, message string) (Token, error) {
	normalized, err := eth.NormalizeAddress(strings.TrimSpace(address))
	if err != nil {
		return Token{}, core.ErrInvalidAddress
	}
	nonce, ok := ParseNonce(message)
	if !ok {
		return Token{}, fmt.Errorf("message has no nonce: %w", core.ErrInvalidChallenge)
	}

	record, err := p.nonces.Consume(ctx, nonce)
	switch {
	case errors.Is(err, core.ErrNonceConsumed):
		p.metrics.Verification("consumed")
		p.log.Info("nonce replay rejected", logger.Address(normalized))
		return Token{}, err
	case errors.Is(err, core.ErrNonceNotFound):
		p.metrics.Verification("not_found")
		return Token{}, err
	case err != nil:
		return Token{}, core.Upstream("consume nonce", err)
	}

	if p.clock.Now().After(record.ExpiresAt) {
		p.metrics.Verification("not_found")
		return Token{}, core.ErrNonceNotFound
	}
	if !eth.SameAddress(record.Address, normalized) || record.Message != message {
		p.metrics.Verification("mismatch")
		return Token{}, fmt.Errorf("challenge does not match request: %w", core.ErrInvalidChallenge)
	}

	signer, err := eth.RecoverAddress(message, signature)
	if err != nil {
		p.metrics.Verification("bad_signature")
		return Token{}, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}
	if !eth.SameAddress(signer, normalized) {
		p.metrics.Verification("bad_signature")
		p.log.Info("signer mismatch", logger.Address(normalized))
		return Token{}, core.ErrAddressMismatch
	}

	now := p.clock.Now()
	proof := &core.WalletProof{
		ID:        uuid.NewString(),
		Address:   normalized,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.TokenTTL),
	}
	token, err := p.tokens.WalletProofToToken(proof)
	if err != nil {
		return Token{}, fmt.Errorf("failed to create proof token: %w", err)
	}

	p.metrics.Verification("ok")
	p.log.Debug("wallet verified", logger.Address(normalized))
	return Token{Token: token, Address: normalized, ExpiresAt: proof.ExpiresAt}, nil
}

// ValidateToken re-checks a proof token's signature, audience and expiry.
func (p *Protocol) ValidateToken(token string) (core.WalletProof, error) {
	proof, err := p.tokens.TokenToWalletProof(token)
	if err != nil {
		return core.WalletProof{}, err
	}
	if p.clock.Now().After(proof.ExpiresAt) {
		return core.WalletProof{}, core.ErrTokenExpired
	}
	return *proof, nil
}

// ParseNonce extracts the nonce line from a challenge message.
func ParseNonce(message string) (string, bool) {
	for _, line := range strings.Split(message, "\n") {
		if rest, ok := strings.CutPrefix(line, nonceLine); ok {
			rest = strings.TrimSpace(rest)
			return rest, rest != ""
		}
	}
	return "", false
}
