package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenInvalidated = errors.New("token has been invalidated")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidChallenge = errors.New("invalid challenge")

	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrInvalidAddress       = errors.New("invalid wallet address")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrEmailNotVerified     = errors.New("email not verified")
	ErrAccountSuspended     = errors.New("account suspended")
	ErrAddressMismatch      = errors.New("signer does not match address")
	ErrNonceConsumed        = errors.New("nonce already consumed")
	ErrNonceNotFound        = errors.New("nonce not found or expired")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrSessionLocked        = errors.New("session cannot attempt authentication")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrIdentityConflict     = errors.New("identity already exists")
	ErrUnresolvableConflict = errors.New("identity conflict could not be resolved")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrUpstream             = errors.New("upstream failure")
)

// Kind classifies errors for callers that map them onto a transport.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindConflict
	KindRateLimited
	KindNotFound
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate-limited"
	case KindNotFound:
		return "not-found"
	case KindUpstream:
		return "upstream-failure"
	default:
		return "internal"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrRateLimited, KindRateLimited},
	{ErrUpstream, KindUpstream},
	{ErrInvalidInput, KindValidation},
	{ErrInvalidEmail, KindValidation},
	{ErrInvalidAddress, KindValidation},
	{ErrInvalidChallenge, KindValidation},
	{ErrInvalidCredentials, KindUnauthenticated},
	{ErrEmailNotVerified, KindUnauthenticated},
	{ErrAccountSuspended, KindUnauthenticated},
	{ErrAddressMismatch, KindUnauthenticated},
	{ErrInvalidSignature, KindUnauthenticated},
	{ErrInvalidToken, KindUnauthenticated},
	{ErrTokenExpired, KindUnauthenticated},
	{ErrTokenInvalidated, KindUnauthenticated},
	{ErrNonceConsumed, KindUnauthenticated},
	{ErrSessionLocked, KindUnauthenticated},
	{ErrNonceNotFound, KindNotFound},
	{ErrSessionNotFound, KindNotFound},
	{ErrIdentityNotFound, KindNotFound},
	{ErrIdentityConflict, KindConflict},
	{ErrUnresolvableConflict, KindConflict},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// PublicMessage is the text safe to return to a client. Authentication
// failures collapse to one message so callers cannot enumerate accounts.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return err.Error()
	case KindUnauthenticated:
		return "invalid credentials"
	case KindRateLimited:
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			return fmt.Sprintf("too many requests, retry in %ds", retrySeconds(rl.RetryAfter))
		}
		return "too many requests"
	case KindNotFound:
		return "session not found or expired"
	default:
		return "try again"
	}
}

// RateLimitError reports a rejected request and when to retry.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int { return retrySeconds(e.RetryAfter) }

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Upstream marks err as a collaborator failure while keeping it inspectable.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}
