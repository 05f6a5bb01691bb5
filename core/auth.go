package core

import "time"

// SessionStatus is the lifecycle state of an AuthSession.
type SessionStatus string

const (
	StatusPendingCreation SessionStatus = "pending-creation"
	StatusReadyForLogin   SessionStatus = "ready-for-login"
	StatusAuthenticated   SessionStatus = "authenticated"
	StatusFailed          SessionStatus = "failed"
	StatusExpired         SessionStatus = "expired"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == StatusFailed || s == StatusExpired
}

// Rank orders the non-terminal statuses. Terminal statuses rank highest.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusPendingCreation:
		return 0
	case StatusReadyForLogin:
		return 1
	case StatusAuthenticated:
		return 2
	case StatusFailed, StatusExpired:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool { return s.Rank() >= 0 }

// Provider names a sign-in mechanism.
type Provider string

const (
	ProviderOAuth       Provider = "oauth"
	ProviderCredentials Provider = "credentials"
	ProviderWallet      Provider = "wallet"
)

// SessionMetadata is caller context captured on the session.
type SessionMetadata struct {
	Provider  Provider `json:"provider,omitempty"`
	IP        string   `json:"ip,omitempty"`
	UserAgent string   `json:"userAgent,omitempty"`
	UserID    string   `json:"userId,omitempty"`
}

// LastEvent mirrors the most recent event recorded on a session.
type LastEvent struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"-"`
}

// AuthSession is one in-flight sign-in attempt.
type AuthSession struct {
	ID        string          `json:"id"`
	Email     string          `json:"email"`
	Status    SessionStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Attempts  int             `json:"attempts"`
	Metadata  SessionMetadata `json:"metadata"`
	LastEvent *LastEvent      `json:"lastEvent,omitempty"`
}

// Live reports whether the session can still make progress at now.
func (s AuthSession) Live(now time.Time) bool {
	return !s.Status.Terminal() && !now.After(s.ExpiresAt)
}

// Grant is the material carried by access and refresh tokens.
type Grant struct {
	ID            string
	UserID        string
	Email         string
	Role          Role
	Provider      Provider
	IssuedAt      time.Time
	AccessExpiry  time.Time
	RefreshExpiry time.Time
	RefreshID     string
}

// WalletNonce is a single-use challenge bound to an address.
type WalletNonce struct {
	Address   string
	Nonce     string
	Message   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// WalletProof is the short-lived claim that an address signed a fresh nonce.
type WalletProof struct {
	ID        string
	Address   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RateLimitResult is the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}
