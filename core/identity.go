package core

import (
	"net/mail"
	"strings"
	"time"
)

// Role is the authorization role of an identity.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is a user record owned by the identity backend.
type Identity struct {
	ID            string
	Email         string
	Name          string
	Role          Role
	Provider      Provider
	PasswordHash  string
	WalletAddress string
	Suspended     bool
	CreatedAt     time.Time
	LastAccessAt  time.Time
}

// NewIdentity carries the fields for identity creation.
type NewIdentity struct {
	Email         string
	Name          string
	Role          Role
	Provider      Provider
	PasswordHash  string
	WalletAddress string
}

// IdentityUpdate is a partial update; nil fields are left unchanged.
type IdentityUpdate struct {
	Name          *string
	LastAccessAt  *time.Time
	WalletAddress *string
	Suspended     *bool
}

// NormalizeEmail trims and lower-cases email and rejects values that are not
// a bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 254 {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
