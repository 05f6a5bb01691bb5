package resolver

import (
	"fmt"
	"strings"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/eth"
)

// WalletDomain is the domain of the pseudo-emails given to wallet identities.
const WalletDomain = "wallet.local"

// Proof is evidence that a client controls an identity.
type Proof interface {
	Provider() core.Provider
	// Key is the normalized identity key (an email).
	Key() (string, error)
}

// OAuthProof is the result of a federated login callback.
type OAuthProof struct {
	Issuer        string // e.g. "google"
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
	// RoleHint is ignored; new identities always get the user role.
	RoleHint core.Role
}

func (OAuthProof) Provider() core.Provider { return core.ProviderOAuth }

func (p OAuthProof) Key() (string, error) { return EmailKey(p.Email) }

// CredentialsProof is an email and password. Unknown emails are signed up.
type CredentialsProof struct {
	Email    string
	Password string
	Name     string
	RoleHint core.Role
}

func (CredentialsProof) Provider() core.Provider { return core.ProviderCredentials }

func (p CredentialsProof) Key() (string, error) { return EmailKey(p.Email) }

// WalletProof is an address plus the proof token issued by the wallet
// protocol.
type WalletProof struct {
	Address string
	Token   string
}

func (WalletProof) Provider() core.Provider { return core.ProviderWallet }

func (p WalletProof) Key() (string, error) {
	addr, err := eth.NormalizeAddress(strings.TrimSpace(p.Address))
	if err != nil {
		return "", core.ErrInvalidAddress
	}
	return WalletEmail(addr), nil
}

// EmailKey normalizes a user-supplied email. Addresses in WalletDomain are
// reserved for wallet identities and rejected.
func EmailKey(email string) (string, error) {
	key, err := core.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(key, "@"+WalletDomain) {
		return "", fmt.Errorf("domain %s is reserved: %w", WalletDomain, core.ErrInvalidEmail)
	}
	return key, nil
}

// WalletEmail derives the identity key of a wallet address.
func WalletEmail(address string) string {
	return fmt.Sprintf("%s@%s", strings.ToLower(address), WalletDomain)
}
