package authflow

import (
	"context"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/resolver"
	"github.com/layer-3/authflow/service"
	"github.com/layer-3/authflow/wallet"
)

// Client represents the public interface for driving authentication flows
// in-process, for example from an OAuth callback handler.
type Client interface {
	// StartSession opens or reuses an authentication session
	StartSession(ctx context.Context, identifier string, meta core.SessionMetadata) (core.AuthSession, error)

	// IssueWalletChallenge returns a nonce message for address to sign
	IssueWalletChallenge(ctx context.Context, address, ip string) (wallet.Challenge, error)

	// VerifyWallet checks the signed challenge and returns a wallet proof token
	VerifyWallet(ctx context.Context, address, signature, message string) (wallet.Token, error)

	// SignIn resolves a provider proof and returns new tokens
	SignIn(ctx context.Context, sessionID string, proof resolver.Proof) (service.SignInResult, error)

	// Refresh rotates the refresh token and returns new tokens
	Refresh(ctx context.Context, refreshToken string) (service.Tokens, error)

	// Logout invalidates the refresh token and every access token issued with it
	Logout(ctx context.Context, refreshToken string) error

	// ValidateAccessToken returns the grant behind a live access token
	ValidateAccessToken(ctx context.Context, accessToken string) (*core.Grant, error)
}

var _ Client = (*service.AuthService)(nil)
