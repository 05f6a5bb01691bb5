package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

const (
	AudienceWalletProof = "authflow:wallet"
	AudienceAccess      = "authflow:access"
	AudienceRefresh     = "authflow:refresh"

	Issuer = "authflow"
)

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	clock   clock.Clock
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// NewJWTTokenizer creates a new JWT tokenizer. A nil clock means wall time.
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, clk clock.Clock) *JWTTokenizer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &JWTTokenizer{signKey: signKey, clock: clk}
}

func (j *JWTTokenizer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(audience),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return core.ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	if !token.Valid {
		return core.ErrInvalidToken
	}
	return nil
}

func registered(subject, id, audience string, issued, expires time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
		Audience:  jwt.ClaimStrings{audience},
	}
}

// WalletProofToToken signs a wallet proof.
func (j *JWTTokenizer) WalletProofToToken(proof *core.WalletProof) (string, error) {
	return j.sign(WalletProofClaims{
		RegisteredClaims: registered(proof.Address, proof.ID, AudienceWalletProof, proof.IssuedAt, proof.ExpiresAt),
	})
}

// TokenToWalletProof verifies and decodes a wallet proof token.
func (j *JWTTokenizer) TokenToWalletProof(tokenStr string) (*core.WalletProof, error) {
	claims := &WalletProofClaims{}
	if err := j.parse(tokenStr, claims, AudienceWalletProof); err != nil {
		return nil, err
	}
	return &core.WalletProof{
		ID:        claims.ID,
		Address:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GrantToAccessToken converts a Grant to an access JWT token
func (j *JWTTokenizer) GrantToAccessToken(grant *core.Grant) (string, error) {
	return j.sign(AccessClaims{
		RegisteredClaims: registered(grant.UserID, grant.ID, AudienceAccess, grant.IssuedAt, grant.AccessExpiry),
		Email:            grant.Email,
		Role:             string(grant.Role),
		Provider:         string(grant.Provider),
		RefreshID:        grant.RefreshID,
	})
}

// GrantToRefreshToken converts a Grant to a refresh JWT token
func (j *JWTTokenizer) GrantToRefreshToken(grant *core.Grant) (string, error) {
	// RefreshID doubles as the JWT ID of the refresh token
	return j.sign(RefreshClaims{
		RegisteredClaims: registered(grant.UserID, grant.RefreshID, AudienceRefresh, grant.IssuedAt, grant.RefreshExpiry),
		Email:            grant.Email,
		Role:             string(grant.Role),
		Provider:         string(grant.Provider),
	})
}

// AccessTokenToGrant parses an access token and returns the associated grant
func (j *JWTTokenizer) AccessTokenToGrant(tokenStr string) (*core.Grant, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return nil, err
	}
	return &core.Grant{
		ID:           claims.ID,
		UserID:       claims.Subject,
		Email:        claims.Email,
		Role:         core.Role(claims.Role),
		Provider:     core.Provider(claims.Provider),
		IssuedAt:     claims.IssuedAt.Time,
		AccessExpiry: claims.ExpiresAt.Time,
		RefreshID:    claims.RefreshID,
	}, nil
}

// RefreshTokenToGrant parses a refresh token. Only the refresh half of the
// grant is populated.
func (j *JWTTokenizer) RefreshTokenToGrant(tokenStr string) (*core.Grant, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		return nil, err
	}
	return &core.Grant{
		UserID:        claims.Subject,
		Email:         claims.Email,
		Role:          core.Role(claims.Role),
		Provider:      core.Provider(claims.Provider),
		IssuedAt:      claims.IssuedAt.Time,
		RefreshExpiry: claims.ExpiresAt.Time,
		RefreshID:     claims.ID,
	}, nil
}
