package tokenizer

import "github.com/golang-jwt/jwt/v5"

// WalletProofClaims carry a verified wallet address.
type WalletProofClaims struct {
	jwt.RegisteredClaims
}

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Role      string `json:"role"`
	Provider  string `json:"prv,omitempty"`
	RefreshID string `json:"rid"` // ID of the refresh token
}

// RefreshClaims repeat the identity so a refresh needs no backend lookup.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Role     string `json:"role"`
	Provider string `json:"prv,omitempty"`
}
