package ports

import "github.com/layer-3/authflow/core"

// Tokenizer converts between domain objects and tokens
type Tokenizer interface {
	// Wallet proof tokens
	WalletProofToToken(proof *core.WalletProof) (string, error)
	TokenToWalletProof(token string) (*core.WalletProof, error)

	// Grant tokens
	GrantToAccessToken(grant *core.Grant) (string, error)
	AccessTokenToGrant(token string) (*core.Grant, error)
	GrantToRefreshToken(grant *core.Grant) (string, error)
	RefreshTokenToGrant(token string) (*core.Grant, error)
}
