package tokenizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
)

func newTestTokenizer(t *testing.T) (*JWTTokenizer, *clock.Fake) {
	t.Helper()
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewJWTTokenizer(key, clk), clk
}

func TestGrantTokens(t *testing.T) {
	tk, clk := newTestTokenizer(t)
	now := clk.Now()

	grant := &core.Grant{
		ID:            "g1",
		UserID:        "u1",
		Email:         "a@x.io",
		Role:          core.RoleUser,
		Provider:      core.ProviderWallet,
		IssuedAt:      now,
		AccessExpiry:  now.Add(5 * time.Minute),
		RefreshExpiry: now.Add(120 * time.Hour),
		RefreshID:     "r1",
	}

	access, err := tk.GrantToAccessToken(grant)
	require.NoError(t, err)
	got, err := tk.AccessTokenToGrant(access)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, core.RoleUser, got.Role)
	assert.Equal(t, "r1", got.RefreshID)
	assert.True(t, got.AccessExpiry.Equal(grant.AccessExpiry))

	refresh, err := tk.GrantToRefreshToken(grant)
	require.NoError(t, err)
	rg, err := tk.RefreshTokenToGrant(refresh)
	require.NoError(t, err)
	assert.Equal(t, "r1", rg.RefreshID)
	assert.Equal(t, "a@x.io", rg.Email)
	assert.Equal(t, core.ProviderWallet, rg.Provider)

	// Audiences do not cross.
	_, err = tk.AccessTokenToGrant(refresh)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
	_, err = tk.TokenToWalletProof(access)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	tk, clk := newTestTokenizer(t)
	now := clk.Now()

	token, err := tk.WalletProofToToken(&core.WalletProof{
		ID: "p1", Address: "0xabc", IssuedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	proof, err := tk.TokenToWalletProof(token)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", proof.Address)

	clk.Advance(2 * time.Minute)
	_, err = tk.TokenToWalletProof(token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestForeignKeyRejected(t *testing.T) {
	a, clk := newTestTokenizer(t)
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	b := NewJWTTokenizer(key, clk)

	now := clk.Now()
	token, err := a.GrantToAccessToken(&core.Grant{UserID: "u1", IssuedAt: now, AccessExpiry: now.Add(time.Minute)})
	require.NoError(t, err)

	_, err = b.AccessTokenToGrant(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
	assert.Equal(t, core.KindUnauthenticated, core.KindOf(err))
}
