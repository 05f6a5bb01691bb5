package wallet_test

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/adapters/store"
	"github.com/layer-3/authflow/adapters/tokenizer"
	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/eth"
	"github.com/layer-3/authflow/wallet"
)

type fixture struct {
	clk      *clock.Fake
	protocol *wallet.Protocol
	key      *ecdsa.PrivateKey
	address  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))

	signKey, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)
	walletKey, err := eth.GenerateKey()
	require.NoError(t, err)

	p := wallet.New(
		wallet.Config{ProductName: "X"},
		store.NewMemoryNonceStore(clk),
		tokenizer.NewJWTTokenizer(signKey, clk),
		wallet.WithClock(clk),
	)
	return &fixture{clk: clk, protocol: p, key: walletKey, address: eth.AddressOf(walletKey)}
}

func (f *fixture) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := eth.SignMessage(message, f.key)
	require.NoError(t, err)
	return sig
}

func TestBuildMessage(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Sign in to X\nNonce: abc\nAddress: 0xABC", f.protocol.BuildMessage("abc", "0xABC"))

	nonce, ok := wallet.ParseNonce("Sign in to X\nNonce: abc\nAddress: 0xABC")
	require.True(t, ok)
	assert.Equal(t, "abc", nonce)
}

func TestHappyPathAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)
	assert.Len(t, ch.Nonce, 64)
	assert.Equal(t, f.protocol.BuildMessage(ch.Nonce, f.address), ch.Message)
	assert.Equal(t, f.clk.Now().Add(wallet.DefaultNonceTTL), ch.ExpiresAt)

	tok, err := f.protocol.Verify(ctx, f.address, f.sign(t, ch.Message), ch.Message)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, strings.ToLower(f.address), tok.Address)

	proof, err := f.protocol.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.Address, proof.Address)

	// A fresh, valid signature over the same nonce is still refused.
	_, err = f.protocol.Verify(ctx, f.address, f.sign(t, ch.Message), ch.Message)
	assert.ErrorIs(t, err, core.ErrNonceConsumed)
}

func TestFailedVerifyConsumesNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)

	other, err := eth.GenerateKey()
	require.NoError(t, err)
	badSig, err := eth.SignMessage(ch.Message, other)
	require.NoError(t, err)

	_, err = f.protocol.Verify(ctx, f.address, badSig, ch.Message)
	assert.ErrorIs(t, err, core.ErrAddressMismatch)

	_, err = f.protocol.Verify(ctx, f.address, f.sign(t, ch.Message), ch.Message)
	assert.ErrorIs(t, err, core.ErrNonceConsumed)
}

func TestAddressCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)

	_, err = f.protocol.Verify(ctx, strings.ToUpper(f.address[2:]), f.sign(t, ch.Message), ch.Message)
	require.NoError(t, err)
}

func TestExpiredNonceLooksNeverIssued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)
	f.clk.Advance(wallet.DefaultNonceTTL + time.Second)

	_, err = f.protocol.Verify(ctx, f.address, f.sign(t, ch.Message), ch.Message)
	assert.ErrorIs(t, err, core.ErrNonceNotFound)

	never := f.protocol.BuildMessage(strings.Repeat("ab", 32), f.address)
	_, err = f.protocol.Verify(ctx, f.address, f.sign(t, never), never)
	assert.ErrorIs(t, err, core.ErrNonceNotFound)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestNonceBoundToAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)

	other, err := eth.GenerateKey()
	require.NoError(t, err)
	otherAddr := eth.AddressOf(other)
	sig, err := eth.SignMessage(ch.Message, other)
	require.NoError(t, err)

	_, err = f.protocol.Verify(ctx, otherAddr, sig, ch.Message)
	assert.ErrorIs(t, err, core.ErrInvalidChallenge)
}

func TestInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.protocol.IssueNonce(ctx, "0xABC")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)

	_, err = f.protocol.Verify(ctx, f.address, "0x00", "no nonce here")
	assert.ErrorIs(t, err, core.ErrInvalidChallenge)
}

func TestConcurrentVerifyAtMostOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)
	sig := f.sign(t, ch.Message)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.protocol.Verify(ctx, f.address, sig, ch.Message); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestNoncesAreUnique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ch, err := f.protocol.IssueNonce(ctx, f.address)
		require.NoError(t, err)
		require.False(t, seen[ch.Nonce])
		seen[ch.Nonce] = true
	}
}

func TestValidateTokenExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.protocol.IssueNonce(ctx, f.address)
	require.NoError(t, err)
	tok, err := f.protocol.Verify(ctx, f.address, f.sign(t, ch.Message), ch.Message)
	require.NoError(t, err)

	f.clk.Advance(wallet.DefaultTokenTTL + time.Second)
	_, err = f.protocol.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}
