package eth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/internal/eth"
)

func TestRecoverAddressRoundTrip(t *testing.T) {
	key, err := eth.GenerateKey()
	require.NoError(t, err)

	msg := "Sign in to X\nNonce: abc\nAddress: " + eth.AddressOf(key)
	sig, err := eth.SignMessage(msg, key)
	require.NoError(t, err)

	got, err := eth.RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, eth.AddressOf(key), got)
	require.True(t, eth.SameAddress(strings.ToLower(got), eth.AddressOf(key)))
}

func TestRecoverAddressDifferentMessage(t *testing.T) {
	key, err := eth.GenerateKey()
	require.NoError(t, err)

	sig, err := eth.SignMessage("hello", key)
	require.NoError(t, err)

	got, err := eth.RecoverAddress("hello!", sig)
	if err == nil {
		require.NotEqual(t, eth.AddressOf(key), got)
	}
}

func TestRecoverAddressMalformed(t *testing.T) {
	_, err := eth.RecoverAddress("m", "not-hex")
	require.ErrorIs(t, err, eth.ErrMalformedSignature)

	_, err = eth.RecoverAddress("m", "0x1234")
	require.ErrorIs(t, err, eth.ErrMalformedSignature)
}

func TestNormalizeAddress(t *testing.T) {
	addr, err := eth.NormalizeAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	require.NoError(t, err)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", addr)

	_, err = eth.NormalizeAddress("0xABC")
	require.ErrorIs(t, err, eth.ErrInvalidAddress)
}
