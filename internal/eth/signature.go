// Package eth wraps the go-ethereum primitives used for wallet sign-in:
// EIP-191 personal-message hashing, public key recovery and address checks.
package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the length of an R || S || V signature.
const SignatureLength = crypto.SignatureLength

var (
	// ErrMalformedSignature is returned when the signature cannot be decoded.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
	ErrInvalidAddress = errors.New("invalid ethereum address")
)

// IsAddress reports whether s is a 0x-prefixed or bare 20-byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the lower-cased 0x form of a valid address.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.ToLower(a), "0x"), strings.TrimPrefix(strings.ToLower(b), "0x"))
}

// RecoverAddress recovers the address that produced signature over the
// EIP-191 personal-message hash of message. The signature is hex with a
// 0x prefix; V may be 0/1 or 27/28.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", ErrMalformedSignature)
	}
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes: %w", SignatureLength, ErrMalformedSignature)
	}

	// Copy before normalising V so the caller's bytes are untouched.
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", ErrMalformedSignature)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// SignMessage produces a wallet-style (V = 27/28) personal-message signature.
// Servers never hold user keys; this exists for tooling and tests.
func SignMessage(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// AddressOf returns the checksummed address for key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// GenerateKey creates a fresh secp256k1 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}
