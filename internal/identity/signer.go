package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// User is the identity attached to one connected session. It is created on
// wallet connection and discarded on disconnect.
type User struct {
	Address  Address
	Nickname string
}

// DisplayName prefers the nickname, falling back to the short address.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.Nickname) != "" {
		return u.Nickname
	}
	return u.Address.Short()
}

// Signer is the wallet-style signing capability supplied by the identity
// provider. Signing may fail; callers treat failures as non-fatal.
type Signer interface {
	Address() Address
	SignMessage(ctx context.Context, payload []byte) (string, error)
}

// KeccakSigner produces a Keccak-256 digest over the payload bound to the
// signer's address. It is the in-process stand-in for an external wallet
// prompt: the digest carries no key material and only supports the
// "verified" indicator, not authentication.
type KeccakSigner struct {
	address Address
}

// NewKeccakSigner constructs a signer bound to the given address.
func NewKeccakSigner(address Address) *KeccakSigner {
	return &KeccakSigner{address: address}
}

// Address returns the signer's bound account address.
func (s *KeccakSigner) Address() Address {
	return s.address
}

// SignMessage hashes the payload together with the bound address.
func (s *KeccakSigner) SignMessage(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bound := append([]byte(nil), payload...)
	bound = append(bound, '|')
	bound = append(bound, s.address.String()...)
	return "0x" + hex.EncodeToString(keccak256(bound)), nil
}

// WelcomePayload is the sign-in attestation signed when a session starts.
func WelcomePayload(address Address, at time.Time) []byte {
	return []byte(fmt.Sprintf("Welcome to DecentralChat!\n\nAddress: %s\nTime: %s",
		address.String(), at.UTC().Format(time.RFC3339)))
}
