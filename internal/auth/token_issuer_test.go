package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decentralchat/engine/internal/identity"
)

const walletHex = "0x52908400098527886E0F7030069857D2E4169EE7"

func testWallet(t *testing.T) identity.Address {
	t.Helper()
	address, err := identity.NewAddress(walletHex)
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	return address
}

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "decentchat",
		Audience:      "decentchat-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)
	address := testWallet(t)

	tokenString, expiresIn, err := issuer.IssueSessionToken(context.Background(), address, "alice")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(30*time.Minute/time.Second) {
		t.Fatalf("expiry seconds = %d, want 1800", expiresIn)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	subject, err := claims.Address()
	if err != nil {
		t.Fatalf("claims address: %v", err)
	}
	if subject != address {
		t.Fatalf("claims address = %q, want %q", subject, address)
	}
	if claims.Nickname != "alice" {
		t.Fatalf("claims nickname = %q, want alice", claims.Nickname)
	}
}

func TestTokenIssuerRejectsEmptyAddress(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueSessionToken(context.Background(), "", "alice"); err == nil {
		t.Fatalf("expected issuance failure for empty address")
	}
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	issuer := newTestIssuer(func() time.Time { return now })

	tokenString, _, err := issuer.IssueSessionToken(context.Background(), testWallet(t), "")
	if err != nil {
		t.Fatalf("issuance: %v", err)
	}

	now = base.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("validation error = %v, want ErrExpiredSessionToken", err)
	}
}

func TestTokenIssuerRejectsForeignSecret(t *testing.T) {
	issuer := newTestIssuer(nil)
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "decentchat",
		Audience:      "decentchat-api",
	})

	tokenString, _, err := foreign.IssueSessionToken(context.Background(), testWallet(t), "")
	if err != nil {
		t.Fatalf("issuance: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("validation error = %v, want ErrInvalidSessionToken", err)
	}
}
