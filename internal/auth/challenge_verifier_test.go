package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decentralchat/engine/internal/identity"
)

func newTestVerifier(t *testing.T, clock func() time.Time) *ChallengeVerifier {
	t.Helper()
	verifier, err := NewChallengeVerifier(ChallengeVerifierConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewChallengeVerifier: %v", err)
	}
	return verifier
}

func signChallenge(t *testing.T, address identity.Address, challenge string) string {
	t.Helper()
	signature, err := identity.NewKeccakSigner(address).SignMessage(context.Background(), LoginPayload(challenge, address))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	return signature
}

func TestChallengeVerifierAcceptsValidSignature(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	address := testWallet(t)

	challenge, err := verifier.Issue(address)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(challenge) != challengeByteLength*2 {
		t.Fatalf("challenge length = %d, want %d", len(challenge), challengeByteLength*2)
	}

	signature := signChallenge(t, address, challenge)
	if err := verifier.Verify(context.Background(), address, challenge, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestChallengeVerifierConsumesChallenge(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	address := testWallet(t)

	challenge, err := verifier.Issue(address)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	signature := signChallenge(t, address, challenge)
	if err := verifier.Verify(context.Background(), address, challenge, signature); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := verifier.Verify(context.Background(), address, challenge, signature); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("replayed Verify error = %v, want ErrChallengeNotFound", err)
	}
}

func TestChallengeVerifierRejectsExpired(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	verifier := newTestVerifier(t, func() time.Time { return now })
	address := testWallet(t)

	challenge, err := verifier.Issue(address)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = base.Add(defaultChallengeTTL + time.Second)
	signature := signChallenge(t, address, challenge)
	if err := verifier.Verify(context.Background(), address, challenge, signature); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("Verify error = %v, want ErrChallengeExpired", err)
	}
}

func TestChallengeVerifierRejectsWrongAddress(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	address := testWallet(t)
	other, err := identity.NewAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}

	challenge, err := verifier.Issue(address)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	signature := signChallenge(t, other, challenge)
	if err := verifier.Verify(context.Background(), other, challenge, signature); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("Verify error = %v, want ErrChallengeMismatch", err)
	}
}

func TestChallengeVerifierRejectsBadSignature(t *testing.T) {
	verifier := newTestVerifier(t, nil)
	address := testWallet(t)

	challenge, err := verifier.Issue(address)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := verifier.Verify(context.Background(), address, challenge, "0xdeadbeef"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify error = %v, want ErrSignatureInvalid", err)
	}
}
