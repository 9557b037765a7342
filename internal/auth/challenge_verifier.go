package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"go.uber.org/zap"
)

const (
	defaultChallengeTTL = 5 * time.Minute
	challengeByteLength = 16
	loginContext        = "decentchat-login"
)

var (
	errMissingChallenge      = errors.New("auth: challenge must not be empty")
	errMissingSignature      = errors.New("auth: signature must not be empty")
	ErrChallengeNotFound     = errors.New("auth: challenge unknown or already used")
	ErrChallengeExpired      = errors.New("auth: challenge expired")
	ErrChallengeMismatch     = errors.New("auth: challenge issued for a different address")
	ErrSignatureInvalid      = errors.New("auth: challenge signature invalid")
	ErrInvalidVerifierConfig = errors.New("auth: invalid challenge verifier config")
)

// ChallengeVerifierConfig bundles configuration for the login challenge flow.
type ChallengeVerifierConfig struct {
	ChallengeTTL time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// ChallengeVerifier runs the wallet login handshake: it issues single-use
// nonce challenges and verifies the wallet's attestation over them. The
// attestation scheme matches identity.KeccakSigner, so verification is a
// deterministic recomputation rather than a public-key recovery.
type ChallengeVerifier struct {
	ttl    time.Duration
	logger *zap.Logger
	clock  func() time.Time
	cache  *challengeCache
}

// NewChallengeVerifier constructs a verifier with validated configuration.
func NewChallengeVerifier(cfg ChallengeVerifierConfig) (*ChallengeVerifier, error) {
	ttl := cfg.ChallengeTTL
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative challenge ttl", ErrInvalidVerifierConfig)
	}
	if ttl == 0 {
		ttl = defaultChallengeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ChallengeVerifier{
		ttl:    ttl,
		logger: logger,
		clock:  clock,
		cache:  &challengeCache{entries: make(map[string]challengeEntry)},
	}, nil
}

// LoginPayload is the exact byte sequence the wallet must sign for the
// given challenge.
func LoginPayload(challenge string, address identity.Address) []byte {
	return []byte(loginContext + "|" + challenge + "|" + address.String())
}

// Issue mints a single-use challenge bound to the address.
func (v *ChallengeVerifier) Issue(address identity.Address) (string, error) {
	buf := make([]byte, challengeByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: challenge generation: %w", err)
	}
	challenge := hex.EncodeToString(buf)
	v.cache.store(challenge, challengeEntry{
		address:   address,
		expiresAt: v.clock().Add(v.ttl),
	})
	return challenge, nil
}

// Verify checks the wallet's signature over the challenge and consumes it.
// A consumed or expired challenge never verifies again.
func (v *ChallengeVerifier) Verify(ctx context.Context, address identity.Address, challenge, signature string) error {
	challenge = strings.TrimSpace(challenge)
	if challenge == "" {
		return errMissingChallenge
	}
	if strings.TrimSpace(signature) == "" {
		return errMissingSignature
	}

	entry, found := v.cache.consume(challenge)
	if !found {
		return ErrChallengeNotFound
	}
	if v.clock().After(entry.expiresAt) {
		return ErrChallengeExpired
	}
	if entry.address != address {
		return ErrChallengeMismatch
	}

	expected, err := identity.NewKeccakSigner(address).SignMessage(ctx, LoginPayload(challenge, address))
	if err != nil {
		return fmt.Errorf("auth: attestation recompute: %w", err)
	}
	if !strings.EqualFold(expected, signature) {
		v.logger.Warn("login attestation rejected",
			zap.String("address", address.Short()))
		return ErrSignatureInvalid
	}
	return nil
}

type challengeEntry struct {
	address   identity.Address
	expiresAt time.Time
}

type challengeCache struct {
	mu      sync.Mutex
	entries map[string]challengeEntry
}

func (c *challengeCache) store(challenge string, entry challengeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[challenge] = entry
}

// consume removes and returns the entry; single use is enforced here.
func (c *challengeCache) consume(challenge string) (challengeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[challenge]
	if found {
		delete(c.entries, challenge)
	}
	return entry, found
}
