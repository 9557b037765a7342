package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingAddressClaim  = errors.New("auth: address claim must be provided")
	// ErrInvalidSessionToken indicates a token that failed validation.
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
	// ErrExpiredSessionToken indicates a token past its expiry.
	ErrExpiredSessionToken = errors.New("auth: session token expired")
)

// WalletClaims is the JWT payload for an authenticated wallet session. The
// address rides in the registered subject; the nickname is a private claim.
type WalletClaims struct {
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues session JWTs after wallet challenge verification.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueSessionToken produces a signed JWT and its expiry (seconds) for the
// verified wallet address.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, address identity.Address, nickname string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if address == "" {
		return "", 0, errMissingAddressClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := WalletClaims{
		Nickname: nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session JWT is well formed and returns the
// wallet claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (WalletClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return WalletClaims{}, errMissingSigningSecret
	}

	claims := &WalletClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WalletClaims{}, ErrExpiredSessionToken
		}
		return WalletClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if _, err := identity.NewAddress(claims.Subject); err != nil {
		return WalletClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	return *claims, nil
}

// Address returns the claims' wallet address in canonical form.
func (c WalletClaims) Address() (identity.Address, error) {
	return identity.NewAddress(c.Subject)
}
