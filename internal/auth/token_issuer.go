package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrInvalidTokenTTL      = errors.New("token issuer: ttl must be positive")
	ErrMissingSubject       = errors.New("token issuer: subject required")
)

// Principal is the authenticated caller behind a bearer token.
type Principal struct {
	UserID string
	Name   string
}

type workspaceClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 bearer token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates workspace bearer tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: cfg.SigningSecret,
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueToken signs a token for the principal and reports when it expires.
func (i *TokenIssuer) IssueToken(principal Principal) (string, time.Time, error) {
	subject := strings.TrimSpace(principal.UserID)
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := workspaceClaims{
		Name: strings.TrimSpace(principal.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies signature, issuer, audience and expiry and returns the principal.
func (i *TokenIssuer) ValidateToken(tokenString string) (Principal, error) {
	claims := &workspaceClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrMissingSubject
	}
	return Principal{UserID: claims.Subject, Name: claims.Name}, nil
}
