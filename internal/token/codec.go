// Package token mints and validates the signed access and refresh tokens.
//
// Tokens are HS256 JWTs carrying sub, iat, exp and type; refresh tokens also
// carry a random jti so an external revocation list can address them.
// The codec keeps no record of what it has issued.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r2r72/authcore/internal/clock"
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// MinSecretLength is the shortest HS256 key accepted.
const MinSecretLength = 32

const jtiBytes = 32

// Claims is the claim set of every issued token.
type Claims struct {
	Type Kind `json:"type"`
	jwt.RegisteredClaims
}

// Config configures a Codec.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      clock.Clock
}

// Codec issues and validates tokens with a single process-wide key.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock
}

// NewCodec validates cfg and returns a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, ErrInvalidTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Codec{
		secret:     secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      cfg.Clock,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// IssueAccess mints a short-lived access token for subject.
func (c *Codec) IssueAccess(subject string) (string, error) {
	return c.issue(subject, KindAccess, c.accessTTL)
}

// IssueRefresh mints a refresh token for subject with a fresh jti.
func (c *Codec) IssueRefresh(subject string) (string, error) {
	return c.issue(subject, KindRefresh, c.refreshTTL)
}

func (c *Codec) issue(subject string, kind Kind, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}

	// NumericDate has whole-second precision; truncate once so exp - iat is
	// exactly the TTL.
	now := c.clock.Now().Truncate(time.Second)
	claims := Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if kind == KindRefresh {
		jti, err := newJTI()
		if err != nil {
			return "", err
		}
		claims.ID = jti
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Validate checks, in order, signature and structure (ErrMalformed), expiry
// (ErrExpired) and kind (ErrWrongType), and returns the claims on success.
func (c *Codec) Validate(tokenString string, expected Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing required claim", ErrMalformed)
	}
	if claims.Type != KindAccess && claims.Type != KindRefresh {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, claims.Type)
	}

	if c.clock.Now().After(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	if claims.Type != expected {
		return nil, ErrWrongType
	}

	return claims, nil
}

func (c *Codec) keyFunc(*jwt.Token) (interface{}, error) {
	return c.secret, nil
}

func newJTI() (string, error) {
	b := make([]byte, jtiBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
