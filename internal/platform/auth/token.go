package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInactiveIdentity = errors.New("identity is inactive")
)

// TokenTypeAccess is the only token type accepted by the verifier.
const TokenTypeAccess = "access"

type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// IdentityLookup loads the identity named by a token subject.
type IdentityLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
}

// TokenVerifier validates HS256 access tokens and loads the identity behind
// them.
type TokenVerifier struct {
	key    []byte
	issuer string
	lookup IdentityLookup
}

func NewTokenVerifier(key []byte, issuer string, lookup IdentityLookup) *TokenVerifier {
	return &TokenVerifier{key: key, issuer: issuer, lookup: lookup}
}

// Verify returns the active identity named by token. Every failure maps to
// ErrInvalidToken or ErrInactiveIdentity; lookup errors other than a missing
// identity are returned wrapped.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*identity.Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	ident, err := v.lookup.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load identity %s: %w", id, err)
	}
	if !ident.Active {
		return nil, ErrInactiveIdentity
	}
	return ident, nil
}

// TokenIssuer mints access tokens. Login lives outside this service; the
// issuer backs the development `token issue` command and tests.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(key []byte, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *TokenIssuer) Issue(identityID uuid.UUID) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Type: TokenTypeAccess,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
