package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "freshka-catalog"
	tokenAudience = "catalog-admin"
	clockLeeway   = 30 * time.Second

	RoleAdmin = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenMaker signs and verifies HS256 admin tokens.
type TokenMaker struct {
	secret []byte
	now    func() time.Time
}

func NewTokenMaker(secret string) *TokenMaker {
	return &TokenMaker{secret: []byte(secret), now: time.Now}
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (t *TokenMaker) New(subject, role string, ttl time.Duration) (string, error) {
	issued := t.now()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}).SignedString(t.secret)
}

// Parse accepts only unexpired tokens signed with this maker's secret for
// the admin audience.
func (t *TokenMaker) Parse(raw string) (Claims, error) {
	var c Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(t.now),
	)
	tok, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
