// Package auth verifies client credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var _ core.AuthService = (*JWTVerifier)(nil)

// Claims carried by access tokens. The subject is the identity.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens issued by the account service.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

// Verify returns the identity in the token's subject.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (domain.UserID, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrAuthentication)
	}
	var claims Claims
	token, err := v.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	}
	id := domain.UserID(claims.Subject)
	if !domain.ValidUserID(id) {
		return "", fmt.Errorf("%w: token has no usable subject", domain.ErrAuthentication)
	}
	return id, nil
}

// Issue signs a token for identity. Used by tests and local tooling; the platform's
// account service issues real tokens.
func (v *JWTVerifier) Issue(identity domain.UserID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
