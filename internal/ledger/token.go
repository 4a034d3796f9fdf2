package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the default issuer claim of submitter tokens.
const TokenIssuer = "auditledger"

// SubmitterClaims identify the service submitting digests to a ledger node.
type SubmitterClaims struct {
	jwt.RegisteredClaims
	Submitter string `json:"submitter"`
}

// Tokens issues and verifies short-lived HS256 submitter tokens. Ledger
// nodes and their clients share the secret.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokens creates a Tokens. ttl defaults to five minutes.
func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tokens{secret: secret, issuer: TokenIssuer, ttl: ttl}, nil
}

// Issue signs a token naming submitter.
func (t *Tokens) Issue(submitter string) (string, error) {
	now := time.Now().UTC()
	claims := SubmitterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   submitter,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Submitter: submitter,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims on success.
func (t *Tokens) Verify(tokenStr string) (*SubmitterClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SubmitterClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*SubmitterClaims)
	if !ok || !token.Valid || claims.Submitter == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// PerRPC returns gRPC per-call credentials carrying a fresh token for
// submitter. Set requireTLS when the channel is encrypted.
func (t *Tokens) PerRPC(submitter string, requireTLS bool) *TokenCredentials {
	return &TokenCredentials{tokens: t, submitter: submitter, requireTLS: requireTLS}
}

// TokenCredentials implements credentials.PerRPCCredentials.
type TokenCredentials struct {
	tokens     *Tokens
	submitter  string
	requireTLS bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *TokenCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	tok, err := c.tokens.Issue(c.submitter)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *TokenCredentials) RequireTransportSecurity() bool { return c.requireTLS }

// BearerToken extracts the token from an authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
