package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized covers every connection-time authentication failure:
// missing token, invalid signature, unknown user, unverified user. The
// connection is refused before any handler is attached; there is no retry.
var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// JWKSVerifier validates access tokens against a JWKS endpoint.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// NewJWKSVerifier fetches and caches the signing keys, retrying while the
// identity provider is still starting.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}
	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates the token, returning the user id claim.
func (v *JWKSVerifier) Verify(tokenString string) (string, error) {
	claims := &accessClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return userID, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// Authenticate gates a connection attempt: token must verify, the user must
// exist and be email-verified. Any failure maps to ErrUnauthorized.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*AuthUser, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token required", ErrUnauthorized)
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, err := g.store.AuthUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
		}
		return nil, err
	}
	if !user.Verified {
		return nil, fmt.Errorf("%w: user not verified", ErrUnauthorized)
	}
	return user, nil
}
