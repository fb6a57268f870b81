package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
)

// jwtAssertionLifetime is the validity of a self-signed assertion
const jwtAssertionLifetime = time.Hour

// JWTAuthenticator issues self-signed HS256 assertions for systems that
// accept a shared-secret JWT instead of a token-endpoint handshake
type JWTAuthenticator struct {
	now func() time.Time
}

// NewJWTAuthenticator creates a JWT authenticator
func NewJWTAuthenticator() *JWTAuthenticator {
	return &JWTAuthenticator{now: time.Now}
}

// Authenticate signs a fresh assertion
func (a *JWTAuthenticator) Authenticate(_ context.Context, creds *authn.Credentials) (*authn.Token, error) {
	if creds.SigningKey == "" {
		return nil, fmt.Errorf("%w: signing key not set for %q", shared.ErrAuthenticationFailed, creds.SystemID)
	}

	now := a.now()
	expiresAt := now.Add(jwtAssertionLifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    creds.ClientID,
		Subject:   creds.SystemID,
		Audience:  jwt.ClaimStrings{creds.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.New().String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(creds.SigningKey))
	if err != nil {
		return nil, fmt.Errorf("%w: sign assertion: %v", shared.ErrAuthenticationFailed, err)
	}

	return &authn.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}, nil
}

// Refresh signs a fresh assertion; there is no refresh flow
func (a *JWTAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, _ *authn.Token) (*authn.Token, error) {
	return a.Authenticate(ctx, creds)
}
