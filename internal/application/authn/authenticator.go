// Package authn implements the authentication coordinator: per-method
// authenticators, sealed credential storage, proactive token refresh, and
// auth rate limiting.
package authn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
)

// staticTokenLifetime is the nominal validity assigned to tokens derived
// from static material. They are re-derived on expiry without a network
// round trip.
const staticTokenLifetime = 24 * time.Hour

// Authenticator performs the handshake for one authentication method
type Authenticator interface {
	// Authenticate performs a full authentication and returns a fresh token
	Authenticate(ctx context.Context, creds *authn.Credentials) (*authn.Token, error)
	// Refresh exchanges the current token for a fresh one. Methods without
	// a refresh flow fall back to a full authentication.
	Refresh(ctx context.Context, creds *authn.Credentials, current *authn.Token) (*authn.Token, error)
}

// StaticAuthenticator serves the methods whose token is derived directly
// from registered material: API key, bearer, and certificate
type StaticAuthenticator struct{}

// Authenticate implements Authenticator
func (a *StaticAuthenticator) Authenticate(_ context.Context, creds *authn.Credentials) (*authn.Token, error) {
	now := time.Now()
	token := &authn.Token{
		TokenType: "Bearer",
		IssuedAt:  now,
		ExpiresAt: now.Add(staticTokenLifetime),
	}
	switch creds.Method {
	case authn.MethodAPIKey:
		if creds.APIKey == "" {
			return nil, fmt.Errorf("%w: api key not set for %q", shared.ErrAuthenticationFailed, creds.SystemID)
		}
		token.AccessToken = creds.APIKey
		token.TokenType = "ApiKey"
	case authn.MethodBearer:
		if creds.StaticToken == "" {
			return nil, fmt.Errorf("%w: static token not set for %q", shared.ErrAuthenticationFailed, creds.SystemID)
		}
		token.AccessToken = creds.StaticToken
	case authn.MethodCertificate:
		if len(creds.Certificates) == 0 {
			return nil, fmt.Errorf("%w: no certificates registered for %q", shared.ErrAuthenticationFailed, creds.SystemID)
		}
		// Certificate auth rides on the transport layer; the token only
		// marks the system as authenticated.
		token.AccessToken = creds.Certificates[0]
		token.TokenType = "Certificate"
	default:
		return nil, fmt.Errorf("%w: method %q not served by static authenticator",
			shared.ErrAuthenticationFailed, creds.Method)
	}
	return token, nil
}

// Refresh re-derives the token from the registered material
func (a *StaticAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, _ *authn.Token) (*authn.Token, error) {
	return a.Authenticate(ctx, creds)
}

// PasswordAuthenticator posts username/password credentials to the
// system's authorization endpoint
type PasswordAuthenticator struct {
	httpClient *http.Client
}

// NewPasswordAuthenticator creates a password authenticator with the given
// request timeout
func NewPasswordAuthenticator(timeout time.Duration) *PasswordAuthenticator {
	return &PasswordAuthenticator{httpClient: &http.Client{Timeout: timeout}}
}

type passwordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type passwordResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Authenticate implements Authenticator
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, creds *authn.Credentials) (*authn.Token, error) {
	if creds.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: authorization url not set for %q", shared.ErrAuthenticationFailed, creds.SystemID)
	}
	body, err := json.Marshal(passwordRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.AuthorizationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: login returned status %d: %s",
			shared.ErrAuthenticationFailed, resp.StatusCode, string(data))
	}

	var out passwordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("%w: login response carried no token", shared.ErrAuthenticationFailed)
	}

	now := time.Now()
	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &authn.Token{
		AccessToken: out.Token,
		TokenType:   "Bearer",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// Refresh re-authenticates; the password flow has no refresh grant
func (a *PasswordAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, _ *authn.Token) (*authn.Token, error) {
	return a.Authenticate(ctx, creds)
}
