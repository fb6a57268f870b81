// Package authn contains the authentication bounded context: per-system
// credentials, their method-specific secret material, and issued tokens.
//
// Raw secret material never leaves this package unencrypted at rest; the
// registry in the application layer stores only the sealed form produced by
// the credential cipher.
package authn

import (
	"time"
)

// Method identifies the authentication handshake used for a system
type Method string

const (
	MethodPassword    Method = "PASSWORD"
	MethodAPIKey      Method = "API_KEY"
	MethodOAuth2      Method = "OAUTH2"
	MethodJWT         Method = "JWT"
	MethodBearer      Method = "BEARER"
	MethodCertificate Method = "CERTIFICATE"
)

// IsValid returns true if the method is a known value
func (m Method) IsValid() bool {
	switch m {
	case MethodPassword, MethodAPIKey, MethodOAuth2, MethodJWT, MethodBearer, MethodCertificate:
		return true
	default:
		return false
	}
}

// Credentials is the raw secret material registered for a system. A record
// is created at registration, mutated on every authenticate/refresh cycle,
// and invalidated on logout or revocation.
type Credentials struct {
	SystemID string `json:"system_id" validate:"required"`
	Method   Method `json:"method" validate:"required"`

	// Password method
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// API key method and signed transport headers
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`

	// OAuth2 / JWT methods
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
	TokenURL         string `json:"token_url,omitempty"`
	Scope            string `json:"scope,omitempty"`
	SigningKey       string `json:"signing_key,omitempty"`
	Audience         string `json:"audience,omitempty"`

	// Bearer method
	StaticToken string `json:"static_token,omitempty"`

	// Certificate method: PEM-encoded client certificates
	Certificates []string `json:"certificates,omitempty"`
}

// Token is an issued access token with its lifecycle timestamps
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Lifetime returns the total validity duration of the token
func (t *Token) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// ExpiresWithin reports whether the token expires within the safety buffer.
// Token expiry is always checked with a buffer before use.
func (t *Token) ExpiresWithin(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// RefreshAt returns the point at which the proactive refresh should run:
// 80% of the token lifetime after issuance.
func (t *Token) RefreshAt() time.Time {
	return t.IssuedAt.Add(time.Duration(float64(t.Lifetime()) * 0.8))
}
