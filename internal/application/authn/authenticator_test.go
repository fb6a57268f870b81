package authn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
)

func TestStaticAuthenticatorByMethod(t *testing.T) {
	a := &StaticAuthenticator{}
	ctx := context.Background()

	token, err := a.Authenticate(ctx, &authn.Credentials{
		SystemID: "firs", Method: authn.MethodAPIKey, APIKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)
	assert.Equal(t, "ApiKey", token.TokenType)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.ExpiresAt, time.Minute)

	token, err = a.Authenticate(ctx, &authn.Credentials{
		SystemID: "firs", Method: authn.MethodBearer, StaticToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)

	token, err = a.Authenticate(ctx, &authn.Credentials{
		SystemID: "firs", Method: authn.MethodCertificate, Certificates: []string{"cert-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Certificate", token.TokenType)

	_, err = a.Authenticate(ctx, &authn.Credentials{SystemID: "firs", Method: authn.MethodAPIKey})
	assert.ErrorIs(t, err, shared.ErrAuthenticationFailed)
}

func TestPasswordAuthenticatorPostsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user", body["username"])
		assert.Equal(t, "pass", body["password"])
		_, _ = w.Write([]byte(`{"token":"session-1","expires_in":1800}`))
	}))
	defer server.Close()

	a := NewPasswordAuthenticator(time.Second)
	token, err := a.Authenticate(context.Background(), &authn.Credentials{
		SystemID:         "legacy-erp",
		Method:           authn.MethodPassword,
		Username:         "user",
		Password:         "pass",
		AuthorizationURL: server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1", token.AccessToken)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), token.ExpiresAt, time.Minute)
}

func TestPasswordAuthenticatorRejectedLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	a := NewPasswordAuthenticator(time.Second)
	_, err := a.Authenticate(context.Background(), &authn.Credentials{
		SystemID: "legacy-erp", Method: authn.MethodPassword,
		Username: "user", Password: "bad", AuthorizationURL: server.URL,
	})
	assert.ErrorIs(t, err, shared.ErrAuthenticationFailed)
}

func TestOAuth2AuthenticatorClientCredentialsGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "secret-1", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "invoicing", r.PostForm.Get("scope"))
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":600}`))
	}))
	defer server.Close()

	a := NewOAuth2Authenticator(time.Second)
	token, err := a.Authenticate(context.Background(), &authn.Credentials{
		SystemID:     "firs",
		Method:       authn.MethodOAuth2,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Scope:        "invoicing",
		TokenURL:     server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)
}

func TestOAuth2AuthenticatorRefreshGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		// No rotated refresh token in the response
		_, _ = w.Write([]byte(`{"access_token":"at-2","expires_in":600}`))
	}))
	defer server.Close()

	a := NewOAuth2Authenticator(time.Second)
	creds := &authn.Credentials{
		SystemID: "firs", Method: authn.MethodOAuth2,
		ClientID: "client-1", ClientSecret: "secret-1", TokenURL: server.URL,
	}
	token, err := a.Refresh(context.Background(), creds, &authn.Token{
		AccessToken: "at-1", RefreshToken: "rt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "at-2", token.AccessToken)
	// The previous refresh token is carried over when the provider does not
	// rotate it
	assert.Equal(t, "rt-1", token.RefreshToken)
}

func TestOAuth2AuthenticatorRejectedRefreshFallsBackToFullGrant(t *testing.T) {
	var grants int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		atomic.AddInt32(&grants, 1)
		_, _ = w.Write([]byte(`{"access_token":"at-3","expires_in":600}`))
	}))
	defer server.Close()

	a := NewOAuth2Authenticator(time.Second)
	creds := &authn.Credentials{
		SystemID: "firs", Method: authn.MethodOAuth2,
		ClientID: "client-1", ClientSecret: "secret-1", TokenURL: server.URL,
	}
	token, err := a.Refresh(context.Background(), creds, &authn.Token{
		AccessToken: "at-1", RefreshToken: "revoked",
	})
	require.NoError(t, err)
	assert.Equal(t, "at-3", token.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&grants))
}

func TestJWTAuthenticatorSignsAssertion(t *testing.T) {
	a := NewJWTAuthenticator()
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	token, err := a.Authenticate(context.Background(), &authn.Credentials{
		SystemID:   "firs",
		Method:     authn.MethodJWT,
		ClientID:   "client-1",
		Audience:   "https://api.firs.gov.ng",
		SigningKey: "shared-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(time.Hour), token.ExpiresAt)

	parsed, err := jwt.ParseWithClaims(token.AccessToken, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return []byte("shared-secret"), nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "client-1", claims.Issuer)
	assert.Equal(t, "firs", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"https://api.firs.gov.ng"}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTAuthenticatorRequiresSigningKey(t *testing.T) {
	a := NewJWTAuthenticator()
	_, err := a.Authenticate(context.Background(), &authn.Credentials{
		SystemID: "firs", Method: authn.MethodJWT,
	})
	assert.ErrorIs(t, err, shared.ErrAuthenticationFailed)
}
