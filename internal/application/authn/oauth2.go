package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
)

// OAuth2Authenticator implements the client-credentials and refresh-token
// grants against the system's token endpoint. Client credentials travel as
// HTTP Basic auth.
type OAuth2Authenticator struct {
	httpClient *http.Client
}

// NewOAuth2Authenticator creates an OAuth2 authenticator with the given
// request timeout
func NewOAuth2Authenticator(timeout time.Duration) *OAuth2Authenticator {
	return &OAuth2Authenticator{httpClient: &http.Client{Timeout: timeout}}
}

type oauth2Response struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Authenticate performs the client-credentials grant
func (a *OAuth2Authenticator) Authenticate(ctx context.Context, creds *authn.Credentials) (*authn.Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if creds.Scope != "" {
		form.Set("scope", creds.Scope)
	}
	return a.exchange(ctx, creds, form)
}

// Refresh performs the refresh-token grant. Without a refresh token it
// falls back to a full client-credentials grant.
func (a *OAuth2Authenticator) Refresh(ctx context.Context, creds *authn.Credentials, current *authn.Token) (*authn.Token, error) {
	if current == nil || current.RefreshToken == "" {
		return a.Authenticate(ctx, creds)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}
	token, err := a.exchange(ctx, creds, form)
	if err != nil {
		// A rejected refresh token is recoverable with a full grant
		return a.Authenticate(ctx, creds)
	}
	// Some providers do not rotate the refresh token on refresh
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}
	return token, nil
}

func (a *OAuth2Authenticator) exchange(ctx context.Context, creds *authn.Credentials, form url.Values) (*authn.Token, error) {
	if creds.TokenURL == "" {
		return nil, fmt.Errorf("%w: token url not set for %q", shared.ErrAuthenticationFailed, creds.SystemID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: token endpoint returned status %d: %s",
			shared.ErrAuthenticationFailed, resp.StatusCode, string(data))
	}

	var out oauth2Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response carried no access token", shared.ErrAuthenticationFailed)
	}

	now := time.Now()
	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	tokenType := out.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &authn.Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    tokenType,
		Scope:        out.Scope,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
