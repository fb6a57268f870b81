package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
	"github.com/einvoice/integration/internal/infrastructure/crypto"
)

// refreshTimeout bounds one background token refresh
const refreshTimeout = 30 * time.Second

// RefreshRecorder receives token refresh events. Used to bridge into
// telemetry.
type RefreshRecorder interface {
	RecordTokenRefresh(ctx context.Context, systemID string, onDemand bool)
}

// CoordinatorConfig tunes the coordinator
type CoordinatorConfig struct {
	// TokenExpiryBuffer is subtracted from the token deadline when deciding
	// whether a token is still usable
	TokenExpiryBuffer time.Duration
	// RequestTimeout bounds one authentication round trip
	RequestTimeout time.Duration
}

// Coordinator owns authentication for every registered system: sealed
// credential storage, the cached token per system, proactive refresh at 80%
// of the token lifetime, and the auth rate limit.
type Coordinator struct {
	config   CoordinatorConfig
	cipher   *crypto.CredentialCipher
	limiter  RateLimiter
	recorder RefreshRecorder
	logger   *zap.Logger

	authenticators map[authn.Method]Authenticator

	mu     sync.RWMutex
	sealed map[string]string
	tokens map[string]*authn.Token

	// flight dedupes concurrent on-demand authentications per system
	flight singleflight.Group

	runMu   sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	timers  map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// CoordinatorOption is a functional option for configuring the Coordinator
type CoordinatorOption func(*Coordinator)

// WithRefreshRecorder bridges refresh events into telemetry
func WithRefreshRecorder(r RefreshRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithAuthenticator overrides the authenticator for a method. Used in tests
// and for bespoke system handshakes.
func WithAuthenticator(method authn.Method, a Authenticator) CoordinatorOption {
	return func(c *Coordinator) {
		c.authenticators[method] = a
	}
}

// NewCoordinator creates a coordinator with the default per-method
// authenticators
func NewCoordinator(config CoordinatorConfig, cipher *crypto.CredentialCipher, limiter RateLimiter, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if config.TokenExpiryBuffer <= 0 {
		config.TokenExpiryBuffer = 60 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	static := &StaticAuthenticator{}
	c := &Coordinator{
		config:  config,
		cipher:  cipher,
		limiter: limiter,
		logger:  logger,
		authenticators: map[authn.Method]Authenticator{
			authn.MethodPassword:    NewPasswordAuthenticator(config.RequestTimeout),
			authn.MethodOAuth2:      NewOAuth2Authenticator(config.RequestTimeout),
			authn.MethodJWT:         NewJWTAuthenticator(),
			authn.MethodAPIKey:      static,
			authn.MethodBearer:      static,
			authn.MethodCertificate: static,
		},
		sealed: make(map[string]string),
		tokens: make(map[string]*authn.Token),
		timers: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterCredentials seals and stores the credential material for a
// system, invalidating any cached token
func (c *Coordinator) RegisterCredentials(creds *authn.Credentials) error {
	if creds.SystemID == "" {
		return fmt.Errorf("%w: system id is required", shared.ErrInvalidInput)
	}
	if !creds.Method.IsValid() {
		return fmt.Errorf("%w: unknown auth method %q", shared.ErrInvalidInput, creds.Method)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	blob, err := c.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}

	c.mu.Lock()
	c.sealed[creds.SystemID] = blob
	delete(c.tokens, creds.SystemID)
	c.mu.Unlock()
	c.cancelRefresh(creds.SystemID)

	c.logger.Info("registered credentials",
		zap.String("system_id", creds.SystemID),
		zap.String("method", string(creds.Method)))
	return nil
}

// RevokeCredentials removes a system's credentials and token
func (c *Coordinator) RevokeCredentials(systemID string) error {
	c.mu.Lock()
	_, ok := c.sealed[systemID]
	delete(c.sealed, systemID)
	delete(c.tokens, systemID)
	c.mu.Unlock()
	c.cancelRefresh(systemID)
	if !ok {
		return fmt.Errorf("%w: %q", shared.ErrSystemNotFound, systemID)
	}
	return nil
}

// GetToken returns a usable token for the system, authenticating or
// refreshing on demand when the cached one is missing or expires within
// the safety buffer. Concurrent callers share one handshake.
func (c *Coordinator) GetToken(ctx context.Context, systemID string) (*authn.Token, error) {
	c.mu.RLock()
	token := c.tokens[systemID]
	c.mu.RUnlock()
	if token != nil && !token.ExpiresWithin(c.config.TokenExpiryBuffer) {
		return token, nil
	}

	result, err, _ := c.flight.Do(systemID, func() (any, error) {
		// Another caller may have finished the handshake while we queued
		c.mu.RLock()
		t := c.tokens[systemID]
		c.mu.RUnlock()
		if t != nil && !t.ExpiresWithin(c.config.TokenExpiryBuffer) {
			return t, nil
		}
		// The handshake is shared by every queued caller, so it must not die
		// with the first caller's context.
		hctx, done := context.WithTimeout(context.WithoutCancel(ctx), c.config.RequestTimeout)
		defer done()
		return c.authenticate(hctx, systemID, true)
	})
	if err != nil {
		return nil, err
	}
	return result.(*authn.Token), nil
}

// Logout drops the cached token and cancels the scheduled refresh. The
// registered credentials survive for later re-authentication.
func (c *Coordinator) Logout(systemID string) {
	c.mu.Lock()
	delete(c.tokens, systemID)
	c.mu.Unlock()
	c.cancelRefresh(systemID)
	c.logger.Info("logged out", zap.String("system_id", systemID))
}

// credentials opens the sealed material for a system
func (c *Coordinator) credentials(systemID string) (*authn.Credentials, error) {
	c.mu.RLock()
	blob, ok := c.sealed[systemID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no credentials for %q", shared.ErrSystemNotFound, systemID)
	}
	plaintext, err := c.cipher.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %q: %w", systemID, err)
	}
	var creds authn.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials for %q: %w", systemID, err)
	}
	return &creds, nil
}

// authenticate performs one rate-limited handshake and caches the result.
// When a refresh token is present the refresh flow runs first.
func (c *Coordinator) authenticate(ctx context.Context, systemID string, onDemand bool) (*authn.Token, error) {
	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, systemID)
		if err != nil {
			return nil, fmt.Errorf("auth rate limit: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: system %q", shared.ErrAuthRateLimited, systemID)
		}
	}

	creds, err := c.credentials(systemID)
	if err != nil {
		return nil, err
	}
	authenticator, ok := c.authenticators[creds.Method]
	if !ok {
		return nil, fmt.Errorf("%w: no authenticator for method %q",
			shared.ErrAuthenticationFailed, creds.Method)
	}

	c.mu.RLock()
	current := c.tokens[systemID]
	c.mu.RUnlock()

	var token *authn.Token
	if current != nil && current.RefreshToken != "" {
		token, err = authenticator.Refresh(ctx, creds, current)
	} else {
		token, err = authenticator.Authenticate(ctx, creds)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tokens[systemID] = token
	c.mu.Unlock()

	c.scheduleRefresh(systemID, token)
	if c.recorder != nil {
		c.recorder.RecordTokenRefresh(ctx, systemID, onDemand)
	}
	c.logger.Debug("token issued",
		zap.String("system_id", systemID),
		zap.Time("expires_at", token.ExpiresAt),
		zap.Time("refresh_at", token.RefreshAt()))
	return token, nil
}

// scheduleRefresh arms the proactive refresh at 80% of the token lifetime,
// replacing any previously armed one
func (c *Coordinator) scheduleRefresh(systemID string, token *authn.Token) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	if cancel, ok := c.timers[systemID]; ok {
		cancel()
	}

	delay := time.Until(token.RefreshAt())
	if delay < 0 {
		delay = 0
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.timers[systemID] = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		refreshCtx, done := context.WithTimeout(ctx, refreshTimeout)
		defer done()
		if _, err := c.authenticate(refreshCtx, systemID, false); err != nil {
			// The token stays valid until its deadline; the next GetToken
			// retries on demand.
			c.logger.Warn("scheduled token refresh failed",
				zap.String("system_id", systemID),
				zap.Error(err))
		}
	}()
}

// cancelRefresh disarms the scheduled refresh for a system
func (c *Coordinator) cancelRefresh(systemID string) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if cancel, ok := c.timers[systemID]; ok {
		cancel()
		delete(c.timers, systemID)
	}
}

// Start enables proactive refresh scheduling
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.baseCtx, c.cancel = context.WithCancel(ctx)
}

// Stop cancels every scheduled refresh and waits for in-flight ones
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.timers = make(map[string]context.CancelFunc)
	c.runMu.Unlock()
	c.wg.Wait()
}
