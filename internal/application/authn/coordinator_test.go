package authn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/einvoice/integration/internal/domain/authn"
	"github.com/einvoice/integration/internal/domain/shared"
	"github.com/einvoice/integration/internal/infrastructure/crypto"
)

// mockAuthenticator is a hand-written testify mock of Authenticator
type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, creds *authn.Credentials) (*authn.Token, error) {
	args := m.Called(ctx, creds)
	if token := args.Get(0); token != nil {
		return token.(*authn.Token), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, current *authn.Token) (*authn.Token, error) {
	args := m.Called(ctx, creds, current)
	if token := args.Get(0); token != nil {
		return token.(*authn.Token), args.Error(1)
	}
	return nil, args.Error(1)
}

// countingAuthenticator issues tokens with a fixed lifetime and counts calls
type countingAuthenticator struct {
	lifetime  time.Duration
	calls     int32
	refreshes int32
}

func (a *countingAuthenticator) Authenticate(_ context.Context, _ *authn.Credentials) (*authn.Token, error) {
	n := atomic.AddInt32(&a.calls, 1)
	now := time.Now()
	return &authn.Token{
		AccessToken: "token-" + string(rune('0'+n)),
		TokenType:   "Bearer",
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.lifetime),
	}, nil
}

func (a *countingAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, _ *authn.Token) (*authn.Token, error) {
	atomic.AddInt32(&a.refreshes, 1)
	return a.Authenticate(ctx, creds)
}

func newTestCoordinator(t *testing.T, limiter RateLimiter, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	cipher, err := crypto.NewCredentialCipher("test-master-key", "test-salt")
	require.NoError(t, err)
	return NewCoordinator(CoordinatorConfig{
		TokenExpiryBuffer: time.Second,
		RequestTimeout:    time.Second,
	}, cipher, limiter, zap.NewNop(), opts...)
}

func bearerCredentials(systemID string) *authn.Credentials {
	return &authn.Credentials{
		SystemID:    systemID,
		Method:      authn.MethodBearer,
		StaticToken: "static-token",
	}
}

func TestCoordinatorGetTokenCaches(t *testing.T) {
	auth := &countingAuthenticator{lifetime: time.Hour}
	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	first, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)
	second, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)

	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
}

func TestCoordinatorRefreshesExpiredTokenOnDemand(t *testing.T) {
	auth := &countingAuthenticator{lifetime: 500 * time.Millisecond}
	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	first, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)

	// Lifetime 500ms with a 1s safety buffer: the token counts as expiring
	second, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestCoordinatorUsesRefreshFlowWhenRefreshTokenPresent(t *testing.T) {
	m := &mockAuthenticator{}
	now := time.Now()
	expired := &authn.Token{
		AccessToken:  "old",
		RefreshToken: "refresh-1",
		IssuedAt:     now.Add(-time.Hour),
		ExpiresAt:    now.Add(-time.Minute),
	}
	fresh := &authn.Token{
		AccessToken: "new",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}
	m.On("Authenticate", mock.Anything, mock.Anything).Return(expired, nil).Once()
	m.On("Refresh", mock.Anything, mock.Anything, expired).Return(fresh, nil).Once()

	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodOAuth2, m))
	require.NoError(t, c.RegisterCredentials(&authn.Credentials{
		SystemID: "firs",
		Method:   authn.MethodOAuth2,
		ClientID: "client",
		TokenURL: "https://auth.example.com/token",
	}))

	// First call authenticates and caches the already-expiring token
	_, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)

	// Second call goes through the refresh flow
	token, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)
	assert.Equal(t, "new", token.AccessToken)
	m.AssertExpectations(t)
}

func TestCoordinatorRateLimited(t *testing.T) {
	auth := &countingAuthenticator{lifetime: time.Millisecond} // always re-auth
	limiter := NewMemoryRateLimiter(2)
	c := newTestCoordinator(t, limiter, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	for i := 0; i < 2; i++ {
		_, err := c.GetToken(context.Background(), "firs")
		require.NoError(t, err)
	}
	_, err := c.GetToken(context.Background(), "firs")
	assert.ErrorIs(t, err, shared.ErrAuthRateLimited)
}

func TestCoordinatorLogoutClearsToken(t *testing.T) {
	auth := &countingAuthenticator{lifetime: time.Hour}
	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	_, err := c.GetToken(context.Background(), "firs")
	require.NoError(t, err)

	c.Logout("firs")
	_, err = c.GetToken(context.Background(), "firs")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestCoordinatorScheduledRefreshAtEightyPercent(t *testing.T) {
	// 250ms lifetime schedules the proactive refresh at ~200ms
	auth := &countingAuthenticator{lifetime: 250 * time.Millisecond}
	cipher, err := crypto.NewCredentialCipher("test-master-key", "test-salt")
	require.NoError(t, err)
	c := NewCoordinator(CoordinatorConfig{
		TokenExpiryBuffer: time.Millisecond,
		RequestTimeout:    time.Second,
	}, cipher, nil, zap.NewNop(), WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	c.Start(context.Background())
	defer c.Stop()

	_, err = c.GetToken(context.Background(), "firs")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&auth.calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

// gatedAuthenticator blocks the handshake until release is closed and
// honors context cancellation while blocked
type gatedAuthenticator struct {
	started chan struct{}
	release chan struct{}
	calls   int32
}

func (a *gatedAuthenticator) Authenticate(ctx context.Context, _ *authn.Credentials) (*authn.Token, error) {
	atomic.AddInt32(&a.calls, 1)
	close(a.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.release:
	}
	now := time.Now()
	return &authn.Token{
		AccessToken: "shared",
		TokenType:   "Bearer",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}, nil
}

func (a *gatedAuthenticator) Refresh(ctx context.Context, creds *authn.Credentials, _ *authn.Token) (*authn.Token, error) {
	return a.Authenticate(ctx, creds)
}

func TestCoordinatorHandshakeSurvivesFirstCallerCancellation(t *testing.T) {
	auth := &gatedAuthenticator{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetToken(firstCtx, "firs")
		firstErr <- err
	}()
	<-auth.started

	// A second caller queues behind the in-flight handshake; the first
	// caller then gives up while the handshake is still running
	secondTok := make(chan *authn.Token, 1)
	secondErr := make(chan error, 1)
	go func() {
		tok, err := c.GetToken(context.Background(), "firs")
		secondTok <- tok
		secondErr <- err
	}()
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(auth.release)

	require.NoError(t, <-firstErr)
	require.NoError(t, <-secondErr)
	assert.Equal(t, "shared", (<-secondTok).AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
}

func TestCoordinatorUnknownSystem(t *testing.T) {
	c := newTestCoordinator(t, nil)
	_, err := c.GetToken(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrSystemNotFound)
}

func TestCoordinatorRejectsInvalidRegistration(t *testing.T) {
	c := newTestCoordinator(t, nil)
	assert.ErrorIs(t, c.RegisterCredentials(&authn.Credentials{Method: authn.MethodBearer}), shared.ErrInvalidInput)
	assert.ErrorIs(t, c.RegisterCredentials(&authn.Credentials{SystemID: "x", Method: "NOPE"}), shared.ErrInvalidInput)
}

func TestCoordinatorRevoke(t *testing.T) {
	auth := &countingAuthenticator{lifetime: time.Hour}
	c := newTestCoordinator(t, nil, WithAuthenticator(authn.MethodBearer, auth))
	require.NoError(t, c.RegisterCredentials(bearerCredentials("firs")))

	require.NoError(t, c.RevokeCredentials("firs"))
	_, err := c.GetToken(context.Background(), "firs")
	assert.ErrorIs(t, err, shared.ErrSystemNotFound)
	assert.ErrorIs(t, c.RevokeCredentials("firs"), shared.ErrSystemNotFound)
}
