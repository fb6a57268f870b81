// Package transport implements the outbound HTTP client for the external
// tax-authority API. Every request carries the signed header set the
// authority requires; responses are classified for the retry layers above.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxResponseSize is the default maximum allowed response size (10MB)
const maxResponseSize = 10 * 1024 * 1024

// Outcome classifies a completed exchange for the retry layers
type Outcome int

const (
	// OutcomeSuccess is any 2xx response
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable covers 429, 5xx and transport timeouts
	OutcomeRetryable
	// OutcomeAuthRejected covers 401/403, handled by certificate rotation
	OutcomeAuthRejected
	// OutcomeTerminal covers all other 4xx, not retried
	OutcomeTerminal
)

// Classify maps an HTTP status code to an outcome
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests || status >= 500:
		return OutcomeRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeAuthRejected
	default:
		return OutcomeTerminal
	}
}

// RemoteError is a non-2xx response surfaced as an error
type RemoteError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.StatusCode)
}

// Retryable reports whether the status is retryable per the authority's
// contract: 429 and 5xx only.
func (e *RemoteError) Retryable() bool {
	return Classify(e.StatusCode) == OutcomeRetryable
}

// IsRetryable reports whether an error from a completed call may be
// retried: retryable remote statuses and transport timeouts.
func IsRetryable(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	return IsTimeout(err)
}

// IsTimeout reports whether the error is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Request is one outbound exchange against a target base URL
type Request struct {
	Method  string
	Path    string
	Body    []byte
	Headers map[string]string
}

// Response is the decoded result of a successful exchange
type Response struct {
	StatusCode int
	Body       []byte
	RequestID  string
}

// ClientConfig holds the signing material for the authority client
type ClientConfig struct {
	APIKey           string
	APISecret        string
	Certificates     []string // base64-encoded, rotated per RotationInterval
	RotationInterval time.Duration
	RequestTimeout   time.Duration
	MaxResponseBytes int64
}

// SignedClient is the HTTP client for the tax-authority API. It attaches
// the x-api-key / x-api-secret / x-timestamp / x-request-id / x-certificate
// header set, rotating the certificate on schedule and forcing a rotation
// with a single retry on 401/403.
type SignedClient struct {
	config     ClientConfig
	httpClient *http.Client
	certs      *CertificatePool
	logger     *zap.Logger
}

// NewSignedClient creates a client for the given signing material
func NewSignedClient(config ClientConfig, logger *zap.Logger) *SignedClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = maxResponseSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignedClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		certs:      NewCertificatePool(config.Certificates, config.RotationInterval),
		logger:     logger,
	}
}

// Do executes one exchange against the base URL. A 401/403 forces a
// certificate rotation and exactly one retry; every attempt carries a fresh
// request id.
func (c *SignedClient) Do(ctx context.Context, baseURL string, req Request) (*Response, error) {
	resp, err := c.doOnce(ctx, baseURL, req)
	if err != nil {
		return nil, err
	}
	if Classify(resp.StatusCode) == OutcomeAuthRejected {
		c.logger.Warn("authority rejected certificate, rotating",
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", resp.RequestID))
		c.certs.ForceRotate()
		resp, err = c.doOnce(ctx, baseURL, req)
		if err != nil {
			return nil, err
		}
	}

	if Classify(resp.StatusCode) == OutcomeSuccess {
		return resp, nil
	}
	return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
}

// doOnce performs a single signed exchange
func (c *SignedClient) doOnce(ctx context.Context, baseURL string, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	requestID := uuid.New().String()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("x-api-secret", c.config.APISecret)
	httpReq.Header.Set("x-timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	httpReq.Header.Set("x-request-id", requestID)
	if cert, err := c.certs.Current(); err == nil {
		httpReq.Header.Set("x-certificate", cert)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request %s: %w", requestID, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", requestID, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		RequestID:  requestID,
	}, nil
}
