package transport

import (
	"errors"
	"sync"
	"time"
)

// CertificatePool rotates through a set of base64-encoded client
// certificates attached to outbound requests. Rotation happens on a fixed
// interval and is forced on authentication rejections.
type CertificatePool struct {
	rotationInterval time.Duration

	mu          sync.Mutex
	certs       []string
	index       int
	lastRotated time.Time
}

// ErrNoCertificates indicates an empty certificate pool
var ErrNoCertificates = errors.New("certificate pool is empty")

// NewCertificatePool creates a pool over the given base64 certificates
func NewCertificatePool(certs []string, rotationInterval time.Duration) *CertificatePool {
	if rotationInterval <= 0 {
		rotationInterval = time.Hour
	}
	return &CertificatePool{
		rotationInterval: rotationInterval,
		certs:            certs,
		lastRotated:      time.Now(),
	}
}

// Current returns the active certificate, rotating first when the rotation
// interval has elapsed
func (p *CertificatePool) Current() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.certs) == 0 {
		return "", ErrNoCertificates
	}
	if time.Since(p.lastRotated) >= p.rotationInterval {
		p.advance()
	}
	return p.certs[p.index], nil
}

// ForceRotate advances to the next certificate immediately. Called on
// 401/403 responses before the single retry.
func (p *CertificatePool) ForceRotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.certs) == 0 {
		return
	}
	p.advance()
}

// advance moves to the next certificate. Caller must hold p.mu.
func (p *CertificatePool) advance() {
	p.index = (p.index + 1) % len(p.certs)
	p.lastRotated = time.Now()
}

// Size returns the number of certificates in the pool
func (p *CertificatePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.certs)
}
