package shared

// DomainError represents a domain-level error that is safe to return across
// the dispatch boundary. Only the code and message cross that boundary,
// never internal state.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	// ErrConnectionFailed indicates a transport-level failure talking to a target
	ErrConnectionFailed = NewDomainError("CONNECTION_FAILED", "Connection to remote target failed")
	// ErrCircuitOpen indicates the circuit breaker rejected the call without attempting it
	ErrCircuitOpen = NewDomainError("CIRCUIT_OPEN", "Circuit breaker is open")
	// ErrNoAvailableTargets indicates every target for a system is disabled or unhealthy
	ErrNoAvailableTargets = NewDomainError("NO_AVAILABLE_TARGETS", "No available targets for system")
	// ErrFailoverExhausted indicates all retry and failover attempts were consumed
	ErrFailoverExhausted = NewDomainError("FAILOVER_EXHAUSTED", "All failover attempts exhausted")
	// ErrAuthenticationFailed indicates a credential or token handshake failed
	ErrAuthenticationFailed = NewDomainError("AUTHENTICATION_FAILED", "Authentication with remote system failed")
	// ErrAuthRateLimited indicates too many authentication attempts in the trailing window
	ErrAuthRateLimited = NewDomainError("AUTH_RATE_LIMITED", "Too many authentication attempts")
	// ErrSyncConflict indicates a sync record was explicitly skipped by conflict policy.
	// It is recoverable and must be counted, never propagated as a job failure.
	ErrSyncConflict = NewDomainError("SYNC_CONFLICT", "Record skipped by conflict resolution policy")
	// ErrSystemNotFound indicates the system id is not registered
	ErrSystemNotFound = NewDomainError("SYSTEM_NOT_FOUND", "System is not registered")
	// ErrInvalidInput indicates invalid input provided
	ErrInvalidInput = NewDomainError("INVALID_INPUT", "Invalid input provided")
)
