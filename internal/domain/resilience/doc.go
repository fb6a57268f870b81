// Package resilience contains the failure-handling primitives shared by the
// connection-pool layer and the failover layer.
//
// Key concepts:
//   - Breaker: circuit breaker state machine guarding a single target or system
//   - RecoveryPolicy: pure backoff policy mapping attempt count to delay
//   - AttemptTracker: per-system recovery attempt counter
//
// The per-target and per-system circuit breakers share the same state machine;
// only their configuration differs.
package resilience
