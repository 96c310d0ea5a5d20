// Package session owns client endpoint transport helpers.
//
// Ownership boundary:
// - transport security policy (TLS, public-key pinning)
// - hello/hello.ack and account control messages
// - retry/backoff primitives
//
// Verification failures (pin mismatch, untrusted chain) are classified
// here so callers can route them to recovery instead of blind retry.
package session
