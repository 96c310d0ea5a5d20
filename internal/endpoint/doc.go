// Package endpoint implements the primary and folder network clients.
//
// Each Client owns one background connect loop. Plain dial failures retry
// with session backoff; certificate or pin verification failures are
// published as events.KindVerificationFailed and the loop parks until the
// client is woken.
package endpoint
