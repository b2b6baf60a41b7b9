// Package ratelimiter provides local rate limiting. Reservoir only
// needs the token bucket variant, to smooth bursts of embedding calls
// against a provider's own rate limits.
package ratelimiter

// RateLimiter reports whether the next unit of work may proceed.
type RateLimiter interface {
	Allow() bool
}
