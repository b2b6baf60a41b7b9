// Package pool bounds concurrent access to one external endpoint (the
// graph database, the embedding endpoint, or a particular upstream base
// URL) and wraps every call through it with circuit-breaker protection,
// a single checkout-and-call primitive shared by the graph client, the
// embedding client, and the upstream forwarder.
package pool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/pkg/circuitbreaker"
)

// Pool is a fixed-size connection budget for one external endpoint.
// Checkout never blocks: once size permits are all in use, Do fails
// immediately with Overloaded rather than queueing.
type Pool struct {
	sem             *semaphore.Weighted
	breaker         circuitbreaker.CircuitBreaker
	unavailableKind apperr.Kind
}

// New builds a Pool with size concurrent permits, and a breaker that trips
// after failureThreshold consecutive failures and probes recovery after
// resetTimeout. unavailableKind is the apperr.Kind reported once the
// breaker is open: apperr.UpstreamUnavailable for the proxied LLM
// endpoints, apperr.StorageUnavailable for the graph database.
func New(size int64, failureThreshold, successThreshold uint32, resetTimeout time.Duration, unavailableKind apperr.Kind) *Pool {
	return &Pool{
		sem:             semaphore.NewWeighted(size),
		breaker:         circuitbreaker.New(failureThreshold, successThreshold, resetTimeout),
		unavailableKind: unavailableKind,
	}
}

// Do checks out one permit, runs fn through the circuit breaker, and
// releases the permit. A full pool yields Overloaded; an open breaker
// yields the pool's configured unavailableKind.
func (p *Pool) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if !p.sem.TryAcquire(1) {
		return nil, apperr.New(apperr.Overloaded, "connection pool checkout failed")
	}
	defer p.sem.Release(1)

	result, err := p.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, apperr.New(p.unavailableKind, "circuit breaker open")
		}
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Wrap(p.unavailableKind, "call failed", err)
	}
	return result, nil
}
