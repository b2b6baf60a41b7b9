package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/divanvisagie/reservoir/internal/apperr"
)

func Test_Do_OverloadedWhenPermitsExhausted(t *testing.T) {
	p := New(1, 3, 1, time.Minute, apperr.StorageUnavailable)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		p.Do(ctx, func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	_, err := p.Do(ctx, func() (interface{}, error) { return "ok", nil })
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Overloaded {
		t.Fatalf("expected Overloaded when no permits are free, got %v", err)
	}
}

func Test_Do_TripsBreakerIntoUnavailableKind(t *testing.T) {
	p := New(4, 2, 1, time.Minute, apperr.UpstreamUnavailable)
	ctx := context.Background()
	failing := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, err := p.Do(ctx, func() (interface{}, error) { return nil, failing })
		if err == nil {
			t.Fatalf("expected the underlying error to propagate before the breaker trips")
		}
	}

	_, err := p.Do(ctx, func() (interface{}, error) { return "ok", nil })
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.UpstreamUnavailable {
		t.Fatalf("expected UpstreamUnavailable once the breaker is open, got %v", err)
	}
}

func Test_Do_ReturnsResultOnSuccess(t *testing.T) {
	p := New(4, 3, 1, time.Minute, apperr.StorageUnavailable)
	res, err := p.Do(context.Background(), func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Fatalf("expected result to pass through, got %v", res)
	}
}
