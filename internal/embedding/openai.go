package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/pkg/pool"
	"github.com/divanvisagie/reservoir/pkg/ratelimiter"
)

// embedRate and embedBurst throttle outbound embedding calls to a steady
// rate regardless of how bursty inbound chat traffic is, so Reservoir
// doesn't trip the provider's own per-minute rate limit on its behalf.
const (
	embedRate  = 20.0
	embedBurst = 20
)

// maxAttempts bounds the exponential backoff retry loop.
const maxAttempts = 3

// baseBackoff is the delay before the first retry; it doubles on each
// subsequent attempt.
const baseBackoff = 200 * time.Millisecond

// OpenAIClient is an embedding client backed by an OpenAI-compatible
// embeddings API.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	dimensions int
	sleep      func(time.Duration)
	limiter    ratelimiter.RateLimiter
	pool       *pool.Pool
}

// NewOpenAIClient creates a new OpenAIClient for the given model and API
// key, pointed at baseURL (so it can also speak to an Ollama-compatible
// embeddings endpoint). poolSize bounds concurrent in-flight embedding
// calls; failureThreshold/successThreshold/resetTimeout configure the
// circuit breaker that trips into EmbeddingUnavailable once the endpoint
// itself is unhealthy, independent of the per-call retry loop in Embed.
func NewOpenAIClient(apiKey, baseURL, model string, dimensions, poolSize int, failureThreshold, successThreshold uint32, resetTimeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		sleep:      time.Sleep,
		limiter:    ratelimiter.NewTokenBucket(embedRate, embedBurst),
		pool:       pool.New(int64(poolSize), failureThreshold, successThreshold, resetTimeout, apperr.EmbeddingUnavailable),
	}
}

// Dimensions returns the configured embedding dimensionality.
func (c *OpenAIClient) Dimensions() int { return c.dimensions }

// Embed generates a unit-length embedding vector for text, retrying
// transient failures with exponential backoff. Persistent failure is
// reported to the caller as an *apperr.Error: EmbeddingUnavailable from
// the pool (or Overloaded when no permit is free); the Pipeline treats
// it as non-fatal.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.pool.Do(ctx, func() (interface{}, error) {
		return c.embedWithRetry(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (c *OpenAIClient) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	}

	var lastErr error
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		for !c.limiter.Allow() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(10 * time.Millisecond)
		}

		resp, err := c.client.CreateEmbeddings(ctx, req)
		if err == nil {
			if len(resp.Data) == 0 {
				lastErr = fmt.Errorf("embedding endpoint returned no data")
			} else {
				return normalize(resp.Data[0].Embedding), nil
			}
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c.sleep(backoff)
		backoff *= 2
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", maxAttempts, lastErr)
}
