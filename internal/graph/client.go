// Package graph implements the conversation store: the graph-shaped
// Message store, RESPONDED_WITH/SYNAPSE relationship maintenance, and
// the similarity/recency/thread queries the enrichment pipeline relies
// on.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/pkg/pool"
)

// Client wraps a Neo4j driver and the handful of session-scoped helpers
// the store needs. It implements queryRunner directly so ConversationStore
// can be constructed straight from it in production, while tests inject a
// fake queryRunner instead. Every query runs through a bounded pool, so a
// struggling graph database degrades into Overloaded/StorageUnavailable
// instead of unbounded queueing.
type Client struct {
	driver neo4j.DriverWithContext
	pool   *pool.Pool
}

// NewClient dials uri and verifies connectivity before returning.
// poolSize bounds concurrent
// Cypher executions; failureThreshold/successThreshold/resetTimeout
// configure the circuit breaker that trips once the database itself is
// unhealthy.
func NewClient(ctx context.Context, uri, username, password string, poolSize int, failureThreshold, successThreshold uint32, resetTimeout time.Duration) (*Client, error) {
	auth := neo4j.BasicAuth(username, password, "")
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	return &Client{
		driver: driver,
		pool:   pool.New(int64(poolSize), failureThreshold, successThreshold, resetTimeout, apperr.StorageUnavailable),
	}, nil
}

// Close releases the underlying driver's resources.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// HealthCheck reports whether the connection to Neo4j is still usable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// read runs a read-mode Cypher query and collects every record as a map.
func (c *Client) read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return c.run(ctx, neo4j.AccessModeRead, query, params)
}

// write runs a write-mode Cypher query and collects every record as a map.
func (c *Client) write(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return c.run(ctx, neo4j.AccessModeWrite, query, params)
}

func (c *Client) run(ctx context.Context, mode neo4j.AccessMode, query string, params map[string]any) ([]map[string]any, error) {
	result, err := c.pool.Do(ctx, func() (interface{}, error) {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
		defer session.Close(ctx)

		res, err := session.Run(ctx, query, params)
		if err != nil {
			return nil, fmt.Errorf("running cypher query: %w", err)
		}

		var rows []map[string]any
		for res.Next(ctx) {
			rows = append(rows, res.Record().AsMap())
		}
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("reading cypher results: %w", err)
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	rows, _ := result.([]map[string]any)
	return rows, nil
}

// EnsureIndexes creates the vector index over Message.embedding and the
// (partition, instance, timestamp) lookup index that accelerates the
// recency queries. Safe to call on every startup: all statements are
// idempotent (IF NOT EXISTS).
func (c *Client) EnsureIndexes(ctx context.Context, dimensions int) error {
	_, err := c.write(ctx, fmt.Sprintf(`
		CREATE VECTOR INDEX message_embedding_index IF NOT EXISTS
		FOR (m:Message) ON (m.embedding)
		OPTIONS {indexConfig: {
			`+"`vector.dimensions`"+`: %d,
			`+"`vector.similarity_function`"+`: 'cosine'
		}}`, dimensions), nil)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}

	_, err = c.write(ctx, `
		CREATE INDEX message_scope_timestamp IF NOT EXISTS
		FOR (m:Message) ON (m.partition, m.instance, m.timestamp_ms)`, nil)
	if err != nil {
		return fmt.Errorf("creating scope/timestamp index: %w", err)
	}
	return nil
}
