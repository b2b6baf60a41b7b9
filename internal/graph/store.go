package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/embedding"
	"github.com/divanvisagie/reservoir/internal/models"
)

// queryRunner is the narrow boundary ConversationStore depends on, so
// tests can substitute a fake instead of a live Neo4j session. *Client
// satisfies it directly.
type queryRunner interface {
	read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	write(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// ConversationStore is the interface over the message graph. Every
// operation is implicitly scoped to a (partition, instance) pair via the
// fields on the Message / the explicit scope arguments.
type ConversationStore interface {
	StoreMessage(ctx context.Context, m models.Message) (string, error)
	LinkResponse(ctx context.Context, userNodeID, assistantNodeID string) error
	Recent(ctx context.Context, partition, instance string, n int) ([]models.Message, error)
	Similar(ctx context.Context, partition, instance string, vector []float32, k int, threshold float32) ([]models.Scored, error)
	ThreadOf(ctx context.Context, nodeID string, hops int) ([]models.Message, error)
	UpdateSynapses(ctx context.Context, newNodeID string) error
}

// Store is the Neo4j-backed ConversationStore implementation.
type Store struct {
	runner    queryRunner
	kSim      int
	tau       float32
	embedDims int
}

// NewStore builds a Store over client, using tau as the default topical
// synapse / pruning threshold and kSim as the default topical fan-out.
func NewStore(client *Client, kSim int, tau float32, embedDims int) *Store {
	return &Store{runner: client, kSim: kSim, tau: tau, embedDims: embedDims}
}

// ContentHash returns the idempotency fingerprint for a message body, used
// alongside (trace_id, role, timestamp) to dedupe replayed stores.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// StoreMessage inserts a Message node, or returns the existing node's id
// if one with the same (trace_id, role, timestamp, content_hash) already
// exists.
func (s *Store) StoreMessage(ctx context.Context, m models.Message) (string, error) {
	if len(m.Embedding) > 0 && s.embedDims > 0 && len(m.Embedding) != s.embedDims {
		return "", apperr.New(apperr.Internal, fmt.Sprintf("embedding has %d dimensions, index expects %d", len(m.Embedding), s.embedDims))
	}
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}
	nodeID := m.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	params := map[string]any{
		"trace_id":     m.TraceID,
		"role":         string(m.Role),
		"timestamp_ms": m.Timestamp.UnixMilli(),
		"content_hash": m.ContentHash,
		"node_id":      nodeID,
		"partition":    m.Partition,
		"instance":     m.Instance,
		"content":      m.Content,
		"url":          m.URL,
	}
	// Always bound, so the ON CREATE SET clause never references a
	// missing parameter; a null embedding leaves the property absent.
	if len(m.Embedding) > 0 {
		params["embedding"] = toFloat64Slice(m.Embedding)
	} else {
		params["embedding"] = nil
	}

	rows, err := s.runner.write(ctx, `
		MERGE (m:Message {trace_id: $trace_id, role: $role, timestamp_ms: $timestamp_ms, content_hash: $content_hash})
		ON CREATE SET
			m.node_id = $node_id,
			m.partition = $partition,
			m.instance = $instance,
			m.content = $content,
			m.url = $url,
			m.embedding = $embedding
		RETURN m.node_id AS node_id`, params)
	if err != nil {
		return "", apperr.Coerce(apperr.StorageUnavailable, "storing message", err)
	}
	if len(rows) == 0 {
		return "", apperr.New(apperr.StorageUnavailable, "store_message returned no rows")
	}
	id, _ := rows[0]["node_id"].(string)
	return id, nil
}

// AttachEmbedding patches a previously-stored node with an embedding
// computed after the fact (see internal/queue's asynchronous embedding
// repair worker).
func (s *Store) AttachEmbedding(ctx context.Context, nodeID string, vector []float32) error {
	_, err := s.runner.write(ctx, `
		MATCH (m:Message {node_id: $node_id})
		SET m.embedding = $embedding`,
		map[string]any{"node_id": nodeID, "embedding": toFloat64Slice(vector)})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "attaching embedding", err)
	}
	return nil
}

// LinkResponse creates a RESPONDED_WITH edge from userNodeID to
// assistantNodeID. Fails if either endpoint is missing or if userNodeID
// already has an outbound RESPONDED_WITH edge.
func (s *Store) LinkResponse(ctx context.Context, userNodeID, assistantNodeID string) error {
	exists, err := s.nodeExists(ctx, userNodeID)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.New(apperr.Internal, "link_response: user node not found")
	}
	exists, err = s.nodeExists(ctx, assistantNodeID)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.New(apperr.Internal, "link_response: assistant node not found")
	}

	rows, err := s.runner.read(ctx, `
		MATCH (:Message {node_id: $id})-[:RESPONDED_WITH]->()
		RETURN count(*) AS c`, map[string]any{"id": userNodeID})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "checking existing response edge", err)
	}
	if len(rows) > 0 && asInt(rows[0]["c"]) > 0 {
		return apperr.New(apperr.Internal, "link_response: user node already has a RESPONDED_WITH edge")
	}

	_, err = s.runner.write(ctx, `
		MATCH (u:Message {node_id: $user_id}), (a:Message {node_id: $assistant_id})
		CREATE (u)-[:RESPONDED_WITH]->(a)`,
		map[string]any{"user_id": userNodeID, "assistant_id": assistantNodeID})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "creating RESPONDED_WITH edge", err)
	}
	return nil
}

func (s *Store) nodeExists(ctx context.Context, nodeID string) (bool, error) {
	rows, err := s.runner.read(ctx, `MATCH (m:Message {node_id: $id}) RETURN m.node_id AS node_id`, map[string]any{"id": nodeID})
	if err != nil {
		return false, apperr.Coerce(apperr.StorageUnavailable, "checking node existence", err)
	}
	return len(rows) > 0, nil
}

// Recent returns the n most recent messages in (partition, instance),
// newest first.
func (s *Store) Recent(ctx context.Context, partition, instance string, n int) ([]models.Message, error) {
	rows, err := s.runner.read(ctx, `
		MATCH (m:Message {partition: $partition, instance: $instance})
		RETURN m
		ORDER BY m.timestamp_ms DESC
		LIMIT $n`,
		map[string]any{"partition": partition, "instance": instance, "n": n})
	if err != nil {
		return nil, apperr.Coerce(apperr.StorageUnavailable, "querying recent messages", err)
	}
	return rowsToMessages(rows, "m"), nil
}

// Similar returns the top-k nearest neighbors of vector in (partition,
// instance) with score >= threshold, deduplicated by node id. The scope
// filter is re-applied in the WHERE clause in addition to any
// index-level filtering, so a result can never leak across the
// (partition, instance) boundary.
func (s *Store) Similar(ctx context.Context, partition, instance string, vector []float32, k int, threshold float32) ([]models.Scored, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := s.runner.read(ctx, `
		CALL db.index.vector.queryNodes('message_embedding_index', $k, $vector)
		YIELD node, score
		WHERE node.partition = $partition AND node.instance = $instance AND score >= $threshold
		RETURN node, score
		ORDER BY score DESC`,
		map[string]any{
			"k":         k,
			"vector":    toFloat64Slice(vector),
			"partition": partition,
			"instance":  instance,
			"threshold": float64(threshold),
		})
	if err != nil {
		return nil, apperr.Coerce(apperr.StorageUnavailable, "querying similar messages", err)
	}

	seen := make(map[string]bool, len(rows))
	out := make([]models.Scored, 0, len(rows))
	for _, row := range rows {
		msg := rowToMessage(row, "node")
		if msg.NodeID == "" || seen[msg.NodeID] {
			continue
		}
		seen[msg.NodeID] = true
		out = append(out, models.Scored{Message: msg, Score: float32(asFloat(row["score"]))})
	}
	return out, nil
}

// Search returns up to limit messages in (partition, instance) whose
// content contains q, case-insensitively, newest first. Backs the
// read-only admin text-search endpoint; it is deliberately a plain
// CONTAINS match, not a scored full-text query.
func (s *Store) Search(ctx context.Context, partition, instance, q string, limit int) ([]models.Message, error) {
	rows, err := s.runner.read(ctx, `
		MATCH (m:Message {partition: $partition, instance: $instance})
		WHERE toLower(m.content) CONTAINS toLower($q)
		RETURN m
		ORDER BY m.timestamp_ms DESC
		LIMIT $limit`,
		map[string]any{"partition": partition, "instance": instance, "q": q, "limit": limit})
	if err != nil {
		return nil, apperr.Coerce(apperr.StorageUnavailable, "searching messages", err)
	}
	return rowsToMessages(rows, "m"), nil
}

// ThreadOf performs a breadth-first traversal of RESPONDED_WITH and
// SYNAPSE edges (undirected, since enrichment cares about relatedness,
// not edge direction) up to hops steps from nodeID, returning nodes in
// traversal (distance) order.
func (s *Store) ThreadOf(ctx context.Context, nodeID string, hops int) ([]models.Message, error) {
	if hops < 1 {
		hops = 1
	}
	query := fmt.Sprintf(`
		MATCH (start:Message {node_id: $node_id})
		MATCH path = (start)-[:RESPONDED_WITH|SYNAPSE*1..%d]-(m:Message)
		WHERE m.node_id <> $node_id
		RETURN DISTINCT m, min(length(path)) AS dist
		ORDER BY dist ASC`, hops)

	rows, err := s.runner.read(ctx, query, map[string]any{"node_id": nodeID})
	if err != nil {
		return nil, apperr.Coerce(apperr.StorageUnavailable, "traversing thread", err)
	}
	return rowsToMessages(rows, "m"), nil
}

// UpdateSynapses applies the sequential and topical synapse generative
// rules for newNodeID, then prunes the sequential edge if its similarity
// falls below tau. It is not required to be atomic
// against concurrent calls; every edge write is a MERGE, so a racing
// duplicate create-if-absent is harmless.
func (s *Store) UpdateSynapses(ctx context.Context, newNodeID string) error {
	newMsg, err := s.nodeByID(ctx, newNodeID)
	if err != nil {
		return err
	}
	if newMsg == nil || !newMsg.HasEmbedding() {
		// No embedding yet (EmbeddingUnavailable this request): this
		// message cannot participate in synapse construction until the
		// asynchronous embedding repair worker fills it in and re-runs
		// this same method.
		return nil
	}

	if err := s.updateSequentialSynapse(ctx, *newMsg); err != nil {
		return err
	}
	if err := s.updateTopicalSynapses(ctx, *newMsg); err != nil {
		return err
	}
	return nil
}

func (s *Store) updateSequentialSynapse(ctx context.Context, newMsg models.Message) error {
	rows, err := s.runner.read(ctx, `
		MATCH (m:Message {partition: $partition, instance: $instance})
		WHERE m.timestamp_ms < $timestamp_ms AND m.node_id <> $node_id
		RETURN m
		ORDER BY m.timestamp_ms DESC
		LIMIT 1`,
		map[string]any{
			"partition":    newMsg.Partition,
			"instance":     newMsg.Instance,
			"timestamp_ms": newMsg.Timestamp.UnixMilli(),
			"node_id":      newMsg.NodeID,
		})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "finding preceding message", err)
	}
	if len(rows) == 0 {
		return nil
	}
	prev := rowToMessage(rows[0], "m")
	if !prev.HasEmbedding() {
		return nil
	}

	score := embedding.CosineSimilarity(prev.Embedding, newMsg.Embedding)
	if err := s.mergeSynapse(ctx, prev.NodeID, newMsg.NodeID, score); err != nil {
		return err
	}
	if score < s.tau {
		return s.deleteSynapse(ctx, prev.NodeID, newMsg.NodeID)
	}
	return nil
}

func (s *Store) updateTopicalSynapses(ctx context.Context, newMsg models.Message) error {
	candidates, err := s.Similar(ctx, newMsg.Partition, newMsg.Instance, newMsg.Embedding, s.kSim+1, s.tau)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.Message.NodeID == "" || c.Message.NodeID == newMsg.NodeID {
			continue
		}
		if err := s.mergeSynapseIfAbsent(ctx, c.Message.NodeID, newMsg.NodeID, c.Score); err != nil {
			return err
		}
	}
	return nil
}

// mergeSynapse creates or re-scores a directed SYNAPSE edge, unconditionally.
func (s *Store) mergeSynapse(ctx context.Context, fromID, toID string, score float32) error {
	if fromID == toID {
		return nil
	}
	_, err := s.runner.write(ctx, `
		MATCH (a:Message {node_id: $from}), (b:Message {node_id: $to})
		MERGE (a)-[r:SYNAPSE]->(b)
		SET r.score = $score`,
		map[string]any{"from": fromID, "to": toID, "score": float64(score)})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "merging synapse", err)
	}
	return nil
}

// mergeSynapseIfAbsent creates a SYNAPSE edge only if the ordered pair has
// none yet.
func (s *Store) mergeSynapseIfAbsent(ctx context.Context, fromID, toID string, score float32) error {
	if fromID == toID {
		return nil
	}
	_, err := s.runner.write(ctx, `
		MATCH (a:Message {node_id: $from}), (b:Message {node_id: $to})
		WHERE NOT (a)-[:SYNAPSE]->(b)
		MERGE (a)-[r:SYNAPSE]->(b)
		ON CREATE SET r.score = $score`,
		map[string]any{"from": fromID, "to": toID, "score": float64(score)})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "merging topical synapse", err)
	}
	return nil
}

func (s *Store) deleteSynapse(ctx context.Context, fromID, toID string) error {
	_, err := s.runner.write(ctx, `
		MATCH (a:Message {node_id: $from})-[r:SYNAPSE]->(b:Message {node_id: $to})
		DELETE r`,
		map[string]any{"from": fromID, "to": toID})
	if err != nil {
		return apperr.Coerce(apperr.StorageUnavailable, "pruning synapse", err)
	}
	return nil
}

func (s *Store) nodeByID(ctx context.Context, nodeID string) (*models.Message, error) {
	rows, err := s.runner.read(ctx, `MATCH (m:Message {node_id: $id}) RETURN m`, map[string]any{"id": nodeID})
	if err != nil {
		return nil, apperr.Coerce(apperr.StorageUnavailable, "loading message node", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	msg := rowToMessage(rows[0], "m")
	return &msg, nil
}

// Dedupe merges two slices of messages, removing duplicates by NodeID and
// sorting by timestamp ascending. Used by the Enrichment Pipeline to build
// C = dedupe(S1 ∪ S2) \ inbound.
func Dedupe(sets ...[]models.Message) []models.Message {
	seen := make(map[string]bool)
	var out []models.Message
	for _, set := range sets {
		for _, m := range set {
			if m.NodeID == "" || seen[m.NodeID] {
				continue
			}
			seen[m.NodeID] = true
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func rowsToMessages(rows []map[string]any, key string) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToMessage(row, key))
	}
	return out
}

func rowToMessage(row map[string]any, key string) models.Message {
	var props map[string]any
	switch v := row[key].(type) {
	case neo4j.Node:
		// Record.AsMap hands node values back as neo4j.Node; the message
		// fields live in its Props.
		props = v.Props
	case map[string]any:
		props = v
	default:
		props = row
	}
	var m models.Message
	m.NodeID, _ = props["node_id"].(string)
	m.TraceID, _ = props["trace_id"].(string)
	m.Partition, _ = props["partition"].(string)
	m.Instance, _ = props["instance"].(string)
	m.Role = models.Role(asString(props["role"]))
	m.Content, _ = props["content"].(string)
	m.URL, _ = props["url"].(string)
	m.ContentHash, _ = props["content_hash"].(string)
	if ms, ok := props["timestamp_ms"]; ok {
		m.Timestamp = time.UnixMilli(asInt64(ms))
	}
	if vec, ok := props["embedding"]; ok {
		m.Embedding = toFloat32Slice(vec)
	}
	return m
}

func toFloat64Slice(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32Slice(v any) []float32 {
	switch vv := v.(type) {
	case []float64:
		out := make([]float32, len(vv))
		for i, x := range vv {
			out[i] = float32(x)
		}
		return out
	case []float32:
		return vv
	case []any:
		out := make([]float32, len(vv))
		for i, x := range vv {
			out[i] = float32(asFloat(x))
		}
		return out
	default:
		return nil
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
