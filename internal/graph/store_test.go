package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/models"
)

// fakeEdge models a single directed relationship in the in-memory graph
// the fakeRunner keeps, so store.go's Cypher-shaped business logic can be
// exercised without a live Neo4j instance.
type fakeEdge struct {
	kind  string
	from  string
	to    string
	score float64
}

// fakeRunner is a hand-rolled queryRunner that recognizes the small,
// fixed set of Cypher statements store.go issues and answers them against
// an in-memory node/edge set, switching on distinctive substrings of the
// query text rather than parsing Cypher. It returns node values as plain
// property maps for convenience; the neo4j.Node shape the live driver
// produces is covered by the nodeRunner tests below.
type fakeRunner struct {
	nodes map[string]map[string]any
	edges []fakeEdge

	failRead  error
	failWrite error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nodes: make(map[string]map[string]any)}
}

func (f *fakeRunner) addNode(m models.Message) {
	props := map[string]any{
		"node_id":      m.NodeID,
		"trace_id":     m.TraceID,
		"partition":    m.Partition,
		"instance":     m.Instance,
		"role":         string(m.Role),
		"content":      m.Content,
		"url":          m.URL,
		"content_hash": m.ContentHash,
		"timestamp_ms": m.Timestamp.UnixMilli(),
	}
	if len(m.Embedding) > 0 {
		props["embedding"] = toFloat64Slice(m.Embedding)
	}
	f.nodes[m.NodeID] = props
}

func (f *fakeRunner) hasSynapse(from, to string) bool {
	for _, e := range f.edges {
		if e.kind == "SYNAPSE" && e.from == from && e.to == to {
			return true
		}
	}
	return false
}

func (f *fakeRunner) read(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if f.failRead != nil {
		return nil, f.failRead
	}

	switch {
	case strings.Contains(query, "count(*) AS c"):
		id, _ := params["id"].(string)
		c := 0
		for _, e := range f.edges {
			if e.kind == "RESPONDED_WITH" && e.from == id {
				c++
			}
		}
		return []map[string]any{{"c": c}}, nil

	case strings.Contains(query, "RETURN m.node_id AS node_id"):
		id, _ := params["id"].(string)
		if _, ok := f.nodes[id]; !ok {
			return nil, nil
		}
		return []map[string]any{{"node_id": id}}, nil

	case strings.Contains(query, "db.index.vector.queryNodes"):
		partition, _ := params["partition"].(string)
		instance, _ := params["instance"].(string)
		threshold, _ := params["threshold"].(float64)
		vector := params["vector"].([]float64)
		var rows []map[string]any
		for _, props := range f.nodes {
			if props["partition"] != partition || props["instance"] != instance {
				continue
			}
			vecAny, ok := props["embedding"]
			if !ok {
				continue
			}
			score := cosine64(vector, vecAny.([]float64))
			if float64(score) < threshold {
				continue
			}
			rows = append(rows, map[string]any{"node": props, "score": score})
		}
		return rows, nil

	case strings.Contains(query, "RESPONDED_WITH|SYNAPSE*1.."):
		id, _ := params["node_id"].(string)
		var rows []map[string]any
		for _, e := range f.edges {
			if e.from == id {
				if props, ok := f.nodes[e.to]; ok {
					rows = append(rows, map[string]any{"m": props, "dist": 1})
				}
			}
			if e.to == id {
				if props, ok := f.nodes[e.from]; ok {
					rows = append(rows, map[string]any{"m": props, "dist": 1})
				}
			}
		}
		return rows, nil

	case strings.Contains(query, "LIMIT 1"):
		// preceding-message lookup for the sequential synapse rule
		partition, _ := params["partition"].(string)
		instance, _ := params["instance"].(string)
		ts, _ := params["timestamp_ms"].(int64)
		excludeID, _ := params["node_id"].(string)
		var best map[string]any
		var bestTS int64 = -1
		for id, props := range f.nodes {
			if id == excludeID || props["partition"] != partition || props["instance"] != instance {
				continue
			}
			pts := asInt64(props["timestamp_ms"])
			if pts < ts && pts > bestTS {
				bestTS = pts
				best = props
			}
		}
		if best == nil {
			return nil, nil
		}
		return []map[string]any{{"m": best}}, nil

	case strings.Contains(query, "CONTAINS toLower($q)"):
		partition, _ := params["partition"].(string)
		instance, _ := params["instance"].(string)
		q, _ := params["q"].(string)
		limit := asInt(params["limit"])
		var matches []map[string]any
		for _, props := range f.nodes {
			if props["partition"] != partition || props["instance"] != instance {
				continue
			}
			content, _ := props["content"].(string)
			if strings.Contains(strings.ToLower(content), strings.ToLower(q)) {
				matches = append(matches, map[string]any{"m": props})
			}
		}
		sortByTimestampDesc(matches)
		if limit > 0 && len(matches) > limit {
			matches = matches[:limit]
		}
		return matches, nil

	case strings.Contains(query, "ORDER BY m.timestamp_ms DESC"):
		partition, _ := params["partition"].(string)
		instance, _ := params["instance"].(string)
		n := asInt(params["n"])
		var matches []map[string]any
		for _, props := range f.nodes {
			if props["partition"] == partition && props["instance"] == instance {
				matches = append(matches, map[string]any{"m": props})
			}
		}
		sortByTimestampDesc(matches)
		if n > 0 && len(matches) > n {
			matches = matches[:n]
		}
		return matches, nil

	case strings.Contains(query, "MATCH (m:Message {node_id: $id}) RETURN m"):
		id, _ := params["id"].(string)
		props, ok := f.nodes[id]
		if !ok {
			return nil, nil
		}
		return []map[string]any{{"m": props}}, nil

	default:
		return nil, nil
	}
}

func (f *fakeRunner) write(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if f.failWrite != nil {
		return nil, f.failWrite
	}

	switch {
	case strings.Contains(query, "MERGE (m:Message {trace_id"):
		traceID, _ := params["trace_id"].(string)
		role, _ := params["role"].(string)
		ts, _ := params["timestamp_ms"].(int64)
		hash, _ := params["content_hash"].(string)
		for _, props := range f.nodes {
			if props["trace_id"] == traceID && props["role"] == role &&
				asInt64(props["timestamp_ms"]) == ts && props["content_hash"] == hash {
				return []map[string]any{{"node_id": props["node_id"]}}, nil
			}
		}
		nodeID, _ := params["node_id"].(string)
		props := map[string]any{
			"node_id":      nodeID,
			"partition":    params["partition"],
			"instance":     params["instance"],
			"content":      params["content"],
			"url":          params["url"],
			"trace_id":     traceID,
			"role":         role,
			"timestamp_ms": ts,
			"content_hash": hash,
		}
		if emb, ok := params["embedding"]; ok && emb != nil {
			props["embedding"] = emb
		}
		f.nodes[nodeID] = props
		return []map[string]any{{"node_id": nodeID}}, nil

	case strings.Contains(query, "SET m.embedding = $embedding"):
		id, _ := params["node_id"].(string)
		if props, ok := f.nodes[id]; ok {
			props["embedding"] = params["embedding"]
		}
		return nil, nil

	case strings.Contains(query, "CREATE (u)-[:RESPONDED_WITH]->(a)"):
		f.edges = append(f.edges, fakeEdge{kind: "RESPONDED_WITH", from: params["user_id"].(string), to: params["assistant_id"].(string)})
		return nil, nil

	case strings.Contains(query, "DELETE r"):
		from, _ := params["from"].(string)
		to, _ := params["to"].(string)
		var kept []fakeEdge
		for _, e := range f.edges {
			if e.kind == "SYNAPSE" && e.from == from && e.to == to {
				continue
			}
			kept = append(kept, e)
		}
		f.edges = kept
		return nil, nil

	case strings.Contains(query, "WHERE NOT (a)-[:SYNAPSE]->(b)"):
		from, _ := params["from"].(string)
		to, _ := params["to"].(string)
		if !f.hasSynapse(from, to) {
			f.edges = append(f.edges, fakeEdge{kind: "SYNAPSE", from: from, to: to, score: params["score"].(float64)})
		}
		return nil, nil

	case strings.Contains(query, "MERGE (a)-[r:SYNAPSE]->(b)"):
		from, _ := params["from"].(string)
		to, _ := params["to"].(string)
		score := params["score"].(float64)
		for i, e := range f.edges {
			if e.kind == "SYNAPSE" && e.from == from && e.to == to {
				f.edges[i].score = score
				return nil, nil
			}
		}
		f.edges = append(f.edges, fakeEdge{kind: "SYNAPSE", from: from, to: to, score: score})
		return nil, nil

	default:
		return nil, nil
	}
}

func sortByTimestampDesc(rows []map[string]any) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			a := asInt64(rows[j-1]["m"].(map[string]any)["timestamp_ms"])
			b := asInt64(rows[j]["m"].(map[string]any)["timestamp_ms"])
			if a < b {
				rows[j-1], rows[j] = rows[j], rows[j-1]
			}
		}
	}
}

func cosine64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func newMessage(id, partition, instance string, role models.Role, content string, ts time.Time, embedding []float32) models.Message {
	return models.Message{
		NodeID:    id,
		TraceID:   "trace-" + id,
		Partition: partition,
		Instance:  instance,
		Role:      role,
		Content:   content,
		Timestamp: ts,
		Embedding: embedding,
	}
}

// nodeRunner answers every read with a fixed set of rows, shaped exactly
// the way Record.AsMap returns them from the live driver: node values as
// neo4j.Node, not pre-flattened property maps.
type nodeRunner struct {
	rows []map[string]any
}

func (r *nodeRunner) read(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	return r.rows, nil
}

func (r *nodeRunner) write(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func Test_RowToMessage_DecodesDriverNodeValues(t *testing.T) {
	node := neo4j.Node{
		ElementId: "4:abc:17",
		Labels:    []string{"Message"},
		Props: map[string]any{
			"node_id":      "n1",
			"trace_id":     "t1",
			"partition":    "alice",
			"instance":     "demo",
			"role":         "user",
			"content":      "hello",
			"content_hash": "deadbeef",
			"timestamp_ms": int64(1700000000123),
			"embedding":    []any{0.6, 0.8},
		},
	}

	m := rowToMessage(map[string]any{"m": node}, "m")
	if m.NodeID != "n1" || m.TraceID != "t1" || m.Partition != "alice" || m.Instance != "demo" {
		t.Fatalf("expected node properties decoded, got %+v", m)
	}
	if m.Role != models.RoleUser || m.Content != "hello" {
		t.Fatalf("expected role/content decoded, got %+v", m)
	}
	if m.Timestamp.UnixMilli() != 1700000000123 {
		t.Fatalf("expected timestamp decoded, got %v", m.Timestamp)
	}
	if len(m.Embedding) != 2 || m.Embedding[0] != 0.6 {
		t.Fatalf("expected embedding decoded, got %v", m.Embedding)
	}
}

func Test_Recent_DecodesDriverNodeRows(t *testing.T) {
	runner := &nodeRunner{rows: []map[string]any{
		{"m": neo4j.Node{Props: map[string]any{
			"node_id":      "n2",
			"trace_id":     "t2",
			"partition":    "alice",
			"instance":     "demo",
			"role":         "assistant",
			"content":      "hi there",
			"timestamp_ms": int64(2000),
		}}},
	}}
	store := &Store{runner: runner, kSim: 3, tau: 0.85}

	out, err := store.Recent(context.Background(), "alice", "demo", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].NodeID != "n2" || out[0].Content != "hi there" {
		t.Fatalf("expected the driver-shaped row decoded, got %+v", out)
	}
}

func Test_Similar_DecodesDriverNodeRows(t *testing.T) {
	runner := &nodeRunner{rows: []map[string]any{
		{
			"node": neo4j.Node{Props: map[string]any{
				"node_id":      "n3",
				"partition":    "alice",
				"instance":     "demo",
				"role":         "user",
				"content":      "about cats",
				"timestamp_ms": int64(3000),
				"embedding":    []any{1.0, 0.0},
			}},
			"score": 0.97,
		},
	}}
	store := &Store{runner: runner, kSim: 3, tau: 0.85}

	out, err := store.Similar(context.Background(), "alice", "demo", []float32{1, 0}, 5, 0.85)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Message.NodeID != "n3" {
		t.Fatalf("expected the driver-shaped row decoded instead of skipped, got %+v", out)
	}
	if out[0].Score < 0.96 {
		t.Fatalf("expected the score carried through, got %f", out[0].Score)
	}
}

func Test_StoreMessage_IsIdempotentByTraceRoleTimestampHash(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	ts := time.UnixMilli(1000)
	m := models.Message{TraceID: "t1", Partition: "p", Instance: "i", Role: models.RoleUser, Content: "hello"}
	m.Timestamp = ts

	id1, err := store.StoreMessage(ctx, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := store.StoreMessage(ctx, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent store to return the same node id, got %s vs %s", id1, id2)
	}
	if len(runner.nodes) != 1 {
		t.Fatalf("expected exactly one node stored, got %d", len(runner.nodes))
	}
}

func Test_LinkResponse_RejectsSecondOutboundEdge(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("u1", "p", "i", models.RoleUser, "hi", time.UnixMilli(1), nil))
	runner.addNode(newMessage("a1", "p", "i", models.RoleAssistant, "hello", time.UnixMilli(2), nil))
	runner.addNode(newMessage("a2", "p", "i", models.RoleAssistant, "hello again", time.UnixMilli(3), nil))

	if err := store.LinkResponse(ctx, "u1", "a1"); err != nil {
		t.Fatalf("unexpected error on first link: %v", err)
	}
	err := store.LinkResponse(ctx, "u1", "a2")
	if err == nil {
		t.Fatalf("expected an error linking a second response to the same user message")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Internal {
		t.Fatalf("expected an Internal apperr, got %v", err)
	}
}

func Test_LinkResponse_RejectsMissingNode(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()
	runner.addNode(newMessage("u1", "p", "i", models.RoleUser, "hi", time.UnixMilli(1), nil))

	if err := store.LinkResponse(ctx, "u1", "missing"); err == nil {
		t.Fatalf("expected an error linking to a missing node")
	}
}

func Test_Recent_ReturnsNewestFirstScopedToPartitionInstance(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("m1", "p", "i", models.RoleUser, "one", time.UnixMilli(1000), nil))
	runner.addNode(newMessage("m2", "p", "i", models.RoleUser, "two", time.UnixMilli(2000), nil))
	runner.addNode(newMessage("m3", "other", "i", models.RoleUser, "three", time.UnixMilli(3000), nil))

	out, err := store.Recent(ctx, "p", "i", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages scoped to (p, i), got %d", len(out))
	}
	if out[0].NodeID != "m2" || out[1].NodeID != "m1" {
		t.Fatalf("expected newest-first order, got %v", out)
	}
}

func Test_Search_MatchesContentCaseInsensitivelyWithinScope(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("m1", "p", "i", models.RoleUser, "the capital of France", time.UnixMilli(1000), nil))
	runner.addNode(newMessage("m2", "p", "i", models.RoleUser, "unrelated", time.UnixMilli(2000), nil))
	runner.addNode(newMessage("m3", "other", "i", models.RoleUser, "France again", time.UnixMilli(3000), nil))

	out, err := store.Search(ctx, "p", "i", "france", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].NodeID != "m1" {
		t.Fatalf("expected only the in-scope match, got %v", out)
	}
}

func Test_Similar_FiltersByThresholdAndScope(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	query := []float32{1, 0}
	runner.addNode(newMessage("close", "p", "i", models.RoleUser, "a", time.UnixMilli(1), []float32{1, 0}))
	runner.addNode(newMessage("far", "p", "i", models.RoleUser, "b", time.UnixMilli(2), []float32{0, 1}))
	runner.addNode(newMessage("other-scope", "p2", "i", models.RoleUser, "c", time.UnixMilli(3), []float32{1, 0}))

	out, err := store.Similar(ctx, "p", "i", query, 5, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Message.NodeID != "close" {
		t.Fatalf("expected only the in-scope, high-similarity match, got %v", out)
	}
}

func Test_UpdateSynapses_CreatesSequentialEdgeAboveTau(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("first", "p", "i", models.RoleUser, "talking about cats", time.UnixMilli(1000), []float32{1, 0}))
	runner.addNode(newMessage("second", "p", "i", models.RoleUser, "more about cats", time.UnixMilli(2000), []float32{1, 0}))

	if err := store.UpdateSynapses(ctx, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.hasSynapse("first", "second") {
		t.Fatalf("expected a sequential synapse from first to second to survive above tau")
	}
}

func Test_UpdateSynapses_PrunesSequentialEdgeBelowTau(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("first", "p", "i", models.RoleUser, "talking about cats", time.UnixMilli(1000), []float32{1, 0}))
	runner.addNode(newMessage("second", "p", "i", models.RoleUser, "switching to rocket engines", time.UnixMilli(2000), []float32{0, 1}))

	if err := store.UpdateSynapses(ctx, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.hasSynapse("first", "second") {
		t.Fatalf("expected the low-similarity sequential synapse to be pruned")
	}
}

func Test_UpdateSynapses_SkipsWhenNewMessageHasNoEmbedding(t *testing.T) {
	runner := newFakeRunner()
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	runner.addNode(newMessage("first", "p", "i", models.RoleUser, "hi", time.UnixMilli(1000), []float32{1, 0}))
	runner.addNode(newMessage("second", "p", "i", models.RoleUser, "hi again", time.UnixMilli(2000), nil))

	if err := store.UpdateSynapses(ctx, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.edges) != 0 {
		t.Fatalf("expected no synapses when the new message lacks an embedding, got %v", runner.edges)
	}
}

func Test_Dedupe_RemovesDuplicatesAndSortsByTimestamp(t *testing.T) {
	a := []models.Message{
		{NodeID: "x", Timestamp: time.UnixMilli(2000)},
		{NodeID: "y", Timestamp: time.UnixMilli(1000)},
	}
	b := []models.Message{
		{NodeID: "y", Timestamp: time.UnixMilli(1000)},
		{NodeID: "z", Timestamp: time.UnixMilli(3000)},
	}
	out := Dedupe(a, b)
	if len(out) != 3 {
		t.Fatalf("expected 3 unique messages, got %d", len(out))
	}
	if out[0].NodeID != "y" || out[1].NodeID != "x" || out[2].NodeID != "z" {
		t.Fatalf("expected ascending timestamp order, got %v", out)
	}
}

func Test_StorageFailure_WrapsAsStorageUnavailable(t *testing.T) {
	runner := newFakeRunner()
	runner.failWrite = context.DeadlineExceeded
	store := &Store{runner: runner, kSim: 3, tau: 0.85}
	ctx := context.Background()

	_, err := store.StoreMessage(ctx, models.Message{TraceID: "t", Partition: "p", Instance: "i", Role: models.RoleUser, Content: "hi", Timestamp: time.UnixMilli(1)})
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.StorageUnavailable {
		t.Fatalf("expected a StorageUnavailable apperr, got %v", err)
	}
}
