package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/cache"
	"github.com/divanvisagie/reservoir/internal/config"
	"github.com/divanvisagie/reservoir/internal/embedding"
	"github.com/divanvisagie/reservoir/internal/graph"
	"github.com/divanvisagie/reservoir/internal/logging"
	"github.com/divanvisagie/reservoir/internal/models"
	"github.com/divanvisagie/reservoir/internal/queue"
	"github.com/divanvisagie/reservoir/internal/tokens"
)

// Pipeline is the enrichment pipeline: the state
// machine carrying one request through
// Received → Validated → Persisted → Enriched → Budgeted → Forwarded →
// Answered → Done, with a Failed branch off any of those transitions.
// cache and repair are optional QoS collaborators: a nil cache just means
// every recent() call goes straight to the store, and a nil repair queue
// means a failed embedding is simply absorbed and never retried.
type Pipeline struct {
	cfg        config.Config
	accountant *tokens.Accountant
	embedder   embedding.Client
	store      *graph.Store
	cache      *cache.RecencyCache
	repair     *queue.EmbeddingRepairQueue
	upstream   *Upstream
	logger     *logging.Logger
}

// New builds a Pipeline from its fully-constructed collaborators.
func New(cfg config.Config, accountant *tokens.Accountant, embedder embedding.Client, store *graph.Store, recencyCache *cache.RecencyCache, repair *queue.EmbeddingRepairQueue, upstream *Upstream, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		accountant: accountant,
		embedder:   embedder,
		store:      store,
		cache:      recencyCache,
		repair:     repair,
		upstream:   upstream,
		logger:     logger,
	}
}

// HandleChat runs the full pipeline for one chat completion request scoped
// to (partition, instance). On success the returned body is the upstream
// response's own bytes, untouched; on a pipeline failure (BadRequest,
// InputTooLarge, ...) the returned error is an *apperr.Error for the
// caller to render as the OpenAI-shaped error envelope, except when the
// client cancels before forwarding, which returns the wrapped context
// error. An
// Upstream4xx/Upstream5xx response is itself returned as (status, body,
// nil): the pipeline only ever intercepts and re-shapes its own failures,
// never the upstream's.
func (p *Pipeline) HandleChat(ctx context.Context, partition, instance string, header http.Header, rawBody []byte) (int, []byte, error) {
	// Detach from the request's cancellation so that once a message has
	// been accepted, persistence and synapse maintenance run to
	// completion even if the client disconnects mid-request. The
	// request ctx is still consulted below, once, as the single abort
	// checkpoint before forwarding.
	bg := context.WithoutCancel(ctx)

	traceID := uuid.NewString()
	log := p.logger.WithTrace(traceID, partition, instance)

	req, err := p.validate(rawBody)
	if err != nil {
		return 0, nil, err
	}
	if err := p.accountant.ValidateInput(req.Model, req.Messages[req.LastUserMessage()].Content, p.cfg.InputCeiling()); err != nil {
		return 0, nil, err
	}

	inboundNodes, lastUserNode, lastTS, err := p.persistInbound(bg, log, traceID, partition, instance, req)
	if err != nil {
		return 0, nil, err
	}

	enriched, err := p.enrich(bg, log, partition, instance, req, inboundNodes)
	if err != nil {
		return 0, nil, err
	}

	budgeted, err := p.budget(req, enriched)
	if err != nil {
		return 0, nil, err
	}

	if ctx.Err() != nil {
		// Client is already gone and step 5 (the upstream round trip)
		// has not started: abort here, preserving the inbound messages
		// already persisted.
		return 0, nil, fmt.Errorf("request canceled before forwarding: %w", ctx.Err())
	}

	outboundBody, err := buildOutboundBody(req, budgeted)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.Internal, "encoding outbound request", err)
	}

	authHeader := header.Get("Authorization")
	if authHeader == "" && p.cfg.OpenAIAPIKey != "" {
		authHeader = "Bearer " + p.cfg.OpenAIAPIKey
	}

	status, respBody, err := p.upstream.Forward(bg, req.Model, authHeader, outboundBody)
	if err != nil {
		return 0, nil, err
	}
	if status < 200 || status >= 300 {
		log.WithField("upstream_status", status).Warn("upstream returned a non-2xx response")
		return status, respBody, nil
	}

	p.persistAnswer(bg, log, traceID, partition, instance, lastUserNode, lastTS, respBody)
	return status, respBody, nil
}

// validate implements step 1, Received → Validated: a syntactically
// well-formed chat completion body whose last message has role user.
func (p *Pipeline) validate(rawBody []byte) (*models.ChatCompletionRequest, error) {
	var req models.ChatCompletionRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "malformed request body", err)
	}
	if req.Model == "" {
		return nil, apperr.New(apperr.BadRequest, "missing model field")
	}
	if len(req.Messages) == 0 {
		return nil, apperr.New(apperr.BadRequest, "messages must not be empty")
	}
	for _, m := range req.Messages {
		if !models.Role(m.Role).Valid() {
			return nil, apperr.New(apperr.BadRequest, "unknown message role: "+m.Role)
		}
	}
	lastIdx := req.LastUserMessage()
	if lastIdx == -1 || lastIdx != len(req.Messages)-1 {
		return nil, apperr.New(apperr.BadRequest, "the last message must have role user")
	}
	return &req, nil
}

// persistInbound implements step 2, Validated → Persisted: every inbound
// message is stored with the shared trace_id and a monotonically
// advancing timestamp, then synapses are updated for each new node.
func (p *Pipeline) persistInbound(ctx context.Context, log *logging.Logger, traceID, partition, instance string, req *models.ChatCompletionRequest) ([]models.Message, string, time.Time, error) {
	base := time.Now().UTC()
	var stored []models.Message
	var lastUserNode string
	var lastTS time.Time

	for i, m := range req.Messages {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		msg := models.Message{
			TraceID:   traceID,
			Partition: partition,
			Instance:  instance,
			Role:      models.Role(m.Role),
			Content:   m.Content,
			Timestamp: ts,
		}
		msg.Embedding = p.tryEmbed(ctx, log, msg.Content)

		nodeID, err := p.store.StoreMessage(ctx, msg)
		if err != nil {
			if appErr, ok := apperr.As(err); ok && appErr.Kind.Silent() {
				log.WithError(err).Warn("store_message degraded")
				continue
			}
			return nil, "", time.Time{}, err
		}
		msg.NodeID = nodeID

		if err := p.store.UpdateSynapses(ctx, nodeID); err != nil {
			if appErr, ok := apperr.As(err); ok && appErr.Kind.Silent() {
				log.WithError(err).Warn("update_synapses degraded")
			} else {
				return nil, "", time.Time{}, err
			}
		}
		if !msg.HasEmbedding() && p.repair != nil {
			if pubErr := p.repair.Publish(ctx, queue.RepairJob{NodeID: nodeID, Partition: partition, Instance: instance, Content: msg.Content}); pubErr != nil {
				log.WithError(pubErr).Warn("publishing embedding repair job failed")
			}
		}

		stored = append(stored, msg)
		if msg.Role == models.RoleUser {
			lastUserNode = nodeID
			lastTS = ts
		}
	}

	if p.cache != nil {
		p.cache.Invalidate(ctx, partition, instance)
	}
	return stored, lastUserNode, lastTS, nil
}

// tryEmbed calls the embedding client and absorbs a persistent failure
// as EmbeddingUnavailable: the caller still stores the message, just
// without a vector.
func (p *Pipeline) tryEmbed(ctx context.Context, log *logging.Logger, content string) []float32 {
	embCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbeddingTimeout)
	defer cancel()

	vec, err := p.embedder.Embed(embCtx, content)
	if err != nil {
		log.WithError(apperr.Wrap(apperr.EmbeddingUnavailable, "embedding failed", err)).Warn("embedding degraded")
		return nil
	}
	return vec
}

// enrich implements step 3, Persisted → Enriched: build the enrichment
// set from similarity and recency, then splice it between the inbound
// system messages and the inbound non-system messages.
func (p *Pipeline) enrich(ctx context.Context, log *logging.Logger, partition, instance string, req *models.ChatCompletionRequest, inbound []models.Message) ([]models.ChatMessage, error) {
	var lastEmbedding []float32
	for i := len(inbound) - 1; i >= 0; i-- {
		if inbound[i].Role == models.RoleUser {
			lastEmbedding = inbound[i].Embedding
			break
		}
	}

	var similar []models.Message
	if len(lastEmbedding) > 0 {
		scored, err := p.store.Similar(ctx, partition, instance, lastEmbedding, p.cfg.KSim, p.cfg.SimTau)
		if err != nil {
			if appErr, ok := apperr.As(err); !ok || !appErr.Kind.Silent() {
				return nil, err
			}
			log.WithError(err).Warn("similar() degraded, enrichment will use recency only")
		} else {
			for _, s := range scored {
				similar = append(similar, s.Message)
			}
		}
	}

	recent := p.recentWithCache(ctx, log, partition, instance, p.cfg.KRec)

	inboundIDs := make(map[string]bool, len(inbound))
	for _, m := range inbound {
		inboundIDs[m.NodeID] = true
	}
	candidate := graph.Dedupe(similar, recent)
	var enrichmentSet []models.Message
	for _, m := range candidate {
		if !inboundIDs[m.NodeID] {
			enrichmentSet = append(enrichmentSet, m)
		}
	}

	var out []models.ChatMessage
	for _, m := range req.Messages {
		if m.Role == string(models.RoleSystem) {
			out = append(out, m)
		}
	}
	for _, m := range enrichmentSet {
		out = append(out, models.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, m := range req.Messages {
		if m.Role != string(models.RoleSystem) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *Pipeline) recentWithCache(ctx context.Context, log *logging.Logger, partition, instance string, n int) []models.Message {
	if p.cache != nil {
		if cached, ok := p.cache.Get(ctx, partition, instance, n); ok {
			return cached
		}
	}
	recent, err := p.store.Recent(ctx, partition, instance, n)
	if err != nil {
		log.WithError(err).Warn("recent() degraded, enrichment will use similarity only")
		return nil
	}
	if p.cache != nil {
		p.cache.Set(ctx, partition, instance, n, recent)
	}
	return recent
}

// budget implements step 4, Enriched → Budgeted: truncate to MAX_TOKENS,
// falling back to the bare inbound messages if the enriched truncation
// would otherwise send less than the client originally asked for.
func (p *Pipeline) budget(req *models.ChatCompletionRequest, enriched []models.ChatMessage) ([]models.ChatMessage, error) {
	budgeted, err := p.accountant.Truncate(req.Model, enriched, p.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	if len(budgeted) < len(req.Messages) {
		budgeted, err = p.accountant.Truncate(req.Model, req.Messages, p.cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
	}
	return budgeted, nil
}

// buildOutboundBody re-encodes req with budgeted in place of its original
// messages and stream cleared, preserving every other passthrough field.
func buildOutboundBody(req *models.ChatCompletionRequest, budgeted []models.ChatMessage) ([]byte, error) {
	outbound := *req
	outbound.Messages = budgeted
	noStream := false
	outbound.Stream = &noStream
	return json.Marshal(outbound)
}

// persistAnswer implements step 6, Forwarded → Answered: parse the
// upstream body, persist the assistant's reply, link it to the last
// inbound user message, and update its synapses. Failures here are
// logged, never surfaced: the upstream body is returned to the client
// unchanged whatever happens here.
func (p *Pipeline) persistAnswer(ctx context.Context, log *logging.Logger, traceID, partition, instance, lastUserNode string, lastTS time.Time, respBody []byte) {
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		log.WithError(err).Warn("could not parse upstream response for persistence")
		return
	}
	reply, ok := resp.FirstMessage()
	if !ok {
		log.WithError(fmt.Errorf("upstream response has no choices")).Warn("nothing to persist for this answer")
		return
	}

	msg := models.Message{
		TraceID:   traceID,
		Partition: partition,
		Instance:  instance,
		Role:      models.RoleAssistant,
		Content:   reply.Content,
		Timestamp: lastTS.Add(time.Millisecond),
	}
	msg.Embedding = p.tryEmbed(ctx, log, msg.Content)

	nodeID, err := p.store.StoreMessage(ctx, msg)
	if err != nil {
		log.WithError(err).Warn("persisting assistant message degraded")
		return
	}

	if lastUserNode != "" {
		if err := p.store.LinkResponse(ctx, lastUserNode, nodeID); err != nil {
			log.WithError(err).Warn("linking RESPONDED_WITH degraded")
		}
	}
	if err := p.store.UpdateSynapses(ctx, nodeID); err != nil {
		log.WithError(err).Warn("update_synapses for assistant node degraded")
	}
	if !msg.HasEmbedding() && p.repair != nil {
		if pubErr := p.repair.Publish(ctx, queue.RepairJob{NodeID: nodeID, Partition: partition, Instance: instance, Content: msg.Content}); pubErr != nil {
			log.WithError(pubErr).Warn("publishing embedding repair job failed")
		}
	}
	if p.cache != nil {
		p.cache.Invalidate(ctx, partition, instance)
	}
}
