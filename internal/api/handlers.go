// Package api is the request router: it parses the
// URL path into (partition, instance, upstream-kind), dispatches chat
// completions into the Enrichment Pipeline, relays every other /v1 path
// verbatim to the upstream, and exposes the read-only admin endpoints
// over the Conversation Store.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/logging"
	"github.com/divanvisagie/reservoir/internal/models"
)

// chatPipeline is the slice of the Enrichment Pipeline the router calls.
type chatPipeline interface {
	HandleChat(ctx context.Context, partition, instance string, header http.Header, rawBody []byte) (int, []byte, error)
}

// messageReader is the read-only slice of the Conversation Store the
// admin endpoints expose.
type messageReader interface {
	Recent(ctx context.Context, partition, instance string, n int) ([]models.Message, error)
	Search(ctx context.Context, partition, instance, q string, limit int) ([]models.Message, error)
}

// rawProxy relays non-chat requests verbatim to the upstream.
type rawProxy interface {
	ProxyRaw(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (int, http.Header, []byte, error)
}

// healthChecker reports whether a backing dependency is reachable.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// defaultAdminLimit caps how many messages the admin endpoints return
// when the caller does not pass ?limit=.
const defaultAdminLimit = 50

// Handler holds the handler functions for every route.
type Handler struct {
	pipeline chatPipeline
	store    messageReader
	proxy    rawProxy
	health   healthChecker
	logger   *logging.Logger
}

// NewHandler creates a Handler over its collaborators.
func NewHandler(pipeline chatPipeline, store messageReader, proxy rawProxy, health healthChecker, logger *logging.Logger) *Handler {
	return &Handler{pipeline: pipeline, store: store, proxy: proxy, health: health, logger: logger}
}

// ChatCompletions handles
// POST /v1/partition/:partition/instance/:instance/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	partition := c.Param("partition")
	instance := c.Param("instance")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.BadRequest, "reading request body", err))
		return
	}

	status, respBody, err := h.pipeline.HandleChat(c.Request.Context(), partition, instance, c.Request.Header, body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// Upstream bytes are returned verbatim, 2xx or not.
	c.Data(status, "application/json", respBody)
}

// Messages handles GET /v1/partition/:partition/instance/:instance/messages,
// returning the most recent stored messages for the pair.
func (h *Handler) Messages(c *gin.Context) {
	limit := queryInt(c, "limit", defaultAdminLimit)
	messages, err := h.store.Recent(c.Request.Context(), c.Param("partition"), c.Param("instance"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Search handles GET /v1/partition/:partition/instance/:instance/search?q=...,
// a case-insensitive substring match over stored message content.
func (h *Handler) Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		h.writeError(c, apperr.New(apperr.BadRequest, "missing query parameter q"))
		return
	}
	limit := queryInt(c, "limit", defaultAdminLimit)
	messages, err := h.store.Search(c.Request.Context(), c.Param("partition"), c.Param("instance"), q, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Healthz handles GET /healthz, reporting graph store connectivity.
func (h *Handler) Healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Passthrough relays any unmatched path to the upstream, except
// chat-shaped paths that failed to match the completions route, which are
// malformed and answered with 404.
func (h *Handler) Passthrough(c *gin.Context) {
	path := c.Request.URL.Path
	if strings.HasSuffix(path, "/chat/completions") {
		c.JSON(http.StatusNotFound, models.ErrorBody{Error: models.ErrorDetail{
			Message: "malformed chat completions path; expected /v1/partition/{partition}/instance/{instance}/chat/completions",
			Type:    "not_found",
			Code:    http.StatusNotFound,
		}})
		return
	}
	if !strings.HasPrefix(path, "/v1/") {
		c.JSON(http.StatusNotFound, models.ErrorBody{Error: models.ErrorDetail{
			Message: "not found",
			Type:    "not_found",
			Code:    http.StatusNotFound,
		}})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.BadRequest, "reading request body", err))
		return
	}

	pathAndQuery := path
	if c.Request.URL.RawQuery != "" {
		pathAndQuery += "?" + c.Request.URL.RawQuery
	}
	status, header, respBody, err := h.proxy.ProxyRaw(c.Request.Context(), c.Request.Method, pathAndQuery, c.Request.Header, body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	for k, vs := range header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(status, header.Get("Content-Type"), respBody)
}

// writeError renders err as the OpenAI-shaped error envelope,
// classifying anything that is not already an *apperr.Error as Internal.
func (h *Handler) writeError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(apperr.Internal, "internal error", err)
	}
	status := appErr.Kind.Status(appErr.UpstreamStatus)
	if status >= 500 {
		h.logger.WithError(appErr).Error("request failed")
	} else {
		h.logger.WithError(appErr).Warn("request rejected")
	}
	c.JSON(status, appErr.Body())
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
