package api

import "github.com/gin-gonic/gin"

// SetupRouter configures and returns a Gin engine for the Reservoir
// listener. The chat completions route owns the
// partition/instance-scoped path; everything else falls through to the
// transparent proxy via NoRoute.
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Healthz)

	scoped := r.Group("/v1/partition/:partition/instance/:instance")
	{
		scoped.POST("/chat/completions", h.ChatCompletions)
		scoped.GET("/messages", h.Messages)
		scoped.GET("/search", h.Search)
	}

	r.NoRoute(h.Passthrough)

	return r
}
