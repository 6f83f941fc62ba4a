// Package http exposes the call, quality and notification state over a REST
// API and a WebSocket event stream.
package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/config"
)

// NewServer builds the HTTP server with all routes registered.
func NewServer(h *Handlers, events *Broadcaster, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	api := router.Group("/api")
	{
		api.GET("/call/current", h.GetCurrentCall)
		api.POST("/call/accept", h.AcceptCall)
		api.POST("/call/reject", h.RejectCall)
		api.POST("/call/clear", h.ClearCall)
		api.GET("/quality", h.GetQuality)
		api.GET("/notifications", h.GetNotifications)
		api.GET("/ringback", h.GetRingback)
	}

	router.GET("/ws", gin.WrapH(NewWSHandler(h, events, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
