package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/call"
	"github.com/vkravets/ringline/internal/notify"
	"github.com/vkravets/ringline/internal/quality"
	"github.com/vkravets/ringline/internal/ringback"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers provides HTTP handlers for the call, quality and notification
// endpoints.
type Handlers struct {
	controller *call.Controller
	monitor    *quality.Monitor
	ringer     *ringback.Scheduler
	aggregator *notify.Aggregator
	log        *zerolog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(ctrl *call.Controller, mon *quality.Monitor, ringer *ringback.Scheduler, agg *notify.Aggregator, logger *zerolog.Logger) *Handlers {
	return &Handlers{
		controller: ctrl,
		monitor:    mon,
		ringer:     ringer,
		aggregator: agg,
		log:        logger,
	}
}

// CurrentCallResponse wraps the held call for GET /api/call/current.
type CurrentCallResponse struct {
	Ringing bool         `json:"ringing"`
	Call    *CallPayload `json:"call,omitempty"`
}

// GetCurrentCall returns the currently ringing incoming call, if any.
// GET /api/call/current
func (h *Handlers) GetCurrentCall(c *gin.Context) {
	resp := CurrentCallResponse{}
	if ic := h.controller.Current(); ic != nil {
		resp.Ringing = true
		resp.Call = callToPayload(ic)
	}
	c.JSON(http.StatusOK, resp)
}

// AcceptCall answers the currently ringing call.
// POST /api/call/accept
func (h *Handlers) AcceptCall(c *gin.Context) {
	if err := h.controller.Accept(c.Request.Context()); err != nil {
		h.respondAnswerError(c, err, "accept")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "call accepted"})
}

// RejectCall declines the currently ringing call.
// POST /api/call/reject
func (h *Handlers) RejectCall(c *gin.Context) {
	if err := h.controller.Reject(c.Request.Context()); err != nil {
		h.respondAnswerError(c, err, "reject")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "call rejected"})
}

// ClearCall dismisses the call screen locally without touching the record.
// POST /api/call/clear
func (h *Handlers) ClearCall(c *gin.Context) {
	h.controller.ClearCurrent()
	c.JSON(http.StatusOK, gin.H{"message": "call cleared"})
}

func (h *Handlers) respondAnswerError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, call.ErrNoActiveCall):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no active incoming call"})
	case errors.Is(err, call.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "call handling unavailable"})
	default:
		h.log.Error().Err(err).Str("op", op).Msg("call answer failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "could not reach call service, try again"})
	}
}

// GetQuality returns the latest connection quality snapshot.
// GET /api/quality
func (h *Handlers) GetQuality(c *gin.Context) {
	c.JSON(http.StatusOK, snapshotToPayload(h.monitor.Snapshot()))
}

// GetNotifications returns the derived notification counters.
// GET /api/notifications
func (h *Handlers) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, h.aggregator.Counts())
}

// GetRingback reports whether the ringback tone is currently playing.
// GET /api/ringback
func (h *Handlers) GetRingback(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"playing": h.ringer.Playing()})
}
